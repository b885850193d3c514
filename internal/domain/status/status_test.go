package status

import "testing"

// TestDecode проверяет приведение сырых статусов к каноническим.
func TestDecode(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"on_upload", OnUpload},
		{"awaiting_upload", OnUpload},
		{"new", OnUpload},
		{"ON_UPLOAD", OnUpload},
		{"  moderation ", Moderation},
		{"review", Moderation},
		{"accepted", Approved},
		{"declined", Rejected},
		{"fix", NeedsFix},
		{"released", Published},
		{"removed", Deleted},
		{"", OnUpload},
		{"что-то неизвестное", OnUpload},
	}

	for _, tt := range tests {
		if got := Decode(tt.raw); got != tt.want {
			t.Errorf("Decode(%q): ожидалось %s, получено %s", tt.raw, tt.want, got)
		}
	}
}

// TestCanTransition проверяет матрицу переходов.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{OnUpload, Moderation, true},
		{Moderation, Approved, true},
		{Moderation, Rejected, true},
		{Moderation, NeedsFix, true},
		{Approved, Published, true},
		{Rejected, Moderation, true},
		{NeedsFix, Moderation, true},
		{Published, Deleted, true},
		{Published, OnUpload, true},
		{Deleted, OnUpload, true},
		{Deleted, Approved, false},
		{Deleted, Published, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s): ожидалось %v, получено %v", tt.from, tt.to, tt.want, got)
		}
	}
}

// TestCanTransition_SelfLoop проверяет идемпотентное повторное
// применение любого статуса.
func TestCanTransition_SelfLoop(t *testing.T) {
	for _, s := range []Status{OnUpload, Moderation, Approved, Rejected, NeedsFix, Published, Deleted} {
		if !CanTransition(s, s) {
			t.Errorf("повторное применение %s должно быть разрешено", s)
		}
	}
}

// TestMirrorsApproved проверяет принадлежность к зеркалу одобренных.
func TestMirrorsApproved(t *testing.T) {
	if !Approved.MirrorsApproved() || !Published.MirrorsApproved() {
		t.Error("approved и published должны входить в зеркало одобренных")
	}
	for _, s := range []Status{OnUpload, Moderation, Rejected, NeedsFix, Deleted} {
		if s.MirrorsApproved() {
			t.Errorf("%s не должен входить в зеркало одобренных", s)
		}
	}
}

// TestIsValid проверяет распознавание канонических статусов.
func TestIsValid(t *testing.T) {
	if !IsValid(Moderation) {
		t.Error("moderation должен быть валидным статусом")
	}
	if IsValid(Status("draft")) {
		t.Error("draft не является валидным статусом")
	}
}
