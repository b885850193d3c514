package service

import (
	"testing"
	"time"
)

// TestReplay_DuplicateRejected проверяет отклонение байт-в-байт
// повторной отправки внутри окна.
func TestReplay_DuplicateRejected(t *testing.T) {
	r := NewReplay(time.Minute, testLogger())
	payload := []byte(`{"action":"submit_release","form":{"name":"Тест"}}`)

	if !r.Check("100", payload) {
		t.Fatal("первая отправка должна приниматься")
	}
	if r.Check("100", payload) {
		t.Error("повторная отправка внутри окна должна отклоняться")
	}
}

// TestReplay_DifferentSubmitter проверяет независимость отпечатков
// разных отправителей.
func TestReplay_DifferentSubmitter(t *testing.T) {
	r := NewReplay(time.Minute, testLogger())
	payload := []byte(`{"form":{"name":"Общий"}}`)

	if !r.Check("100", payload) {
		t.Fatal("первая отправка должна приниматься")
	}
	if !r.Check("200", payload) {
		t.Error("та же нагрузка от другого отправителя должна приниматься")
	}
}

// TestReplay_DifferentPayload проверяет, что изменённая нагрузка
// не считается дублем.
func TestReplay_DifferentPayload(t *testing.T) {
	r := NewReplay(time.Minute, testLogger())

	if !r.Check("100", []byte(`{"name":"Первый"}`)) {
		t.Fatal("первая отправка должна приниматься")
	}
	if !r.Check("100", []byte(`{"name":"Второй"}`)) {
		t.Error("другая нагрузка не является дублем")
	}
}

// TestReplay_WindowExpiry проверяет приём той же заявки после
// истечения окна охлаждения.
func TestReplay_WindowExpiry(t *testing.T) {
	r := NewReplay(20*time.Millisecond, testLogger())
	payload := []byte(`{"name":"Терпеливый"}`)

	if !r.Check("100", payload) {
		t.Fatal("первая отправка должна приниматься")
	}
	time.Sleep(50 * time.Millisecond)
	if !r.Check("100", payload) {
		t.Error("после окна та же заявка должна приниматься снова")
	}
}
