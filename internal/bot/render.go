// Пакет bot — диалоговый канал: long polling обновлений, карточки
// модерации с инлайн-кнопками, уведомления отправителей,
// пользовательские представления и административные команды.
package bot

import (
	"fmt"
	"strings"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
	"github.com/arturkryukov/cxrner/release-module/internal/domain/status"
	"github.com/arturkryukov/cxrner/release-module/internal/gateway"
)

// emptyField — сигнальное значение незаполненного необязательного поля.
const emptyField = "."

// Card собирает текст карточки модерации.
func Card(rel *model.Release) string {
	var b strings.Builder

	b.WriteString("🎵 Заявка на релиз\n\n")
	writeField(&b, "Тип", rel.Type)
	writeField(&b, "Название", rel.Name)
	writeField(&b, "Доп. название", rel.Subname)
	writeField(&b, "Исполнитель", rel.Nick)
	writeField(&b, "ФИО", rel.FIO)
	writeField(&b, "Дата релиза", rel.Date)
	writeField(&b, "Версия", rel.Version)
	writeField(&b, "Жанр", rel.Genre)
	writeField(&b, "Текст песни", rel.HasLyrics)
	writeField(&b, "Ссылка на материал", rel.Link)
	writeField(&b, "Яндекс.Музыка", rel.Yandex)
	writeField(&b, "Ненормативная лексика", rel.Mat)
	writeField(&b, "Промо", rel.Promo)
	writeField(&b, "Комментарий", rel.Comment)
	if rel.IsAlbum() {
		writeField(&b, "Треклист", rel.Tracklist)
	}
	writeField(&b, "Telegram", rel.TG)

	b.WriteString("\n")
	fmt.Fprintf(&b, "Отправлено: %s\n", rel.SubmissionTime)
	fmt.Fprintf(&b, "Статус: %s", statusLabel(rel.Status))

	if rel.UPC != "" {
		fmt.Fprintf(&b, "\nUPC: %s", rel.UPC)
	}
	if rel.Status == status.Rejected && rel.RejectReason != "" {
		fmt.Fprintf(&b, "\nПричина: %s", rel.RejectReason)
	}
	if rel.Status == status.NeedsFix && rel.ModeratorComment != "" {
		fmt.Fprintf(&b, "\nКомментарий: %s", rel.ModeratorComment)
	}
	if rel.ModeratorName != "" {
		fmt.Fprintf(&b, "\nМодератор: %s", rel.ModeratorName)
	}
	return b.String()
}

// Keyboard собирает инлайн-клавиатуру карточки модерации.
func Keyboard(ownerID string, idx int) *gateway.InlineKeyboardMarkup {
	btn := func(text, verb string) gateway.InlineKeyboardButton {
		return gateway.InlineKeyboardButton{
			Text:         text,
			CallbackData: gateway.EncodeCallback(verb, ownerID, idx),
		}
	}
	return &gateway.InlineKeyboardMarkup{
		InlineKeyboard: [][]gateway.InlineKeyboardButton{
			{
				btn("✅ Одобрить", gateway.VerbApprove),
				btn("❌ Отклонить", gateway.VerbReject),
			},
			{
				btn("✏️ Нужны правки", gateway.VerbNeedsFix),
				btn("👀 В модерацию", gateway.VerbModeration),
			},
			{
				btn("📤 На загрузку", gateway.VerbUpload),
				btn("🚀 Опубликован", gateway.VerbPublish),
			},
			{
				btn("🏷 UPC", gateway.VerbUPC),
				btn("🗑 Удалить", gateway.VerbDelete),
			},
		},
	}
}

// SubmitterNotice собирает уведомление владельцу о новом статусе.
func SubmitterNotice(rel *model.Release) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Статус вашего релиза «%s» изменён: %s", rel.Name, statusLabel(rel.Status))

	switch rel.Status {
	case status.Rejected:
		if rel.RejectReason != "" {
			fmt.Fprintf(&b, "\nПричина: %s", rel.RejectReason)
		}
	case status.NeedsFix:
		if rel.ModeratorComment != "" {
			fmt.Fprintf(&b, "\nКомментарий модератора: %s", rel.ModeratorComment)
		}
	case status.Published:
		if rel.LinkPublished != "" {
			fmt.Fprintf(&b, "\nСсылка: %s", rel.LinkPublished)
		}
	}
	if rel.UPC != "" {
		fmt.Fprintf(&b, "\nUPC: %s", rel.UPC)
	}
	return b.String()
}

// SubmitAccepted — подтверждение приёма заявки отправителю.
func SubmitAccepted(rel *model.Release) string {
	return fmt.Sprintf(
		"✅ Заявка на релиз «%s» принята и отправлена на модерацию.\nДата релиза: %s",
		rel.Name, rel.Date,
	)
}

// SubmitFailed — сообщение об отказе приёма со списком нарушений.
func SubmitFailed(violations []string) string {
	var b strings.Builder
	b.WriteString("❌ Заявка не принята:\n")
	for _, v := range violations {
		b.WriteString("• ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ownerListLimit — количество последних релизов в представлении /my.
const ownerListLimit = 10

// OwnerList собирает представление «мои релизы»: счётчик и последние
// заявки, начиная с самой свежей.
func OwnerList(releases []*model.Release) string {
	if len(releases) == 0 {
		return "У вас пока нет заявок на релизы."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Ваши релизы (всего %d):\n\n", len(releases))

	start := 0
	if len(releases) > ownerListLimit {
		start = len(releases) - ownerListLimit
	}
	for i := len(releases) - 1; i >= start; i-- {
		rel := releases[i]
		fmt.Fprintf(&b, "%d. «%s» — %s (%s)\n", i+1, rel.Name, statusLabel(rel.Status), rel.Date)
		if rel.Status == status.Rejected && rel.RejectReason != "" {
			fmt.Fprintf(&b, "   Причина: %s\n", rel.RejectReason)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// statusLabel возвращает человекочитаемую метку статуса.
func statusLabel(s status.Status) string {
	if label, ok := status.Text[s]; ok {
		return label
	}
	return string(s)
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" || value == emptyField {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}
