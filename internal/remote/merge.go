package remote

import (
	"strings"

	"github.com/arturkryukov/cxrner/release-module/internal/domain/model"
)

// MergeOwners вливает удалённый снимок в локальный, по владельцу.
// Мутирует local на месте и возвращает true, если local изменился.
//
// Записи сопоставляются каскадом ключей, от сильного к слабому:
//  1. form_id;
//  2. ссылка на сообщение-карточку модерации;
//  3. время отправки заявки;
//  4. составной ключ содержимого (название, исполнитель, дата,
//     ссылка, время отправки) без учёта регистра.
//
// Для сопоставленной пары побеждает более свежая сторона: свежесть —
// время модерации, при его отсутствии время отправки; нечитаемая
// метка считается нулевой. При равной свежести побеждает локальная
// запись. Несопоставленные удалённые записи добавляются в конец
// списка владельца.
func MergeOwners(local, remote map[string][]*model.Release) bool {
	changed := false
	for ownerID, remoteList := range remote {
		if mergeOwner(local, ownerID, remoteList) {
			changed = true
		}
	}
	return changed
}

func mergeOwner(local map[string][]*model.Release, ownerID string, remoteList []*model.Release) bool {
	localList := local[ownerID]
	changed := false

	for _, rem := range remoteList {
		idx := matchRecord(localList, rem)
		if idx < 0 {
			cp := *rem
			localList = append(localList, &cp)
			changed = true
			continue
		}

		loc := localList[idx]
		remScore := rem.FreshnessScore()
		locScore := loc.FreshnessScore()
		// Равенство — ничья, локальная запись сохраняется
		if remScore.After(locScore) {
			cp := *rem
			// Локальная ссылка на карточку надёжнее удалённой:
			// карточка живёт в чате этого экземпляра
			if loc.ModerationMessageRef != 0 {
				cp.ModerationMessageRef = loc.ModerationMessageRef
				cp.ModerationCardText = loc.ModerationCardText
			}
			localList[idx] = &cp
			changed = true
		}
	}

	if changed {
		local[ownerID] = localList
	}
	return changed
}

// matchRecord ищет в списке запись, соответствующую rem.
// Возвращает индекс или -1.
func matchRecord(list []*model.Release, rem *model.Release) int {
	if rem.FormID != "" {
		for i, loc := range list {
			if loc.FormID == rem.FormID {
				return i
			}
		}
	}
	if rem.ModerationMessageRef != 0 {
		for i, loc := range list {
			if loc.ModerationMessageRef == rem.ModerationMessageRef {
				return i
			}
		}
	}
	if rem.SubmissionTime != "" {
		for i, loc := range list {
			if loc.SubmissionTime == rem.SubmissionTime {
				return i
			}
		}
	}
	key := compositeKey(rem)
	for i, loc := range list {
		if compositeKey(loc) == key {
			return i
		}
	}
	return -1
}

// compositeKey — ключ сопоставления по содержимому записи.
func compositeKey(r *model.Release) string {
	return strings.ToLower(strings.Join([]string{
		r.Name, r.Nick, r.Date, r.Link, r.SubmissionTime,
	}, "|"))
}
