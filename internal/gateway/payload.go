package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

// Verbs callback-полезной нагрузки кнопок модерации.
// Каждый verb, кроме upc, отображается в целевой статус; upc запускает
// ожидание UPC-кода.
const (
	VerbUpload     = "upload"
	VerbModeration = "moderation"
	VerbApprove    = "approve"
	VerbReject     = "reject"
	VerbNeedsFix   = "needs_fix"
	VerbPublish    = "publish"
	VerbDelete     = "delete"
	VerbUPC        = "upc"
)

// knownVerbs перечислены в порядке убывания длины: verb может содержать
// подчёркивание, поэтому декодер подбирает самый длинный префикс.
var knownVerbs = []string{
	VerbModeration,
	VerbNeedsFix,
	VerbApprove,
	VerbPublish,
	VerbReject,
	VerbDelete,
	VerbUpload,
	VerbUPC,
}

const payloadPrefix = "m_"

// CallbackPayload — декодированная нагрузка кнопки модерации.
type CallbackPayload struct {
	Verb    string
	OwnerID string
	Index   int
}

// EncodeCallback собирает нагрузку кнопки: m_<verb>_<owner>_<index>.
func EncodeCallback(verb, ownerID string, index int) string {
	return payloadPrefix + verb + "_" + ownerID + "_" + strconv.Itoa(index)
}

// DecodeCallback разбирает нагрузку кнопки модерации.
// Неизвестный или искажённый формат — ошибка: нагрузка приходит из
// внешнего мира и не заслуживает доверия.
func DecodeCallback(data string) (CallbackPayload, error) {
	if !strings.HasPrefix(data, payloadPrefix) {
		return CallbackPayload{}, fmt.Errorf("неизвестный формат нагрузки: %q", data)
	}
	rest := data[len(payloadPrefix):]

	for _, verb := range knownVerbs {
		if !strings.HasPrefix(rest, verb+"_") {
			continue
		}
		tail := rest[len(verb)+1:]

		sep := strings.LastIndexByte(tail, '_')
		if sep <= 0 || sep == len(tail)-1 {
			return CallbackPayload{}, fmt.Errorf("искажённая нагрузка: %q", data)
		}
		ownerID := tail[:sep]
		idx, err := strconv.Atoi(tail[sep+1:])
		if err != nil || idx < 0 {
			return CallbackPayload{}, fmt.Errorf("искажённый индекс в нагрузке: %q", data)
		}
		return CallbackPayload{Verb: verb, OwnerID: ownerID, Index: idx}, nil
	}
	return CallbackPayload{}, fmt.Errorf("неизвестный verb в нагрузке: %q", data)
}
