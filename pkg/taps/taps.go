// Package taps содержит политики media bug'ов: запись, подмешивание файла,
// прослушивание, предобработку звука, детекторы тонов и DTMF, управление
// громкостью, мета-клавиши и мост распознавания речи.
//
// Каждая политика хранит свое состояние в приватном слоте канала под
// собственным ключом; повторное подключение с тем же ключом обрабатывается
// вызывающей функцией, а не цепочкой.
package taps

import (
	"log/slog"
	"time"

	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/session"
)

// Ключи приватных слотов канала
const (
	slotRecordPrefix   = "__record_"
	slotDisplacePrefix = "__displace_"
	slotEavesdrop      = "__eavesdrop"
	slotPreprocess     = "__preprocess"
	slotToneDetect     = "__tone_detect"
	slotInbandDetect   = "__inband_dtmf"
	slotInbandGenerate = "__inband_dtmf_generate"
	slotSessionAudio   = "__session_audio"
	slotMetaBinder     = "__meta_binder"
	slotSpeech         = "__speech"
)

func tapLogger(s *session.Session, tap string) *slog.Logger {
	return s.Logger().With(slog.String("tap", tap))
}

// expiresAfter переводит лимит в срок жизни bug'а; ноль означает без срока
func expiresAfter(limit time.Duration) time.Time {
	if limit <= 0 {
		return time.Time{}
	}
	return time.Now().Add(limit)
}

// emit отправляет событие в глобальную шину, а без шины ставит в очередь сессии
func emit(s *session.Session, ev *event.Event) {
	if s.Bus() != nil {
		_ = s.FireEvent(ev)
		return
	}
	_ = s.QueueEvent(ev)
}
