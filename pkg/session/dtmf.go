package session

import (
	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/pion/rtp"
)

// Direction направление DTMF события относительно сессии
type Direction int

const (
	// DirectionRecv цифра получена от удаленной стороны
	DirectionRecv Direction = iota
	// DirectionSend цифра отправляется удаленной стороне
	DirectionSend
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "recv"
}

// DTMFHook перехватчик DTMF. Возврат false поглощает событие:
// оно не ставится в очередь (recv) или не отправляется (send).
type DTMFHook func(s *Session, ev dtmf.Event, dir Direction) bool

type namedHook struct {
	name string
	hook DTMFHook
}

// AddDTMFHook регистрирует именованный перехватчик. Повторная регистрация
// с тем же именем заменяет перехватчик на месте.
func (s *Session) AddDTMFHook(dir Direction, name string, hook DTMFHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	list := &s.recvHooks
	if dir == DirectionSend {
		list = &s.sendHooks
	}
	for i := range *list {
		if (*list)[i].name == name {
			(*list)[i].hook = hook
			return
		}
	}
	*list = append(*list, namedHook{name: name, hook: hook})
}

// RemoveDTMFHook удаляет перехватчик
func (s *Session) RemoveDTMFHook(dir Direction, name string) bool {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	list := &s.recvHooks
	if dir == DirectionSend {
		list = &s.sendHooks
	}
	for i := range *list {
		if (*list)[i].name == name {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) runHooks(dir Direction, ev dtmf.Event) bool {
	s.hooksMu.RLock()
	src := s.recvHooks
	if dir == DirectionSend {
		src = s.sendHooks
	}
	hooks := make([]namedHook, len(src))
	copy(hooks, src)
	s.hooksMu.RUnlock()

	for _, h := range hooks {
		if !h.hook(s, ev, dir) {
			return false
		}
	}
	return true
}

// QueueDTMF передает полученную цифру перехватчикам и ставит ее в очередь канала
func (s *Session) QueueDTMF(ev dtmf.Event) error {
	if !dtmf.IsValid(ev.Digit) {
		return core.Errorf(core.ErrorCodeInvalidArgument, "недопустимый DTMF символ: %c", ev.Digit)
	}
	ev.Digit = dtmf.Normalize(ev.Digit)
	if ev.Duration <= 0 {
		ev.Duration = dtmf.DefaultDuration
	}

	if !s.runHooks(DirectionRecv, ev) {
		return nil
	}

	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	if len(s.dtmfQueue) >= s.dtmfLimit {
		return core.NewError(core.ErrorCodeResourceExhausted, s.id, "очередь DTMF заполнена")
	}
	s.dtmfQueue = append(s.dtmfQueue, ev)
	return nil
}

// QueueDTMFString ставит в очередь строку цифр
func (s *Session) QueueDTMFString(digits string) error {
	events, err := dtmf.ParseString(digits)
	if err != nil {
		return core.WrapError(core.ErrorCodeInvalidArgument, s.id, "некорректная строка DTMF", err)
	}
	for _, ev := range events {
		if err := s.QueueDTMF(ev); err != nil {
			return err
		}
	}
	return nil
}

// DequeueDTMF извлекает цифру из очереди канала
func (s *Session) DequeueDTMF() (dtmf.Event, bool) {
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	if len(s.dtmfQueue) == 0 {
		return dtmf.Event{}, false
	}
	ev := s.dtmfQueue[0]
	s.dtmfQueue = s.dtmfQueue[1:]
	return ev, true
}

// HasDTMF сообщает, что в очереди есть цифры
func (s *Session) HasDTMF() bool {
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	return len(s.dtmfQueue) > 0
}

// FlushDTMF очищает очередь цифр
func (s *Session) FlushDTMF() int {
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()
	n := len(s.dtmfQueue)
	s.dtmfQueue = nil
	return n
}

// SendDTMF отправляет цифру удаленной стороне. Перехватчики отправки могут
// поглотить событие (например, для генерации тонального набора в аудио);
// иначе цифра уходит событиями RFC 4733, если граница умеет писать RTP.
func (s *Session) SendDTMF(ev dtmf.Event) error {
	if !dtmf.IsValid(ev.Digit) {
		return core.Errorf(core.ErrorCodeInvalidArgument, "недопустимый DTMF символ: %c", ev.Digit)
	}
	ev.Digit = dtmf.Normalize(ev.Digit)
	if ev.Duration <= 0 {
		ev.Duration = dtmf.DefaultDuration
	}

	if !s.runHooks(DirectionSend, ev) {
		return nil
	}
	return s.sendRFC4733(ev)
}

// SendDTMFString отправляет строку цифр
func (s *Session) SendDTMFString(digits string) error {
	events, err := dtmf.ParseString(digits)
	if err != nil {
		return core.WrapError(core.ErrorCodeInvalidArgument, s.id, "некорректная строка DTMF", err)
	}
	for _, ev := range events {
		if err := s.SendDTMF(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendRFC4733(ev dtmf.Event) error {
	w, ok := s.endpoint.(RTPWriter)
	if !ok {
		return core.NewError(core.ErrorCodeNotReady, s.id, "endpoint не поддерживает отправку RTP")
	}
	ts := s.rtpTS.Add(uint32(ev.Duration.Seconds() * dtmf.ClockRate))
	packets, err := s.encoder.Packets(ev, ts)
	if err != nil {
		return core.WrapError(core.ErrorCodeInvalidArgument, s.id, "ошибка формирования DTMF", err)
	}
	for _, p := range packets {
		if err := w.WriteRTP(p); err != nil {
			return core.WrapError(core.ErrorCodeIOFailure, s.id, "ошибка отправки DTMF", err)
		}
	}
	return nil
}

// IngestRTP разбирает входящий пакет telephone-event и ставит цифру в очередь.
// Возвращает false для пакетов другого payload type.
func (s *Session) IngestRTP(pkt *rtp.Packet) (bool, error) {
	ev, ok, handled, err := s.decoder.Decode(pkt)
	if err != nil {
		return handled, core.WrapError(core.ErrorCodeInvalidArgument, s.id, "некорректный DTMF пакет", err)
	}
	if ok {
		if err := s.QueueDTMF(ev); err != nil {
			return true, err
		}
	}
	return handled, nil
}
