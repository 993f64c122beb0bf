package taps

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/session"
)

// MetaFlag параметры привязки мета-клавиши
type MetaFlag uint32

const (
	// MetaListenRecv слушать цифры, полученные сессией
	MetaListenRecv MetaFlag = 1 << iota
	// MetaListenSend слушать цифры, отправляемые сессией
	MetaListenSend
	// MetaExecALeg исполнить на сессии
	MetaExecALeg
	// MetaExecBLeg исполнить на соединенной сессии
	MetaExecBLeg
	// MetaExecSame исполнить на плече, с которого пришла цифра
	MetaExecSame
	// MetaExecOpposite исполнить на противоположном плече
	MetaExecOpposite
	// MetaExecInline исполнить в горутине доставки цифры
	MetaExecInline
	// MetaOnce снять привязку после срабатывания
	MetaOnce
)

const (
	// MaxMetaBindings размер таблицы привязок одного направления: 0-9 и A-D
	MaxMetaBindings = 14
	// MetaTimeout время ожидания цифры после мета-клавиши
	MetaTimeout = 5 * time.Second
	// VarBindMetaKey переменная канала с мета-клавишей
	VarBindMetaKey = "bind_meta_key"

	// DefaultMetaKey мета-клавиша по умолчанию
	DefaultMetaKey = '*'

	metaHookName = "meta_binder"
)

// metaIndex возвращает позицию цифры в таблице привязок
func metaIndex(d byte) (int, bool) {
	switch {
	case d >= '0' && d <= '9':
		return int(d - '0'), true
	case d >= 'A' && d <= 'D':
		return 10 + int(d-'A'), true
	}
	return 0, false
}

type metaBinding struct {
	key   byte
	flags MetaFlag
	app   string
}

// metaBinder двухшаговый набор: мета-клавиша, затем цифра привязки
type metaBinder struct {
	s       *session.Session
	mu      sync.Mutex
	metaKey byte
	recv    [MaxMetaBindings]*metaBinding
	send    [MaxMetaBindings]*metaBinding
	armed   [2]time.Time // время мета-клавиши по направлениям
	now     func() time.Time
	logger  *slog.Logger
}

func (m *metaBinder) table(dir session.Direction) *[MaxMetaBindings]*metaBinding {
	if dir == session.DirectionSend {
		return &m.send
	}
	return &m.recv
}

func (m *metaBinder) empty() bool {
	for i := 0; i < MaxMetaBindings; i++ {
		if m.recv[i] != nil || m.send[i] != nil {
			return false
		}
	}
	return true
}

func (m *metaBinder) hook(s *session.Session, ev dtmf.Event, dir session.Direction) bool {
	if s.Channel().TestFlag(session.FlagInnerBridge) {
		return true
	}

	m.mu.Lock()
	now := m.now()
	armedAt := m.armed[dir]
	if armedAt.IsZero() || now.Sub(armedAt) > MetaTimeout {
		m.armed[dir] = time.Time{}
		if ev.Digit == m.metaKey {
			m.armed[dir] = now
			m.mu.Unlock()
			return false
		}
		m.mu.Unlock()
		return true
	}

	m.armed[dir] = time.Time{}
	idx, ok := metaIndex(ev.Digit)
	var b *metaBinding
	if ok {
		b = m.table(dir)[idx]
		if b != nil && b.flags&MetaOnce != 0 {
			m.table(dir)[idx] = nil
		}
	}
	m.mu.Unlock()

	if b == nil {
		m.logger.Debug("meta digit without binding", slog.String("digit", string(ev.Digit)))
		return true
	}
	m.dispatch(b, dir)
	return false
}

// dispatch исполняет приложение привязки на выбранных плечах
func (m *metaBinder) dispatch(b *metaBinding, dir session.Direction) {
	var flags session.BroadcastFlag
	if b.flags&MetaExecALeg != 0 {
		flags |= session.BroadcastEchoALeg
	}
	if b.flags&MetaExecBLeg != 0 {
		flags |= session.BroadcastEchoBLeg
	}
	if b.flags&MetaExecSame != 0 {
		if dir == session.DirectionRecv {
			flags |= session.BroadcastEchoALeg
		} else {
			flags |= session.BroadcastEchoBLeg
		}
	}
	if b.flags&MetaExecOpposite != 0 {
		if dir == session.DirectionRecv {
			flags |= session.BroadcastEchoBLeg
		} else {
			flags |= session.BroadcastEchoALeg
		}
	}

	m.logger.Debug("meta binding fired",
		slog.String("digit", string(b.key)),
		slog.String("app", b.app))

	run := func() {
		if err := m.s.Broadcast(context.Background(), b.app, flags); err != nil {
			m.logger.Warn("meta binding failed", slog.String("app", b.app), slog.String("error", err.Error()))
		}
	}
	if b.flags&MetaExecInline != 0 {
		run()
		return
	}
	go run()
}

// BindMetaApp привязывает приложение к цифре после мета-клавиши.
// Приложение задается строкой broadcast ("app::arg" или путь файла).
func BindMetaApp(s *session.Session, key byte, flags MetaFlag, app string) error {
	key = dtmf.Normalize(key)
	idx, ok := metaIndex(key)
	if !ok {
		return core.Errorf(core.ErrorCodeInvalidArgument, "недопустимая цифра привязки: %c", key)
	}
	if app == "" {
		return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "не задано приложение привязки")
	}
	if flags&(MetaListenRecv|MetaListenSend) == 0 {
		flags |= MetaListenRecv
	}

	ch := s.Channel()
	m, ok := session.PrivateAs[*metaBinder](ch, slotMetaBinder)
	if !ok {
		metaKey := byte(DefaultMetaKey)
		if v := ch.GetVariable(VarBindMetaKey); len(v) == 1 && dtmf.IsValid(v[0]) {
			metaKey = dtmf.Normalize(v[0])
		}
		if metaKey == key {
			return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "цифра привязки совпадает с мета-клавишей")
		}
		m = &metaBinder{s: s, metaKey: metaKey, now: time.Now, logger: tapLogger(s, "meta_binder")}
		ch.SetPrivate(slotMetaBinder, m)
		s.AddDTMFHook(session.DirectionRecv, metaHookName, m.hook)
		s.AddDTMFHook(session.DirectionSend, metaHookName, m.hook)
	}

	b := &metaBinding{key: key, flags: flags, app: app}
	m.mu.Lock()
	if flags&MetaListenRecv != 0 {
		m.recv[idx] = b
	}
	if flags&MetaListenSend != 0 {
		m.send[idx] = b
	}
	m.mu.Unlock()
	return nil
}

// UnbindMetaApp снимает привязку цифры; key 0 снимает все привязки
func UnbindMetaApp(s *session.Session, key byte) error {
	ch := s.Channel()
	m, ok := session.PrivateAs[*metaBinder](ch, slotMetaBinder)
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "привязки не заданы")
	}

	m.mu.Lock()
	if key == 0 {
		m.recv = [MaxMetaBindings]*metaBinding{}
		m.send = [MaxMetaBindings]*metaBinding{}
	} else if idx, ok := metaIndex(dtmf.Normalize(key)); ok {
		m.recv[idx] = nil
		m.send[idx] = nil
	}
	empty := m.empty()
	m.mu.Unlock()

	if empty {
		s.RemoveDTMFHook(session.DirectionRecv, metaHookName)
		s.RemoveDTMFHook(session.DirectionSend, metaHookName)
		ch.DeletePrivate(slotMetaBinder, m)
	}
	return nil
}
