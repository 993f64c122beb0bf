package mediabug

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/looplab/fsm"
)

// Состояния жизненного цикла bug'а
const (
	StateAttached = "attached"
	StateActive   = "active"
	StateClosing  = "closing"
	StateFreed    = "freed"
)

const (
	// maxStreamFrames предел потокового буфера одного направления (1 секунда при 20ms)
	maxStreamFrames = 50
	// streamLag сколько кадров одного направления ждем парный кадр другого
	streamLag = 2
)

// streamQueue ограниченная очередь копий кадров одного направления
type streamQueue struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (q *streamQueue) push(f *frame.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= maxStreamFrames {
		q.frames = q.frames[1:]
	}
	q.frames = append(q.frames, f)
}

func (q *streamQueue) pop() *frame.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f
}

func (q *streamQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *streamQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
}

// Bug перехватчик, подключенный ровно к одной сессии
type Bug struct {
	name     string
	target   string
	flags    Flag
	behavior Behavior
	chain    *Chain

	expiresMu sync.RWMutex
	expires   time.Time

	// state определяет, доставляются ли события; меняется только под cbMu
	state *fsm.FSM

	// cbMu сериализует обработчики одного bug'а
	cbMu       sync.Mutex
	inCallback atomic.Bool
	pending    atomic.Bool

	// replace кадр, доступный внутри событий *_REPLACE
	replace *frame.Frame

	readQ  streamQueue
	writeQ streamQueue

	attachedAt time.Time
}

func newBug(c *Chain, name, target string, beh Behavior, expires time.Time, flags Flag) *Bug {
	b := &Bug{
		name:       name,
		target:     target,
		flags:      flags,
		behavior:   beh,
		chain:      c,
		expires:    expires,
		attachedAt: time.Now(),
	}
	b.state = fsm.NewFSM(
		StateAttached,
		fsm.Events{
			{Name: "activate", Src: []string{StateAttached}, Dst: StateActive},
			{Name: "close", Src: []string{StateAttached, StateActive}, Dst: StateClosing},
			{Name: "free", Src: []string{StateClosing}, Dst: StateFreed},
		},
		fsm.Callbacks{},
	)
	return b
}

// Name возвращает имя bug'а
func (b *Bug) Name() string { return b.name }

// Target возвращает описание цели (путь файла, идентификатор сессии и т.п.)
func (b *Bug) Target() string { return b.target }

// Flags возвращает флаги bug'а
func (b *Bug) Flags() Flag { return b.flags }

// Has проверяет флаг
func (b *Bug) Has(f Flag) bool { return b.flags.Has(f) }

// Behavior возвращает подключенную политику
func (b *Bug) Behavior() Behavior { return b.behavior }

// Owner возвращает сессию-владельца
func (b *Bug) Owner() Owner { return b.chain.owner }

// AttachedAt возвращает время подключения
func (b *Bug) AttachedAt() time.Time { return b.attachedAt }

// State возвращает текущее состояние жизненного цикла
func (b *Bug) State() string { return b.state.Current() }

// Closed сообщает, что CLOSE уже доставлен или доставляется
func (b *Bug) Closed() bool {
	switch b.state.Current() {
	case StateClosing, StateFreed:
		return true
	}
	return false
}

// Expires возвращает срок жизни, нулевое значение означает бессрочный bug
func (b *Bug) Expires() time.Time {
	b.expiresMu.RLock()
	defer b.expiresMu.RUnlock()
	return b.expires
}

// SetExpires меняет срок жизни
func (b *Bug) SetExpires(t time.Time) {
	b.expiresMu.Lock()
	defer b.expiresMu.Unlock()
	b.expires = t
}

func (b *Bug) expired(now time.Time) bool {
	exp := b.Expires()
	return !exp.IsZero() && !now.Before(exp)
}

// ReplaceFrame возвращает изменяемый кадр внутри OnReadReplace/OnWriteReplace.
// Вне этих событий возвращает nil.
func (b *Bug) ReplaceFrame() *frame.Frame {
	return b.replace
}

// SetReplaceFrame подменяет кадр целиком. Следующие bug'и цепочки видят новый кадр.
func (b *Bug) SetReplaceFrame(f *frame.Frame) {
	if f != nil {
		b.replace = f
	}
}

// ReadStream извлекает очередной кадр из потоковых буферов.
// Для bug'а с FlagReadStream и FlagWriteStream кадры направлений сводятся
// в моно (или в стерео при FlagStereo). Если одно направление молчит дольше
// streamLag кадров, вместо него подставляется тишина.
func (b *Bug) ReadStream() (*frame.Frame, bool) {
	return b.readStream(false)
}

// DrainStream как ReadStream, но не ждет парного кадра. Используется при закрытии.
func (b *Bug) DrainStream() (*frame.Frame, bool) {
	return b.readStream(true)
}

// StreamInUse возвращает число буферизованных кадров чтения и записи
func (b *Bug) StreamInUse() (read, write int) {
	return b.readQ.len(), b.writeQ.len()
}

// ResetStream очищает потоковые буферы
func (b *Bug) ResetStream() {
	b.readQ.reset()
	b.writeQ.reset()
}

func (b *Bug) readStream(force bool) (*frame.Frame, bool) {
	hasRead := b.Has(FlagReadStream)
	hasWrite := b.Has(FlagWriteStream)

	switch {
	case hasRead && !hasWrite:
		f := b.readQ.pop()
		return f, f != nil
	case hasWrite && !hasRead:
		f := b.writeQ.pop()
		return f, f != nil
	case !hasRead && !hasWrite:
		return nil, false
	}

	rn, wn := b.readQ.len(), b.writeQ.len()
	if rn == 0 && wn == 0 {
		return nil, false
	}
	if (rn == 0 || wn == 0) && !force && rn <= streamLag && wn <= streamLag {
		return nil, false
	}

	var r, w *frame.Frame
	if rn > 0 {
		r = b.readQ.pop()
	}
	if wn > 0 {
		w = b.writeQ.pop()
	}
	if r == nil {
		r = &frame.Frame{Samples: make([]int16, len(w.Samples)), Rate: w.Rate, Channels: w.Channels, Header: w.Header}
	}
	if w == nil {
		w = &frame.Frame{Samples: make([]int16, len(r.Samples)), Rate: r.Rate, Channels: r.Channels}
	}

	if b.Has(FlagStereo) {
		return &frame.Frame{
			Samples:  frame.Interleave(r.Samples, w.Samples),
			Rate:     r.Rate,
			Channels: 2,
			Header:   r.Header,
		}, true
	}

	out := r
	if len(w.Samples) > len(out.Samples) {
		grown := make([]int16, len(w.Samples))
		copy(grown, out.Samples)
		out.Samples = grown
	}
	frame.Mix(out.Samples, w.Samples)
	return out, true
}

// invoke вызывает обработчик под мьютексом bug'а.
// Возвращает false, если bug должен быть удален.
func (b *Bug) invoke(ev EventType) bool {
	b.cbMu.Lock()
	if !b.enter(ev) {
		b.cbMu.Unlock()
		return false
	}

	b.inCallback.Store(true)
	var ok bool
	switch ev {
	case EventInit:
		ok = b.behavior.OnInit(b)
	case EventRead:
		ok = b.behavior.OnRead(b)
	case EventWrite:
		ok = b.behavior.OnWrite(b)
	case EventReadReplace:
		ok = b.behavior.OnReadReplace(b)
	case EventWriteReplace:
		ok = b.behavior.OnWriteReplace(b)
	case EventReadPing:
		ok = b.behavior.OnReadPing(b)
	default:
		ok = true
	}
	b.inCallback.Store(false)
	b.cbMu.Unlock()

	return ok && !b.pending.Load()
}

// enter проверяет по состоянию, можно ли доставить событие.
// INIT доставляется только в attached, первое событие кадра активирует bug.
// Вызывается под cbMu.
func (b *Bug) enter(ev EventType) bool {
	cur := b.state.Current()
	if ev == EventInit {
		return cur == StateAttached
	}
	if cur == StateAttached {
		return b.state.Event(context.Background(), "activate") == nil
	}
	return cur == StateActive
}

// close доставляет CLOSE ровно один раз и переводит bug в freed.
// Возвращает false, если bug уже закрыт.
func (b *Bug) close() (bool, error) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()

	if !b.state.Can("close") {
		return false, nil
	}
	if err := b.state.Event(context.Background(), "close"); err != nil {
		return false, core.WrapError(core.ErrorCodeGeneric, b.chain.ownerID(), "ошибка перехода в closing", err).
			WithContext("bug", b.name)
	}
	b.replace = nil
	b.behavior.OnClose(b)
	b.ResetStream()
	if err := b.state.Event(context.Background(), "free"); err != nil {
		return true, core.WrapError(core.ErrorCodeGeneric, b.chain.ownerID(), "ошибка перехода в freed", err).
			WithContext("bug", b.name)
	}
	return true, nil
}
