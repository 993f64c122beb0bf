package mediabug

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
)

// Chain упорядоченная цепочка bug'ов одной сессии.
// ProcessRead/ProcessWrite вызываются из медиа горутины сессии; Attach и Detach
// безопасны из любой горутины, в том числе из обработчиков самих bug'ов.
type Chain struct {
	owner   Owner
	metrics *core.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	bugs   []*Bug
	paused atomic.Bool

	// now подменяется в тестах
	now func() time.Time
}

// NewChain создает пустую цепочку для сессии owner
func NewChain(owner Owner, metrics *core.Metrics) *Chain {
	id := ""
	if owner != nil {
		id = owner.ID()
	}
	return &Chain{
		owner:   owner,
		metrics: metrics,
		logger: slog.Default().With(
			slog.String("component", "media_bug_chain"),
			slog.String("session_id", id),
		),
		now: time.Now,
	}
}

func (c *Chain) ownerID() string {
	if c.owner == nil {
		return ""
	}
	return c.owner.ID()
}

// Attach подключает bug в конец цепочки. OnInit вызывается синхронно до
// возврата; если OnInit вернул false, bug получает CLOSE и не подключается.
func (c *Chain) Attach(name, target string, beh Behavior, expires time.Time, flags Flag) (*Bug, error) {
	if name == "" {
		return nil, core.NewError(core.ErrorCodeInvalidArgument, c.ownerID(), "пустое имя media bug")
	}
	if beh == nil {
		return nil, core.NewError(core.ErrorCodeInvalidArgument, c.ownerID(), "не задана политика media bug")
	}

	b := newBug(c, name, target, beh, expires, flags)

	if !b.invoke(EventInit) {
		if _, err := b.close(); err != nil {
			c.logger.Warn("media bug close failed", slog.String("bug", name), slog.String("error", err.Error()))
		}
		c.logger.Debug("media bug init rejected", slog.String("bug", name))
		return nil, core.NewError(core.ErrorCodeGeneric, c.ownerID(), "media bug отклонил инициализацию").
			WithContext("bug", name)
	}

	c.mu.Lock()
	c.bugs = append(c.bugs, b)
	c.mu.Unlock()

	c.metrics.BugAttached(name)
	c.logger.Debug("media bug attached",
		slog.String("bug", name),
		slog.String("target", target))
	return b, nil
}

// Detach удаляет bug. CLOSE доставляется ровно один раз.
// Для bug'а с FlagThreadLock, а также при вызове из обработчика этого же bug'а,
// удаление откладывается до ближайшей доставки кадра.
func (c *Chain) Detach(b *Bug) error {
	if b == nil || b.Closed() {
		return nil
	}
	if b.chain != c {
		return core.NewError(core.ErrorCodeNotFound, c.ownerID(), "media bug принадлежит другой сессии")
	}

	if b.Has(FlagThreadLock) || b.inCallback.Load() {
		b.pending.Store(true)
		return nil
	}

	c.closeBug(b)
	return nil
}

// ProcessRead прогоняет прочитанный кадр через цепочку и возвращает
// итоговый кадр, возможно замененный bug'ами с FlagReadReplace.
func (c *Chain) ProcessRead(f *frame.Frame) *frame.Frame {
	if f == nil {
		return nil
	}
	now := c.now()
	for _, b := range c.snapshot() {
		if !c.deliverable(b, now) {
			continue
		}

		ok := true
		if b.Has(FlagReadStream) {
			b.readQ.push(f.Clone())
			ok = b.invoke(EventRead)
		}
		if ok && b.Has(FlagReadReplace) {
			f, ok = c.replace(b, f, EventReadReplace)
		}
		if ok && b.Has(FlagReadPing) {
			ok = b.invoke(EventReadPing)
		}
		if !ok {
			c.closeBug(b)
		}
	}
	return f
}

// ProcessWrite прогоняет записываемый кадр через цепочку
func (c *Chain) ProcessWrite(f *frame.Frame) *frame.Frame {
	if f == nil {
		return nil
	}
	now := c.now()
	for _, b := range c.snapshot() {
		if !c.deliverable(b, now) {
			continue
		}

		ok := true
		if b.Has(FlagWriteStream) {
			b.writeQ.push(f.Clone())
			ok = b.invoke(EventWrite)
		}
		if ok && b.Has(FlagWriteReplace) {
			f, ok = c.replace(b, f, EventWriteReplace)
		}
		if !ok {
			c.closeBug(b)
		}
	}
	return f
}

// Ping доставляет READ_PING без кадра, когда чтение не вернуло данных
func (c *Chain) Ping() {
	now := c.now()
	for _, b := range c.snapshot() {
		if !b.Has(FlagReadPing) || !c.deliverable(b, now) {
			continue
		}
		if !b.invoke(EventReadPing) {
			c.closeBug(b)
		}
	}
}

// Prune закрывает bug'и с истекшим сроком и отложенным удалением
func (c *Chain) Prune() int {
	now := c.now()
	n := 0
	for _, b := range c.snapshot() {
		if b.pending.Load() || b.expired(now) {
			if c.closeBug(b) {
				n++
			}
		}
	}
	return n
}

// SetPaused приостанавливает доставку кадров (удержание).
// Bug'и с FlagNoPause продолжают получать кадры.
func (c *Chain) SetPaused(paused bool) {
	c.paused.Store(paused)
}

// Paused сообщает, приостановлена ли цепочка
func (c *Chain) Paused() bool {
	return c.paused.Load()
}

// CloseAll закрывает все bug'и в порядке подключения
func (c *Chain) CloseAll() {
	for _, b := range c.snapshot() {
		c.closeBug(b)
	}
}

// Count возвращает число подключенных bug'ов
func (c *Chain) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bugs)
}

// Find возвращает первый bug с указанным именем
func (c *Chain) Find(name string) (*Bug, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bugs {
		if b.name == name && !b.Closed() {
			return b, true
		}
	}
	return nil, false
}

// Bugs возвращает копию списка bug'ов в порядке подключения
func (c *Chain) Bugs() []*Bug {
	return c.snapshot()
}

func (c *Chain) snapshot() []*Bug {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bugs) == 0 {
		return nil
	}
	out := make([]*Bug, len(c.bugs))
	copy(out, c.bugs)
	return out
}

// deliverable закрывает bug с истекшим сроком или отложенным удалением
// и сообщает, можно ли доставлять ему кадр
func (c *Chain) deliverable(b *Bug, now time.Time) bool {
	if b.Closed() {
		return false
	}
	if b.pending.Load() || b.expired(now) {
		c.closeBug(b)
		return false
	}
	if c.paused.Load() && !b.Has(FlagNoPause) {
		return false
	}
	return true
}

func (c *Chain) replace(b *Bug, f *frame.Frame, ev EventType) (*frame.Frame, bool) {
	b.replace = f
	ok := b.invoke(ev)
	if b.replace != nil {
		f = b.replace
	}
	b.replace = nil
	return f, ok
}

func (c *Chain) closeBug(b *Bug) bool {
	closed, err := b.close()
	if err != nil {
		c.logger.Warn("media bug state transition failed", slog.String("bug", b.name), slog.String("error", err.Error()))
	}
	if !closed {
		return false
	}

	c.mu.Lock()
	for i, other := range c.bugs {
		if other == b {
			c.bugs = append(c.bugs[:i], c.bugs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.metrics.BugDetached()
	c.logger.Debug("media bug closed", slog.String("bug", b.name))
	return true
}
