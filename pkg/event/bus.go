package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arzzra/switch_core/pkg/core"
)

// Bus глобальная шина событий. Fire забирает владение событием.
type Bus interface {
	Fire(ev *Event) error
}

// Queuer очередь событий конкретной сессии
type Queuer interface {
	QueueEvent(ev *Event) error
}

// Handler обработчик события
type Handler func(ev *Event)

// Deliver ставит событие в очередь сессии. Если очередь сессии не приняла
// событие, оно помечается заголовком delivery-failure и отправляется глобально.
func Deliver(bus Bus, q Queuer, ev *Event) error {
	if q != nil {
		if err := q.QueueEvent(ev); err == nil {
			return nil
		}
	}
	ev.AddHeader("delivery-failure", "true")
	if bus == nil {
		return core.NewError(core.ErrorCodeNotFound, "", "нет шины для резервной доставки")
	}
	return bus.Fire(ev)
}

type subscription struct {
	id      uint64
	t       Type
	handler Handler
}

// LocalBus асинхронная шина событий процесса.
// События ставятся в буферизованную очередь и раздаются подписчикам
// в отдельной горутине. При заполнении очереди Fire возвращает ResourceExhausted.
type LocalBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	queue   chan *Event
	metrics *core.Metrics
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewLocalBus создает шину с очередью заданной длины
func NewLocalBus(size int, metrics *core.Metrics) *LocalBus {
	if size <= 0 {
		size = 1024
	}
	return &LocalBus{
		queue:   make(chan *Event, size),
		metrics: metrics,
		logger:  slog.Default().With(slog.String("component", "event_bus")),
		done:    make(chan struct{}),
	}
}

// Subscribe подписывает обработчик на тип события. Пустой тип означает все события.
// Возвращает функцию отписки.
func (b *LocalBus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, t: t, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Fire ставит событие в очередь доставки без блокировки
func (b *LocalBus) Fire(ev *Event) error {
	if ev == nil {
		return core.NewError(core.ErrorCodeInvalidArgument, "", "пустое событие")
	}
	select {
	case <-b.done:
		return core.NewError(core.ErrorCodeNotReady, "", "шина событий остановлена")
	default:
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		b.metrics.EventDropped()
		return core.NewError(core.ErrorCodeResourceExhausted, "", "очередь событий заполнена")
	}
}

// Run раздает события подписчикам до отмены контекста или Close
func (b *LocalBus) Run(ctx context.Context) error {
	b.logger.Debug("event bus started")
	defer b.logger.Debug("event bus stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

// Close останавливает шину
func (b *LocalBus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *LocalBus) dispatch(ev *Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.t == "" || s.t == ev.Type {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
