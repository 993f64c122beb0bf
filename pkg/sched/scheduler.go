// Package sched содержит планировщик однократных задач и отложенные
// операции над сессиями: hangup, transfer и broadcast.
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
)

// Flag флаги задачи
type Flag uint32

const (
	// FlagFreeArg освободить аргумент задачи после срабатывания или отмены
	FlagFreeArg Flag = 1 << iota
)

// Releaser аргумент задачи, который освобождается планировщиком
type Releaser interface {
	Release()
}

// TaskFunc выполняется планировщиком в момент срабатывания задачи
type TaskFunc func(ctx context.Context, t *Task)

// Task однократная задача
type Task struct {
	ID    uint64
	RunAt time.Time
	Desc  string
	Group string
	Cmd   uint32
	Arg   Releaser
	Flags Flag

	fn    TaskFunc
	index int
}

func (t *Task) release() {
	if t.Flags&FlagFreeArg != 0 && t.Arg != nil {
		t.Arg.Release()
		t.Arg = nil
	}
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].RunAt.Before(h[j].RunAt)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler планировщик задач по времени срабатывания.
// Задачи выполняются последовательно в горутине Run.
type Scheduler struct {
	mu     sync.Mutex
	tasks  taskHeap
	byID   map[uint64]*Task
	nextID uint64
	wake   chan struct{}

	now     func() time.Time
	metrics *core.Metrics
	logger  *slog.Logger
}

// New создает планировщик. metrics может быть nil.
func New(metrics *core.Metrics) *Scheduler {
	return &Scheduler{
		byID:    make(map[uint64]*Task),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		metrics: metrics,
		logger:  slog.Default().With(slog.String("component", "scheduler")),
	}
}

// AddTask добавляет задачу и возвращает ее идентификатор
func (s *Scheduler) AddTask(runAt time.Time, fn TaskFunc, desc, group string, cmd uint32, arg Releaser, flags Flag) uint64 {
	s.mu.Lock()
	s.nextID++
	t := &Task{
		ID:    s.nextID,
		RunAt: runAt,
		Desc:  desc,
		Group: group,
		Cmd:   cmd,
		Arg:   arg,
		Flags: flags,
		fn:    fn,
	}
	heap.Push(&s.tasks, t)
	s.byID[t.ID] = t
	s.mu.Unlock()

	s.metrics.SchedulerTask("added")
	s.logger.Debug("task added",
		slog.Uint64("task_id", t.ID),
		slog.String("desc", desc),
		slog.String("group", group),
		slog.Time("run_at", runAt))
	s.notify()
	return t.ID
}

// CancelTask отменяет задачу. Возвращает false, если задача уже выполнена.
func (s *Scheduler) CancelTask(id uint64) bool {
	s.mu.Lock()
	t, ok := s.byID[id]
	if ok {
		s.removeLocked(t)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.release()
	s.metrics.SchedulerTask("cancelled")
	s.notify()
	return true
}

// CancelGroup отменяет все задачи группы и возвращает их количество
func (s *Scheduler) CancelGroup(group string) int {
	s.mu.Lock()
	var cancelled []*Task
	for _, t := range s.byID {
		if t.Group == group {
			cancelled = append(cancelled, t)
		}
	}
	for _, t := range cancelled {
		s.removeLocked(t)
	}
	s.mu.Unlock()

	for _, t := range cancelled {
		t.release()
		s.metrics.SchedulerTask("cancelled")
	}
	if len(cancelled) > 0 {
		s.logger.Debug("task group cancelled", slog.String("group", group), slog.Int("count", len(cancelled)))
		s.notify()
	}
	return len(cancelled)
}

// Pending возвращает число ожидающих задач
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) removeLocked(t *Task) {
	if t.index >= 0 {
		heap.Remove(&s.tasks, t.index)
	}
	delete(s.byID, t.ID)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// due извлекает задачи, время которых наступило, и время следующей задачи
func (s *Scheduler) due() ([]*Task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*Task
	for len(s.tasks) > 0 && !s.tasks[0].RunAt.After(now) {
		t := heap.Pop(&s.tasks).(*Task)
		delete(s.byID, t.ID)
		out = append(out, t)
	}
	if len(s.tasks) == 0 {
		return out, -1
	}
	return out, s.tasks[0].RunAt.Sub(now)
}

// RunDue выполняет все задачи, время которых наступило, и возвращает их количество
func (s *Scheduler) RunDue(ctx context.Context) int {
	tasks, _ := s.due()
	for _, t := range tasks {
		s.fire(ctx, t)
	}
	return len(tasks)
}

func (s *Scheduler) fire(ctx context.Context, t *Task) {
	defer t.release()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked",
				slog.Uint64("task_id", t.ID),
				slog.String("desc", t.Desc),
				slog.Any("panic", r))
			s.metrics.SchedulerTask("failed")
		}
	}()

	s.logger.Debug("task fired", slog.Uint64("task_id", t.ID), slog.String("desc", t.Desc))
	if t.fn != nil {
		t.fn(ctx, t)
	}
	s.metrics.SchedulerTask("fired")
}

// Run выполняет задачи до отмены контекста. Невыполненные задачи
// освобождаются при выходе.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		tasks, next := s.due()
		for _, t := range tasks {
			s.fire(ctx, t)
		}
		if len(tasks) > 0 {
			continue
		}

		if next < 0 {
			next = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)

		select {
		case <-ctx.Done():
			n := s.drain()
			s.logger.Info("scheduler stopped", slog.Int("dropped", n))
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// drain освобождает все оставшиеся задачи
func (s *Scheduler) drain() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.byID = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.release()
		s.metrics.SchedulerTask("cancelled")
	}
	return len(tasks)
}
