package core

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// RuntimeState состояние жизненного цикла процесса
type RuntimeState string

const (
	RuntimeStateNew       RuntimeState = "new"
	RuntimeStateRunning   RuntimeState = "running"
	RuntimeStateDestroyed RuntimeState = "destroyed"
)

// StateHandler получает уведомления о жизненном цикле сессий.
// Обработчики вызываются в горутине сессии и не должны блокироваться.
type StateHandler interface {
	OnSessionCreate(sessionID string)
	OnSessionHangup(sessionID, cause string)
}

// RuntimeContext глобальное состояние процесса.
// Создается один раз при старте и передается явно каждой подсистеме:
// имя хоста, серийный номер, таблица переменных, список обработчиков состояний,
// сетевые списки, счетчики сессий и метрики.
// Init должен быть вызван до запуска подсистем, Destroy после их остановки.
type RuntimeContext struct {
	mu     sync.Mutex
	config *Config
	state  *fsm.FSM

	hostname  string
	serial    string
	startedAt time.Time

	varsMu sync.RWMutex
	vars   map[string]string

	handlersMu sync.RWMutex
	handlers   []StateHandler

	acls *ACLSet

	sessionsActive atomic.Int64
	sessionsPeak   atomic.Int64
	sessionsTotal  atomic.Uint64

	metrics *Metrics
	logger  *slog.Logger
}

// NewRuntime создает контекст из снимка конфигурации.
// Контекст находится в состоянии new до вызова Init.
func NewRuntime(cfg *Config) *RuntimeContext {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	rt := &RuntimeContext{
		config:  cfg,
		vars:    make(map[string]string),
		acls:    &ACLSet{lists: make(map[string]*ACL)},
		metrics: NewMetrics(),
		logger:  slog.Default().With(slog.String("component", "runtime")),
	}

	rt.state = fsm.NewFSM(
		string(RuntimeStateNew),
		fsm.Events{
			{Name: "init", Src: []string{string(RuntimeStateNew)}, Dst: string(RuntimeStateRunning)},
			{Name: "destroy", Src: []string{string(RuntimeStateNew), string(RuntimeStateRunning)}, Dst: string(RuntimeStateDestroyed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				rt.logger.Debug("runtime state changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)

	return rt
}

// Init инициализирует глобальное состояние: имя хоста, серийный номер,
// глобальные переменные и сетевые списки.
func (rt *RuntimeContext) Init(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.State() != RuntimeStateNew {
		return NewError(ErrorCodeAlreadyActive, "", "runtime уже инициализирован")
	}
	if err := Validate(rt.config); err != nil {
		return WrapError(ErrorCodeInvalidArgument, "", "некорректная конфигурация", err)
	}

	acls, err := NewACLSet(rt.config.ACL)
	if err != nil {
		return err
	}
	rt.acls.Replace(acls)

	rt.hostname = rt.config.Core.Hostname
	if rt.hostname == "" {
		if h, err := os.Hostname(); err == nil {
			rt.hostname = h
		} else {
			rt.hostname = "localhost"
		}
	}
	rt.serial = uuid.NewString()
	rt.startedAt = time.Now()

	rt.varsMu.Lock()
	for k, v := range rt.config.Core.Variables {
		rt.vars[k] = v
	}
	rt.vars["hostname"] = rt.hostname
	rt.vars["core_uuid"] = rt.serial
	rt.varsMu.Unlock()

	if err := rt.state.Event(ctx, "init"); err != nil {
		return WrapError(ErrorCodeGeneric, "", "ошибка перехода состояния", err)
	}

	rt.logger.Info("runtime initialized",
		slog.String("hostname", rt.hostname),
		slog.String("serial", rt.serial),
		slog.Int("acl_lists", len(rt.config.ACL)))
	return nil
}

// Destroy завершает жизненный цикл. Повторный вызов безопасен.
func (rt *RuntimeContext) Destroy() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.State() == RuntimeStateDestroyed {
		return nil
	}
	if active := rt.sessionsActive.Load(); active > 0 {
		rt.logger.Warn("runtime destroyed with active sessions", slog.Int64("active", active))
	}

	if err := rt.state.Event(context.Background(), "destroy"); err != nil {
		return WrapError(ErrorCodeGeneric, "", "ошибка перехода состояния", err)
	}

	rt.handlersMu.Lock()
	rt.handlers = nil
	rt.handlersMu.Unlock()

	rt.varsMu.Lock()
	rt.vars = make(map[string]string)
	rt.varsMu.Unlock()

	rt.logger.Info("runtime destroyed", slog.Duration("uptime", time.Since(rt.startedAt)))
	return nil
}

// State возвращает текущее состояние жизненного цикла
func (rt *RuntimeContext) State() RuntimeState {
	return RuntimeState(rt.state.Current())
}

// Running сообщает, что runtime инициализирован и не уничтожен
func (rt *RuntimeContext) Running() bool {
	return rt.State() == RuntimeStateRunning
}

// Config возвращает снимок конфигурации
func (rt *RuntimeContext) Config() *Config {
	return rt.config
}

// Hostname возвращает имя хоста процесса
func (rt *RuntimeContext) Hostname() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.hostname
}

// Serial возвращает уникальный серийный номер экземпляра
func (rt *RuntimeContext) Serial() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.serial
}

// Uptime возвращает время работы с момента Init
func (rt *RuntimeContext) Uptime() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.startedAt.IsZero() {
		return 0
	}
	return time.Since(rt.startedAt)
}

// Metrics возвращает метрики процесса
func (rt *RuntimeContext) Metrics() *Metrics {
	return rt.metrics
}

// GetVariable возвращает глобальную переменную
func (rt *RuntimeContext) GetVariable(name string) string {
	rt.varsMu.RLock()
	defer rt.varsMu.RUnlock()
	return rt.vars[name]
}

// SetVariable устанавливает глобальную переменную, пустое значение удаляет ее
func (rt *RuntimeContext) SetVariable(name, value string) {
	rt.varsMu.Lock()
	defer rt.varsMu.Unlock()
	if value == "" {
		delete(rt.vars, name)
		return
	}
	rt.vars[name] = value
}

// Variables возвращает копию таблицы переменных
func (rt *RuntimeContext) Variables() map[string]string {
	rt.varsMu.RLock()
	defer rt.varsMu.RUnlock()
	out := make(map[string]string, len(rt.vars))
	for k, v := range rt.vars {
		out[k] = v
	}
	return out
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// ExpandVariables подставляет ${name} из глобальной таблицы.
// Неизвестные переменные заменяются пустой строкой.
func (rt *RuntimeContext) ExpandVariables(s string) string {
	rt.varsMu.RLock()
	defer rt.varsMu.RUnlock()
	return varRef.ReplaceAllStringFunc(s, func(m string) string {
		return rt.vars[varRef.FindStringSubmatch(m)[1]]
	})
}

// AddStateHandler добавляет обработчик состояний сессий
func (rt *RuntimeContext) AddStateHandler(h StateHandler) {
	rt.handlersMu.Lock()
	defer rt.handlersMu.Unlock()
	rt.handlers = append(rt.handlers, h)
}

// RemoveStateHandler удаляет ранее добавленный обработчик
func (rt *RuntimeContext) RemoveStateHandler(h StateHandler) bool {
	rt.handlersMu.Lock()
	defer rt.handlersMu.Unlock()
	for i, cur := range rt.handlers {
		if cur == h {
			rt.handlers = append(rt.handlers[:i], rt.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// NotifyCreate уведомляет обработчики о новой сессии
func (rt *RuntimeContext) NotifyCreate(sessionID string) {
	for _, h := range rt.snapshotHandlers() {
		h.OnSessionCreate(sessionID)
	}
}

// NotifyHangup уведомляет обработчики о завершении сессии
func (rt *RuntimeContext) NotifyHangup(sessionID, cause string) {
	for _, h := range rt.snapshotHandlers() {
		h.OnSessionHangup(sessionID, cause)
	}
}

func (rt *RuntimeContext) snapshotHandlers() []StateHandler {
	rt.handlersMu.RLock()
	defer rt.handlersMu.RUnlock()
	out := make([]StateHandler, len(rt.handlers))
	copy(out, rt.handlers)
	return out
}

// SessionStarted учитывает новую сессию. Возвращает ResourceExhausted
// при превышении лимита max_sessions.
func (rt *RuntimeContext) SessionStarted() error {
	limit := int64(rt.config.Core.MaxSessions)
	active := rt.sessionsActive.Add(1)
	if limit > 0 && active > limit {
		rt.sessionsActive.Add(-1)
		return Errorf(ErrorCodeResourceExhausted, "достигнут лимит сессий: %d", limit)
	}
	for {
		peak := rt.sessionsPeak.Load()
		if active <= peak || rt.sessionsPeak.CompareAndSwap(peak, active) {
			break
		}
	}
	rt.sessionsTotal.Add(1)
	rt.metrics.SessionStarted()
	return nil
}

// SessionEnded учитывает завершенную сессию
func (rt *RuntimeContext) SessionEnded() {
	rt.sessionsActive.Add(-1)
	rt.metrics.SessionEnded()
}

// SessionCounts возвращает текущее, пиковое и общее число сессий
func (rt *RuntimeContext) SessionCounts() (active, peak int64, total uint64) {
	return rt.sessionsActive.Load(), rt.sessionsPeak.Load(), rt.sessionsTotal.Load()
}

// CheckACL проверяет IP адрес по именованному сетевому списку
func (rt *RuntimeContext) CheckACL(list, ip string) (bool, error) {
	return rt.acls.Check(list, ip)
}
