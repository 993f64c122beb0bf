package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "switchcore"
)

// Metrics собирает метрики ядра коммутатора.
// Каждый RuntimeContext владеет своим реестром, поэтому несколько экземпляров
// (например, в тестах) не конфликтуют при регистрации.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	bugsActive      prometheus.Gauge
	bugsTotal       *prometheus.CounterVec
	dmachineResults *prometheus.CounterVec
	schedulerTasks  *prometheus.CounterVec
	eventsDropped   prometheus.Counter
}

// NewMetrics создает набор метрик в новом реестре
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of active sessions",
	})
	m.sessionsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of sessions created",
	})
	m.bugsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "media_bugs_active",
		Help:      "Number of media bugs currently attached",
	})
	m.bugsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_bugs_total",
		Help:      "Total number of media bugs attached by name",
	}, []string{"name"})
	m.dmachineResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dmachine_results_total",
		Help:      "Digit matcher terminal outcomes",
	}, []string{"result"})
	m.schedulerTasks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_tasks_total",
		Help:      "Scheduler task transitions",
	}, []string{"state"})
	m.eventsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the bus queue was full",
	})

	return m
}

// Registry возвращает реестр для экспорта через promhttp
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionStarted учитывает создание сессии
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionEnded учитывает завершение сессии
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// BugAttached учитывает подключение media bug
func (m *Metrics) BugAttached(name string) {
	if m == nil {
		return
	}
	m.bugsActive.Inc()
	m.bugsTotal.WithLabelValues(name).Inc()
}

// BugDetached учитывает отключение media bug
func (m *Metrics) BugDetached() {
	if m == nil {
		return
	}
	m.bugsActive.Dec()
}

// DMachineResult учитывает терминальный результат цифрового автомата
func (m *Metrics) DMachineResult(result string) {
	if m == nil {
		return
	}
	m.dmachineResults.WithLabelValues(result).Inc()
}

// SchedulerTask учитывает переход задачи планировщика
func (m *Metrics) SchedulerTask(state string) {
	if m == nil {
		return
	}
	m.schedulerTasks.WithLabelValues(state).Inc()
}

// EventDropped учитывает потерянное событие
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
