package session

import (
	"sort"
	"sync"

	"github.com/arzzra/switch_core/pkg/core"
)

// Registry реестр активных сессий процесса
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add регистрирует сессию. Сессия удаляется из реестра при Hangup.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return core.NewError(core.ErrorCodeAlreadyActive, s.id, "сессия уже зарегистрирована")
	}
	r.sessions[s.id] = s
	s.registry = r
	return nil
}

// Remove удаляет сессию из реестра
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Locate находит сессию и берет на нее ссылку. Вызывающий обязан
// вызвать RWUnlock. Завершенная или отсутствующая сессия дает NotFound.
func (r *Registry) Locate(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, core.NewError(core.ErrorCodeNotFound, id, "сессия не найдена")
	}
	if err := s.ReadLock(); err != nil {
		return nil, core.WrapError(core.ErrorCodeNotFound, id, "сессия не найдена", err)
	}
	return s, nil
}

// Count возвращает число сессий
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs возвращает отсортированный список идентификаторов
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HangupAll завершает все сессии
func (r *Registry) HangupAll(cause string) int {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		s.Hangup(cause)
	}
	return len(all)
}
