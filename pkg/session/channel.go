package session

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Flag флаг состояния канала
type Flag uint32

const (
	// FlagMediaUp медиа путь установлен, кадры можно читать и писать
	FlagMediaUp Flag = 1 << iota
	// FlagAnswered канал отвечен
	FlagAnswered
	// FlagHold канал на удержании
	FlagHold
	// FlagBridged канал соединен с другим каналом (в том числе виртуально)
	FlagBridged
	// FlagInnerBridge канал является внутренним плечом соединения
	FlagInnerBridge
	// FlagEavesdropped к каналу подключен прослушивающий
	FlagEavesdropped
	// FlagHangup канал завершен
	FlagHangup
)

// Channel хранилище переменных, флагов и приватных расширений сессии
type Channel struct {
	name string

	varsMu sync.RWMutex
	vars   map[string]string

	privateMu sync.Mutex
	private   map[string]interface{}

	flags atomic.Uint32
}

func newChannel(name string) *Channel {
	return &Channel{
		name:    name,
		vars:    make(map[string]string),
		private: make(map[string]interface{}),
	}
}

// Name возвращает имя канала
func (c *Channel) Name() string { return c.name }

// GetVariable возвращает переменную канала
func (c *Channel) GetVariable(name string) string {
	c.varsMu.RLock()
	defer c.varsMu.RUnlock()
	return c.vars[name]
}

// SetVariable устанавливает переменную; пустое значение удаляет ее
func (c *Channel) SetVariable(name, value string) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	if value == "" {
		delete(c.vars, name)
		return
	}
	c.vars[name] = value
}

// Variables возвращает копию переменных канала
func (c *Channel) Variables() map[string]string {
	c.varsMu.RLock()
	defer c.varsMu.RUnlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// VariableTrue сообщает, что переменная имеет истинное значение (true, yes, on, 1)
func (c *Channel) VariableTrue(name string) bool {
	return IsTrue(c.GetVariable(name))
}

// VariableInt возвращает переменную как число или def
func (c *Channel) VariableInt(name string, def int) int {
	v := c.GetVariable(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// IsTrue разбирает логическое значение переменной
func IsTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1", "enabled", "active", "allow":
		return true
	}
	return false
}

// SetPrivate сохраняет приватное расширение. nil удаляет ключ.
func (c *Channel) SetPrivate(key string, value interface{}) {
	c.privateMu.Lock()
	defer c.privateMu.Unlock()
	if value == nil {
		delete(c.private, key)
		return
	}
	c.private[key] = value
}

// SetPrivateIfAbsent сохраняет расширение, только если ключ свободен
func (c *Channel) SetPrivateIfAbsent(key string, value interface{}) bool {
	c.privateMu.Lock()
	defer c.privateMu.Unlock()
	if _, ok := c.private[key]; ok {
		return false
	}
	c.private[key] = value
	return true
}

// Private возвращает приватное расширение
func (c *Channel) Private(key string) (interface{}, bool) {
	c.privateMu.Lock()
	defer c.privateMu.Unlock()
	v, ok := c.private[key]
	return v, ok
}

// DeletePrivate удаляет расширение, если оно совпадает с value.
// nil value удаляет безусловно.
func (c *Channel) DeletePrivate(key string, value interface{}) bool {
	c.privateMu.Lock()
	defer c.privateMu.Unlock()
	cur, ok := c.private[key]
	if !ok {
		return false
	}
	if value != nil && cur != value {
		return false
	}
	delete(c.private, key)
	return true
}

// PrivateAs возвращает расширение канала, приведенное к типу T
func PrivateAs[T any](c *Channel, key string) (T, bool) {
	var zero T
	v, ok := c.Private(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// SetFlag устанавливает флаг
func (c *Channel) SetFlag(f Flag) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag сбрасывает флаг
func (c *Channel) ClearFlag(f Flag) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// TestFlag проверяет флаг
func (c *Channel) TestFlag(f Flag) bool {
	return Flag(c.flags.Load())&f == f
}
