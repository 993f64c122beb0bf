// Package event реализует шину событий ядра: создание событий с заголовками,
// асинхронную глобальную доставку и доставку в очередь конкретной сессии.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Type тип события
type Type string

const (
	TypeRecordStart     Type = "RECORD_START"
	TypeRecordStop      Type = "RECORD_STOP"
	TypeDetectedTone    Type = "DETECTED_TONE"
	TypeDetectedSpeech  Type = "DETECTED_SPEECH"
	TypeChannelBridge   Type = "CHANNEL_BRIDGE"
	TypeChannelUnbridge Type = "CHANNEL_UNBRIDGE"
	TypeChannelHangup   Type = "CHANNEL_HANGUP"
	TypeChannelTransfer Type = "CHANNEL_TRANSFER"
	TypeDTMF            Type = "DTMF"
	TypeCustom          Type = "CUSTOM"
)

// Header заголовок события
type Header struct {
	Name  string
	Value string
}

// Event событие с упорядоченным набором заголовков
type Event struct {
	Type      Type
	Subclass  string
	Headers   []Header
	Body      string
	Timestamp time.Time
}

// New создает событие указанного типа
func New(t Type) *Event {
	return &Event{
		Type:      t,
		Timestamp: time.Now(),
	}
}

// AddHeader добавляет заголовок, значение форматируется как fmt.Sprintf
func (e *Event) AddHeader(name, format string, args ...interface{}) *Event {
	value := format
	if len(args) > 0 {
		value = fmt.Sprintf(format, args...)
	}
	e.Headers = append(e.Headers, Header{Name: name, Value: value})
	return e
}

// Header возвращает значение первого заголовка с указанным именем
func (e *Event) Header(name string) string {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Clone возвращает копию события
func (e *Event) Clone() *Event {
	c := *e
	c.Headers = append([]Header(nil), e.Headers...)
	return &c
}

// String возвращает текстовое представление в формате заголовков
func (e *Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event-Name: %s\n", e.Type)
	if e.Subclass != "" {
		fmt.Fprintf(&b, "Event-Subclass: %s\n", e.Subclass)
	}
	for _, h := range e.Headers {
		fmt.Fprintf(&b, "%s: %s\n", h.Name, h.Value)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "\n%s", e.Body)
	}
	return b.String()
}
