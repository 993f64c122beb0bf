// Package dtmf содержит представление DTMF цифр, кодек событий RFC 4733
// поверх pion/rtp, генератор тонального набора и детекторы на алгоритме Герцеля.
package dtmf

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultDuration длительность цифры по умолчанию
	DefaultDuration = 100 * time.Millisecond
	// DefaultGap пауза между генерируемыми цифрами
	DefaultGap = 50 * time.Millisecond
	// FaxDigit псевдо цифра, которой представляется вызывной тон факса (CNG)
	FaxDigit = 'f'
)

// Source источник DTMF события
type Source int

const (
	SourceUnknown Source = iota
	// SourceRTP событие RFC 4733
	SourceRTP
	// SourceInband распознано в аудио потоке
	SourceInband
	// SourceApp поставлено приложением
	SourceApp
)

func (s Source) String() string {
	switch s {
	case SourceRTP:
		return "rtp"
	case SourceInband:
		return "inband"
	case SourceApp:
		return "app"
	default:
		return "unknown"
	}
}

// Event DTMF событие канала
type Event struct {
	Digit    byte          // Символ цифры: 0-9, *, #, A-D или f
	Duration time.Duration // Длительность нажатия
	Volume   int8          // Уровень громкости (от 0 до -63 dBm)
	Source   Source
}

func (e Event) String() string {
	return fmt.Sprintf("%c/%s", e.Digit, e.Duration)
}

// eventCodes коды событий RFC 4733 и RFC 4734 для цифр
var eventCodes = map[byte]uint8{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	FaxDigit: 36,
}

var codeDigits = func() map[uint8]byte {
	m := make(map[uint8]byte, len(eventCodes))
	for d, c := range eventCodes {
		m[c] = d
	}
	return m
}()

// Normalize приводит цифру к канонической форме: a-d в верхний регистр
func Normalize(d byte) byte {
	if d >= 'a' && d <= 'd' {
		return d - 'a' + 'A'
	}
	return d
}

// IsValid проверяет, что символ является DTMF цифрой
func IsValid(d byte) bool {
	_, ok := eventCodes[Normalize(d)]
	return ok
}

// EventCode возвращает код события RFC 4733 для цифры
func EventCode(d byte) (uint8, bool) {
	c, ok := eventCodes[Normalize(d)]
	return c, ok
}

// DigitFromCode возвращает цифру по коду события RFC 4733
func DigitFromCode(code uint8) (byte, bool) {
	d, ok := codeDigits[code]
	return d, ok
}

// ParseString разбирает строку цифр. Допускается суффикс длительности
// цифры через '@' в миллисекундах: "123@200".
func ParseString(s string) ([]Event, error) {
	duration := DefaultDuration
	if i := strings.IndexByte(s, '@'); i >= 0 {
		var ms int
		if _, err := fmt.Sscanf(s[i+1:], "%d", &ms); err != nil || ms <= 0 {
			return nil, fmt.Errorf("некорректная длительность DTMF: %q", s[i+1:])
		}
		duration = time.Duration(ms) * time.Millisecond
		s = s[:i]
	}

	events := make([]Event, 0, len(s))
	for i := 0; i < len(s); i++ {
		d := Normalize(s[i])
		if !IsValid(d) {
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", s[i])
		}
		events = append(events, Event{Digit: d, Duration: duration, Source: SourceApp})
	}
	return events, nil
}
