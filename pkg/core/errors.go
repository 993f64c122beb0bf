package core

import (
	"errors"
	"fmt"
)

// ErrorCode определяет типизированные коды ошибок ядра коммутатора.
// Коды соответствуют таксономии отказов: неверный аргумент, исчерпание ресурсов,
// неготовность медиа, повторная активация, ошибки ввода-вывода, таймауты и промахи поиска.
type ErrorCode int

const (
	ErrorCodeGeneric ErrorCode = iota + 2000
	ErrorCodeInvalidArgument
	ErrorCodeResourceExhausted
	ErrorCodeNotReady
	ErrorCodeAlreadyActive
	ErrorCodeIOFailure
	ErrorCodeTimeout
	ErrorCodeNotFound
)

// String возвращает строковое представление кода ошибки
func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeGeneric:
		return "Generic"
	case ErrorCodeInvalidArgument:
		return "InvalidArgument"
	case ErrorCodeResourceExhausted:
		return "ResourceExhausted"
	case ErrorCodeNotReady:
		return "NotReady"
	case ErrorCodeAlreadyActive:
		return "AlreadyActive"
	case ErrorCodeIOFailure:
		return "IOFailure"
	case ErrorCodeTimeout:
		return "Timeout"
	case ErrorCodeNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Сигнальные значения для сравнения через errors.Is.
// Сравнение выполняется по коду, поэтому подходят любые SwitchError с тем же кодом.
var (
	ErrGeneric           = &SwitchError{Code: ErrorCodeGeneric, Message: "общая ошибка"}
	ErrInvalidArgument   = &SwitchError{Code: ErrorCodeInvalidArgument, Message: "неверный аргумент"}
	ErrResourceExhausted = &SwitchError{Code: ErrorCodeResourceExhausted, Message: "ресурс исчерпан"}
	ErrNotReady          = &SwitchError{Code: ErrorCodeNotReady, Message: "медиа не готово"}
	ErrAlreadyActive     = &SwitchError{Code: ErrorCodeAlreadyActive, Message: "уже активно"}
	ErrIOFailure         = &SwitchError{Code: ErrorCodeIOFailure, Message: "ошибка ввода-вывода"}
	ErrTimeout           = &SwitchError{Code: ErrorCodeTimeout, Message: "истекло время ожидания"}
	ErrNotFound          = &SwitchError{Code: ErrorCodeNotFound, Message: "не найдено"}
)

// SwitchError базовая структура ошибок ядра.
// Содержит:
//   - Типизированный код ошибки
//   - Идентификатор сессии для сопоставления с логами
//   - Контекстную информацию (имя tap'а, путь файла, шаблон цифр)
//   - Обернутую исходную ошибку
type SwitchError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error
func (e *SwitchError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[core:%s] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[core:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *SwitchError) Unwrap() error {
	return e.Wrapped
}

// Is позволяет сравнивать ошибки по коду
func (e *SwitchError) Is(target error) bool {
	if t, ok := target.(*SwitchError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext добавляет пару ключ-значение в контекст ошибки
func (e *SwitchError) WithContext(key string, value interface{}) *SwitchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetContext возвращает значение из контекста ошибки по ключу
func (e *SwitchError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewError создает ошибку с указанным кодом
func NewError(code ErrorCode, sessionID, message string) *SwitchError {
	return &SwitchError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// Errorf создает ошибку с форматированным сообщением
func Errorf(code ErrorCode, format string, args ...interface{}) *SwitchError {
	return &SwitchError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError оборачивает существующую ошибку в SwitchError
func WrapError(code ErrorCode, sessionID, message string, err error) *SwitchError {
	return &SwitchError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code ErrorCode) bool {
	var se *SwitchError
	for err != nil {
		if errors.As(err, &se) {
			if se.Code == code {
				return true
			}
			err = se.Wrapped
			continue
		}
		return false
	}
	return false
}
