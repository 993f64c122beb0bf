package core

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSwitchError(t *testing.T) {
	t.Run("форматирование", func(t *testing.T) {
		err := NewError(ErrorCodeNotReady, "abc", "медиа не установлено")
		assert.Equal(t, "[core:NotReady] сессия abc: медиа не установлено", err.Error())

		wrapped := WrapError(ErrorCodeIOFailure, "", "ошибка записи", io.ErrClosedPipe)
		assert.Equal(t, "[core:IOFailure] ошибка записи: io: read/write on closed pipe", wrapped.Error())
		assert.Equal(t, "Unknown(1)", ErrorCode(1).String())
	})

	t.Run("сравнение по коду", func(t *testing.T) {
		err := Errorf(ErrorCodeNotFound, "сессия %s не найдена", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NotErrorIs(t, err, ErrTimeout)
		assert.ErrorIs(t, fmt.Errorf("locate: %w", err), ErrNotFound)
	})

	t.Run("цепочка", func(t *testing.T) {
		inner := NewError(ErrorCodeTimeout, "", "ожидание")
		outer := WrapError(ErrorCodeGeneric, "", "операция", inner)

		assert.True(t, HasErrorCode(outer, ErrorCodeTimeout))
		assert.True(t, HasErrorCode(outer, ErrorCodeGeneric))
		assert.False(t, HasErrorCode(outer, ErrorCodeNotFound))
		assert.False(t, HasErrorCode(errors.New("plain"), ErrorCodeGeneric))
		assert.NotErrorIs(t, outer, io.EOF)
	})

	t.Run("контекст", func(t *testing.T) {
		err := NewError(ErrorCodeInvalidArgument, "", "плохой файл").WithContext("path", "/tmp/a.wav")
		assert.Equal(t, "/tmp/a.wav", err.GetContext("path"))
		assert.Nil(t, err.GetContext("missing"))
	})
}
