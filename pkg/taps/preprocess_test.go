package taps

import (
	"context"
	"testing"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocessSession(t *testing.T) {
	ctx := context.Background()
	writeOne := func(t *testing.T, s *session.Session, ep *memEndpoint, v int16) []int16 {
		t.Helper()
		require.NoError(t, s.WriteFrame(ctx, &frame.Frame{Samples: constSamples(160, v), Rate: 8000, Channels: 1}))
		out := ep.written()
		return out[len(out)-1].Samples
	}
	readOne := func(t *testing.T, s *session.Session, ep *memEndpoint, v int16) []int16 {
		t.Helper()
		ep.push(constSamples(160, v))
		f, err := s.ReadFrame(ctx)
		require.NoError(t, err)
		return f.Samples
	}

	t.Run("шумоподавление глушит фон", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "r.ns=on,r.ns_level=500"))
		assert.Equal(t, make([]int16, 160), readOne(t, s, ep, 100))
		// записываемый поток не обрабатывается
		assert.Equal(t, int16(100), writeOne(t, s, ep, 100)[0])
	})

	t.Run("АРУ плавно поднимает уровень", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "w.agc=1,w.agc_level=8000"))

		first := writeOne(t, s, ep, 1000)[0]
		assert.Equal(t, int16(1700), first)
		second := writeOne(t, s, ep, 1000)[0]
		assert.Greater(t, second, first)
	})

	t.Run("эхоподавление по встречному потоку", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "r.ec=20"))

		writeOne(t, s, ep, 8000)
		assert.Equal(t, int16(25), readOne(t, s, ep, 100)[0])
		// без опорного сигнала поток не меняется
		assert.Equal(t, int16(100), readOne(t, s, ep, 100)[0])
	})

	t.Run("повторные команды и остановка", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "r.agc=1"))
		require.NoError(t, PreprocessSession(s, "w.ns=1"))
		assert.Equal(t, 1, s.Chain().Count())

		require.NoError(t, PreprocessSession(s, "stop"))
		assert.Equal(t, 0, s.Chain().Count())
		assert.True(t, core.HasErrorCode(PreprocessSession(s, "stop"), core.ErrorCodeNotFound))
	})

	t.Run("ошибка в списке не меняет состояние", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "w.agc=1"))

		err := PreprocessSession(s, "w.ns=1,w.agc=0,w.foo=1")
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument))

		p, ok := session.PrivateAs[*preprocessor](s.Channel(), slotPreprocess)
		require.True(t, ok)
		assert.False(t, p.write.ns)
		assert.True(t, p.write.agc)
	})

	t.Run("удаление bug'а освобождает слот", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		require.NoError(t, PreprocessSession(s, "r.agc=1"))
		p, ok := session.PrivateAs[*preprocessor](s.Channel(), slotPreprocess)
		require.True(t, ok)

		require.NoError(t, s.Chain().Detach(p.bug))
		_, ok = s.Channel().Private(slotPreprocess)
		assert.False(t, ok)

		require.NoError(t, PreprocessSession(s, "r.ns=1"))
		assert.Equal(t, 1, s.Chain().Count())
	})

	t.Run("ошибки", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		for _, cmd := range []string{"agc=1", "x.agc=1", "r.foo=1", "r.agc_level=abc", "r.ns_level=-1"} {
			assert.True(t, core.HasErrorCode(PreprocessSession(s, cmd), core.ErrorCodeInvalidArgument), cmd)
		}
	})
}
