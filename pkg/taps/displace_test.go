package taps

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/fileio"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeClip создает файл из n отсчетов со значением v
func writeClip(t *testing.T, name string, n int, v int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	fh, err := fileio.Open(path, fileio.ModeWrite, 8000, 1)
	require.NoError(t, err)
	_, err = fh.Write(constSamples(n, v))
	require.NoError(t, err)
	require.NoError(t, fh.Close())
	return path
}

func TestParseDisplaceFlags(t *testing.T) {
	assert.Equal(t, DisplaceFlags{Mux: true, Loop: true, Read: true}, ParseDisplaceFlags("mlr"))
	assert.Equal(t, DisplaceFlags{Loop: true}, ParseDisplaceFlags("l"))
	assert.Equal(t, DisplaceFlags{}, ParseDisplaceFlags(""))
}

func TestDisplaceSession(t *testing.T) {
	ctx := context.Background()
	write := func(t *testing.T, s *session.Session, ep *memEndpoint, v int16) int16 {
		t.Helper()
		require.NoError(t, s.WriteFrame(ctx, &frame.Frame{Samples: constSamples(160, v), Rate: 8000, Channels: 1}))
		out := ep.written()
		return out[len(out)-1].Samples[0]
	}

	t.Run("замена до конца файла", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := writeClip(t, "clip.wav", 320, 1000)
		require.NoError(t, DisplaceSession(s, path, 0, ""))

		assert.Equal(t, int16(1000), write(t, s, ep, 5))
		assert.Equal(t, int16(1000), write(t, s, ep, 5))
		assert.Zero(t, write(t, s, ep, 5), "конец файла дает тишину")
		assert.Equal(t, 0, s.Chain().Count())
		assert.Equal(t, int16(5), write(t, s, ep, 5))

		_, ok := s.Channel().Private(slotDisplacePrefix + path)
		assert.False(t, ok)
	})

	t.Run("смешивание с повтором", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := writeClip(t, "loop.raw", 240, 1000)
		require.NoError(t, DisplaceSession(s, path, 0, "ml"))

		for i := 0; i < 4; i++ {
			assert.Equal(t, int16(1005), write(t, s, ep, 5))
		}
		assert.Equal(t, 1, s.Chain().Count())
		require.NoError(t, StopDisplaceSession(s, path))
		assert.Equal(t, 0, s.Chain().Count())
	})

	t.Run("замена прочитанного потока", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := writeClip(t, "read.wav", 1600, 700)
		require.NoError(t, DisplaceSession(s, path, 0, "r"))

		ep.push(constSamples(160, 5))
		f, err := s.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, int16(700), f.Samples[0])
		assert.Equal(t, int16(5), write(t, s, ep, 5))
	})

	t.Run("ошибки", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		path := writeClip(t, "dup.wav", 1600, 1)
		require.NoError(t, DisplaceSession(s, path, 0, "l"))
		assert.True(t, core.HasErrorCode(DisplaceSession(s, path, 0, "l"), core.ErrorCodeAlreadyActive))

		missing := filepath.Join(t.TempDir(), "missing.wav")
		err := DisplaceSession(s, missing, 0, "")
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeIOFailure))
		_, held := s.Channel().Private(slotDisplacePrefix + missing)
		assert.False(t, held, "слот освобождается при ошибке открытия")

		require.NoError(t, StopDisplaceSession(s, ""))
		assert.True(t, core.HasErrorCode(StopDisplaceSession(s, ""), core.ErrorCodeNotFound))
	})

	t.Run("параллельные вызовы одного файла", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		path := writeClip(t, "race.wav", 1600, 1)

		var wg sync.WaitGroup
		var started, rejected atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := DisplaceSession(s, path, 0, "l")
				switch {
				case err == nil:
					started.Add(1)
				case core.HasErrorCode(err, core.ErrorCodeAlreadyActive):
					rejected.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), started.Load())
		assert.Equal(t, int32(7), rejected.Load())
		assert.Equal(t, 1, s.Chain().Count())
	})
}
