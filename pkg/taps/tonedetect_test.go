package taps

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFreqs(t *testing.T) {
	freqs, err := ParseFreqs("350+440")
	require.NoError(t, err)
	assert.Equal(t, []float64{350, 440}, freqs)

	freqs, err = ParseFreqs("fax")
	require.NoError(t, err)
	assert.True(t, ToneSpec{Key: "x", Freqs: freqs}.IsFax())

	for _, bad := range []string{"", "abc", "350+-1"} {
		_, err := ParseFreqs(bad)
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument), bad)
	}
}

func TestToneDetectSession(t *testing.T) {
	gen := dtmf.NewGenerator(8000)
	ctx := context.Background()

	t.Run("тон обнаружен и отслеживание снято", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, ep := newMediaSession(t, session.Config{Executor: exec})
		require.NoError(t, ToneDetectSession(s, ToneSpec{
			Key: "ring", Freqs: []float64{350, 440}, Hits: 2, Once: true,
			App: "transfer", Data: "1000",
		}))
		assert.Equal(t, 1, s.Chain().Count())

		for i := 0; i < 3; i++ {
			ep.push(gen.Tone(20*time.Millisecond, 350, 440))
			_, err := s.ReadFrame(ctx)
			require.NoError(t, err)
		}
		assert.Equal(t, 0, s.Chain().Count())
		_, ok := s.Channel().Private(slotToneDetect)
		assert.False(t, ok)

		evs := drainEvents(s)
		require.Len(t, evs, 1)
		assert.Equal(t, event.TypeDetectedTone, evs[0].Type)
		assert.Equal(t, "ring", evs[0].Header("Detected-Tone"))

		waitFor(t, func() bool { return len(exec.snapshot()) == 1 })
		assert.Equal(t, execCall{session: s.ID(), app: "transfer", arg: "1000"}, exec.snapshot()[0])
	})

	t.Run("тишина не срабатывает", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		require.NoError(t, ToneDetectSession(s, ToneSpec{Key: "busy", Freqs: []float64{480, 620}}))

		for i := 0; i < 5; i++ {
			ep.push(constSamples(160, 0))
			_, err := s.ReadFrame(ctx)
			require.NoError(t, err)
		}
		assert.Empty(t, drainEvents(s))
		assert.Equal(t, 1, s.Chain().Count())

		require.NoError(t, StopToneDetectSession(s))
		assert.Equal(t, 0, s.Chain().Count())
	})

	t.Run("callback снимает тон", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		var keys []string
		require.NoError(t, ToneDetectSession(s, ToneSpec{
			Key: "beep", Freqs: []float64{1000},
			Callback: func(_ *session.Session, key string) bool {
				keys = append(keys, key)
				return false
			},
		}))

		ep.push(gen.Tone(20*time.Millisecond, 1000))
		_, err := s.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"beep"}, keys)
		assert.Equal(t, 0, s.Chain().Count())
	})

	t.Run("не более 16 тонов", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		for i := 0; i < MaxToneSpecs; i++ {
			require.NoError(t, ToneDetectSession(s, ToneSpec{
				Key: fmt.Sprintf("t%d", i), Freqs: []float64{float64(400 + i*50)},
			}))
		}
		// тот же ключ заменяется
		require.NoError(t, ToneDetectSession(s, ToneSpec{Key: "t0", Freqs: []float64{2000}}))

		err := ToneDetectSession(s, ToneSpec{Key: "extra", Freqs: []float64{3000}})
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeResourceExhausted))

		td, ok := session.PrivateAs[*toneDetector](s.Channel(), slotToneDetect)
		require.True(t, ok)
		assert.Equal(t, MaxToneSpecs, td.Count())
		assert.Equal(t, 1, s.Chain().Count())
	})

	t.Run("факс по цифре", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		require.NoError(t, ToneDetectSession(s, ToneSpec{Key: "fax", Once: true}))

		require.NoError(t, s.QueueDTMF(dtmf.Event{Digit: dtmf.FaxDigit}))
		assert.False(t, s.HasDTMF())

		evs := drainEvents(s)
		require.Len(t, evs, 1)
		assert.Equal(t, "fax", evs[0].Header("Detected-Tone"))

		// после срабатывания цифра доставляется как обычно
		require.NoError(t, s.QueueDTMF(dtmf.Event{Digit: dtmf.FaxDigit}))
		assert.True(t, s.HasDTMF())
	})

	t.Run("ошибки", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		err := ToneDetectSession(s, ToneSpec{Freqs: []float64{1000}})
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument))
		err = ToneDetectSession(s, ToneSpec{Key: "x"})
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument))
		err = StopToneDetectSession(s)
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeNotFound))
	})
}
