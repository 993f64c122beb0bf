package taps

import (
	"context"
	"testing"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eavesdropPair(t *testing.T) (caller, target *session.Session, callerEP, targetEP *memEndpoint, reg *session.Registry) {
	t.Helper()
	reg = session.NewRegistry()
	caller, callerEP = newMediaSession(t, session.Config{})
	target, targetEP = newMediaSession(t, session.Config{})
	require.NoError(t, reg.Add(caller))
	require.NoError(t, reg.Add(target))
	return caller, target, callerEP, targetEP, reg
}

var fastReady = EavesdropOptions{EnableDTMF: true, ReadyRetries: 2, ReadyInterval: time.Millisecond}

func TestEavesdropAttach(t *testing.T) {
	ctx := context.Background()

	t.Run("ошибки подключения", func(t *testing.T) {
		caller, _, _, _, reg := eavesdropPair(t)

		_, err := AttachEavesdrop(ctx, caller, reg, caller.ID(), fastReady)
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument))

		_, err = AttachEavesdrop(ctx, caller, reg, "missing", fastReady)
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeNotFound))

		idle, err := session.New(session.Config{Endpoint: &memEndpoint{}})
		require.NoError(t, err)
		defer idle.Hangup(session.CauseNormalClearing)
		require.NoError(t, reg.Add(idle))

		_, err = AttachEavesdrop(ctx, caller, reg, idle.ID(), fastReady)
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeNotReady))
		assert.Equal(t, 0, idle.Refs())
	})

	t.Run("подключение и отключение", func(t *testing.T) {
		caller, target, _, _, reg := eavesdropPair(t)

		e, err := AttachEavesdrop(ctx, caller, reg, target.ID(), fastReady)
		require.NoError(t, err)
		assert.Same(t, target, e.Target())
		assert.Equal(t, 1, target.Refs())
		assert.True(t, target.Channel().TestFlag(session.FlagEavesdropped))
		assert.True(t, caller.Channel().TestFlag(session.FlagBridged))
		assert.Equal(t, 1, target.Chain().Count())

		e.Close()
		e.Close()
		assert.Equal(t, 0, target.Refs())
		assert.False(t, target.Channel().TestFlag(session.FlagEavesdropped))
		assert.False(t, caller.Channel().TestFlag(session.FlagBridged))
		assert.Equal(t, 0, target.Chain().Count())
	})
}

func TestEavesdropMuxToggle(t *testing.T) {
	caller, target, _, _, reg := eavesdropPair(t)
	e, err := AttachEavesdrop(context.Background(), caller, reg, target.ID(), fastReady)
	require.NoError(t, err)
	defer e.Close()

	_, read, write := e.Buffers()
	fill := func() {
		read.Write(constSamples(320, 1))
		write.Write(constSamples(320, 1))
	}

	steps := []struct {
		digit byte
		want  MuxFlag
	}{
		{'1', MuxRead},
		{'2', MuxWrite},
		{'3', MuxBoth},
		{'0', MuxNone},
	}
	for _, st := range steps {
		fill()
		exit, consumed := e.HandleDigit(st.digit)
		assert.False(t, exit)
		assert.True(t, consumed)
		assert.Equal(t, st.want, e.Mux())
		assert.Zero(t, read.InUse(), "буфер read после %c", st.digit)
		assert.Zero(t, write.InUse(), "буфер write после %c", st.digit)
	}

	_, consumed := e.HandleDigit('7')
	assert.False(t, consumed)

	exit, _ := e.HandleDigit(DefaultPanicDigit)
	assert.True(t, exit)
}

func TestEavesdropMedia(t *testing.T) {
	ctx := context.Background()
	caller, target, callerEP, targetEP, reg := eavesdropPair(t)

	e, err := AttachEavesdrop(ctx, caller, reg, target.ID(), fastReady)
	require.NoError(t, err)
	defer e.Close()
	listen, read, _ := e.Buffers()

	t.Run("голос подмешивается в поток цели", func(t *testing.T) {
		e.SetMux(MuxRead)
		read.Write(constSamples(160, 50))

		targetEP.push(constSamples(160, 100))
		f, err := target.ReadFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, int16(150), f.Samples[0])

		require.NoError(t, target.WriteFrame(ctx, &frame.Frame{
			Samples: constSamples(160, 200), Rate: frame.DefaultSampleRate, Channels: 1,
		}))
		out := targetEP.written()
		require.Len(t, out, 1)
		assert.Equal(t, int16(200), out[0].Samples[0])

		// прослушивающий слышит оба направления цели до подмешивания
		assert.Equal(t, 160, listen.InUse())
	})

	t.Run("шаг прослушивания", func(t *testing.T) {
		callerEP.push(constSamples(160, 7))
		ok, err := e.Step(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 160, read.InUse())
		assert.Zero(t, listen.InUse())

		out := callerEP.written()
		require.Len(t, out, 1)
		assert.Equal(t, int16(300), out[0].Samples[0])
	})

	t.Run("цифра выхода", func(t *testing.T) {
		require.NoError(t, caller.QueueDTMF(dtmf.Event{Digit: DefaultPanicDigit}))
		ok, err := e.Step(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEavesdropSession(t *testing.T) {
	caller, target, _, _, reg := eavesdropPair(t)
	require.NoError(t, caller.QueueDTMF(dtmf.Event{Digit: '#'}))

	opts := fastReady
	opts.PanicDigit = '#'
	require.NoError(t, EavesdropSession(context.Background(), caller, reg, target.ID(), opts))

	assert.Equal(t, 0, target.Refs())
	assert.Equal(t, 0, target.Chain().Count())
	_, ok := caller.Channel().Private(slotEavesdrop)
	assert.False(t, ok)
}
