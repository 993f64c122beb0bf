package taps

import (
	"testing"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, s *session.Session, digits string) {
	t.Helper()
	for i := 0; i < len(digits); i++ {
		require.NoError(t, s.QueueDTMF(dtmf.Event{Digit: digits[i]}))
	}
}

func queued(s *session.Session) string {
	var out []byte
	for {
		ev, ok := s.DequeueDTMF()
		if !ok {
			return string(out)
		}
		out = append(out, ev.Digit)
	}
}

func TestBindMetaApp(t *testing.T) {
	t.Run("мета-клавиша и цифра", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, _ := newMediaSession(t, session.Config{Executor: exec})
		require.NoError(t, BindMetaApp(s, '1', MetaExecALeg|MetaExecInline, "park::now"))

		dial(t, s, "*1")
		assert.Empty(t, queued(s))
		assert.Equal(t, []execCall{{session: s.ID(), app: "park", arg: "now"}}, exec.snapshot())

		dial(t, s, "5*9")
		assert.Equal(t, "59", queued(s), "цифра без привязки проходит")
		assert.Len(t, exec.snapshot(), 1)
	})

	t.Run("однократная привязка и асинхронный запуск", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, _ := newMediaSession(t, session.Config{Executor: exec})
		require.NoError(t, BindMetaApp(s, 'a', MetaOnce, "/tmp/beep.wav"))

		dial(t, s, "*A")
		waitFor(t, func() bool { return len(exec.snapshot()) == 1 })
		assert.Equal(t, execCall{session: s.ID(), app: "playback", arg: "/tmp/beep.wav"}, exec.snapshot()[0])

		dial(t, s, "*A")
		assert.Equal(t, "A", queued(s))
	})

	t.Run("ожидание цифры истекает", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, _ := newMediaSession(t, session.Config{Executor: exec})
		require.NoError(t, BindMetaApp(s, '2', MetaExecInline, "hold::"))

		m, ok := session.PrivateAs[*metaBinder](s.Channel(), slotMetaBinder)
		require.True(t, ok)
		now := time.Now()
		m.now = func() time.Time { return now }

		dial(t, s, "*")
		now = now.Add(MetaTimeout + time.Second)
		dial(t, s, "2")
		assert.Equal(t, "2", queued(s))
		assert.Empty(t, exec.snapshot())
	})

	t.Run("исполнение на соединенном плече", func(t *testing.T) {
		execA, execB := &recordingExecutor{}, &recordingExecutor{}
		a, _ := newMediaSession(t, session.Config{Executor: execA})
		b, _ := newMediaSession(t, session.Config{Executor: execB})
		session.Bridge(a, b)

		require.NoError(t, BindMetaApp(a, '3', MetaExecOpposite|MetaExecInline, "record::/tmp/x.wav"))
		dial(t, a, "*3")
		assert.Empty(t, execA.snapshot())
		assert.Equal(t, []execCall{{session: b.ID(), app: "record", arg: "/tmp/x.wav"}}, execB.snapshot())
	})

	t.Run("внутреннее плечо не перехватывает", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{Executor: &recordingExecutor{}})
		require.NoError(t, BindMetaApp(s, '1', MetaExecInline, "park::"))
		s.Channel().SetFlag(session.FlagInnerBridge)
		dial(t, s, "*1")
		assert.Equal(t, "*1", queued(s))
	})

	t.Run("своя мета-клавиша", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, _ := newMediaSession(t, session.Config{Executor: exec})
		s.Channel().SetVariable(VarBindMetaKey, "#")
		require.NoError(t, BindMetaApp(s, '1', MetaExecInline, "park::"))
		dial(t, s, "*1#1")
		assert.Equal(t, "*1", queued(s))
		assert.Len(t, exec.snapshot(), 1)
	})

	t.Run("снятие привязок", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{Executor: &recordingExecutor{}})
		assert.True(t, core.HasErrorCode(UnbindMetaApp(s, 0), core.ErrorCodeNotFound))

		require.NoError(t, BindMetaApp(s, '1', MetaExecInline, "park::"))
		require.NoError(t, BindMetaApp(s, '2', MetaExecInline, "hold::"))
		require.NoError(t, UnbindMetaApp(s, '1'))
		dial(t, s, "*1")
		assert.Equal(t, "1", queued(s))

		require.NoError(t, UnbindMetaApp(s, 0))
		_, ok := s.Channel().Private(slotMetaBinder)
		assert.False(t, ok)
		dial(t, s, "*2")
		assert.Equal(t, "*2", queued(s))
	})

	t.Run("ошибки", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		assert.True(t, core.HasErrorCode(BindMetaApp(s, 'x', 0, "park::"), core.ErrorCodeInvalidArgument))
		assert.True(t, core.HasErrorCode(BindMetaApp(s, '*', 0, "park::"), core.ErrorCodeInvalidArgument))
		assert.True(t, core.HasErrorCode(BindMetaApp(s, '1', 0, ""), core.ErrorCodeInvalidArgument))
	})
}
