package taps

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/fileio"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) ([]int16, fileio.Handle) {
	t.Helper()
	fh, err := fileio.Open(path, fileio.ModeRead, 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fh.Close() })
	buf := make([]int16, fh.Samples()*int64(fh.Channels()))
	n, err := fh.Read(buf)
	require.NoError(t, err)
	return buf[:n], fh
}

func TestRecordSession(t *testing.T) {
	t.Run("запись сохраняется и смешивает направления", func(t *testing.T) {
		exec := &recordingExecutor{}
		s, ep := newMediaSession(t, session.Config{Executor: exec})
		path := filepath.Join(t.TempDir(), "call.wav")
		s.Channel().SetVariable(VarRecordPostExecApp, "convert::"+RecordPathPlaceholder+" mp3")
		s.Channel().SetVariable("RECORD_TITLE", "тестовый звонок")

		require.NoError(t, RecordSession(s, path, 0, RecordOptions{MinSeconds: 1}))
		pump(t, s, ep, 100, 100, 200)
		require.NoError(t, StopRecordSession(s, path))

		ch := s.Channel()
		assert.Equal(t, "16000", ch.GetVariable("record_samples"))
		assert.Equal(t, "2", ch.GetVariable("record_seconds"))
		assert.Equal(t, "2000", ch.GetVariable("record_ms"))
		assert.Empty(t, ch.GetVariable(VarRecordDiscarded))

		samples, fh := readAll(t, path)
		assert.Len(t, samples, 16000)
		assert.Equal(t, int16(300), samples[0])
		assert.Equal(t, "тестовый звонок", fh.Tag(fileio.TagTitle))

		calls := exec.snapshot()
		require.Len(t, calls, 1)
		assert.Equal(t, "convert", calls[0].app)
		assert.Equal(t, path+" mp3", calls[0].arg)

		var types []event.Type
		for _, ev := range drainEvents(s) {
			types = append(types, ev.Type)
			assert.Equal(t, path, ev.Header("Record-File-Path"))
		}
		assert.Equal(t, []event.Type{event.TypeRecordStart, event.TypeRecordStop}, types)
	})

	t.Run("короткая запись удаляется", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := filepath.Join(t.TempDir(), "short.wav")
		s.Channel().SetVariable(VarRecordMinSec, "1")

		require.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
		pump(t, s, ep, 10, 100, 200)
		require.NoError(t, StopRecordSession(s, path))

		assert.True(t, s.Channel().VariableTrue(VarRecordDiscarded))
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("стерео запись", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := filepath.Join(t.TempDir(), "stereo.wav")

		require.NoError(t, RecordSession(s, path, 0, RecordOptions{Stereo: true}))
		b, ok := s.Chain().Find("record")
		require.True(t, ok)
		assert.Equal(t, path, b.Target())

		pump(t, s, ep, 10, 100, 200)
		require.NoError(t, StopRecordSession(s, path))

		samples, fh := readAll(t, path)
		assert.Equal(t, 2, fh.Channels())
		assert.Equal(t, int64(1600), fh.Samples())
		assert.Equal(t, []int16{100, 200}, samples[:2])
	})

	t.Run("повторный вызов", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		path := filepath.Join(t.TempDir(), "dup.raw")

		require.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
		require.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
		assert.Equal(t, 1, s.Chain().Count())

		s.Channel().SetVariable(VarRecordToggleOnRepeat, "true")
		require.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
		assert.Equal(t, 0, s.Chain().Count())
	})

	t.Run("параллельные вызовы одного файла", func(t *testing.T) {
		s, _ := newMediaSession(t, session.Config{})
		path := filepath.Join(t.TempDir(), "race.raw")

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, s.Chain().Count())
		require.NoError(t, StopRecordSession(s, path))
	})

	t.Run("ошибки", func(t *testing.T) {
		s, err := session.New(session.Config{Endpoint: &memEndpoint{}})
		require.NoError(t, err)
		defer s.Hangup(session.CauseNormalClearing)

		err = RecordSession(s, filepath.Join(t.TempDir(), "x.wav"), 0, RecordOptions{})
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeNotReady))

		s.SetMediaUp()
		mp3 := filepath.Join(t.TempDir(), "x.mp3")
		err = RecordSession(s, mp3, 0, RecordOptions{})
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeInvalidArgument))
		_, held := s.Channel().Private(slotRecordPrefix + mp3)
		assert.False(t, held, "слот освобождается при ошибке открытия")

		err = StopRecordSession(s, "all")
		assert.True(t, core.HasErrorCode(err, core.ErrorCodeNotFound))
	})

	t.Run("hangup закрывает запись", func(t *testing.T) {
		s, ep := newMediaSession(t, session.Config{})
		path := filepath.Join(t.TempDir(), "hangup.wav")

		require.NoError(t, RecordSession(s, path, 0, RecordOptions{}))
		pump(t, s, ep, 5, 1, 1)
		s.Hangup(session.CauseNormalClearing)

		assert.Equal(t, "800", s.Channel().GetVariable("record_samples"))
		_, ok := s.Channel().Private(slotRecordPrefix + path)
		assert.False(t, ok)
	})
}
