package taps

import (
	"strings"
	"sync"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

// audioLevel состояние одного направления
type audioLevel struct {
	mute  bool
	level int
}

// sessionAudio управление громкостью и отключением звука сессии
type sessionAudio struct {
	mediabug.BaseBehavior

	s     *session.Session
	mu    sync.Mutex
	read  audioLevel
	write audioLevel
	bug   *mediabug.Bug
}

func (a *sessionAudio) OnReadReplace(b *mediabug.Bug) bool {
	a.mu.Lock()
	st := a.read
	a.mu.Unlock()
	applyLevel(b, st)
	return true
}

func (a *sessionAudio) OnWriteReplace(b *mediabug.Bug) bool {
	a.mu.Lock()
	st := a.write
	a.mu.Unlock()
	applyLevel(b, st)
	return true
}

func applyLevel(b *mediabug.Bug, st audioLevel) {
	f := b.ReplaceFrame()
	if f == nil {
		return
	}
	switch {
	case st.mute:
		f.Silence()
	case st.level != 0:
		frame.ChangeLevel(f.Samples, st.level)
	}
}

func (a *sessionAudio) OnClose(*mediabug.Bug) {
	a.s.Channel().DeletePrivate(slotSessionAudio, a)
}

// SessionAudio управляет звуком сессии. cmd "mute" отключает звук при
// ненулевом level и включает при нулевом; "level" меняет громкость шагами
// от -4 до 4. direction: "read", "write" или "both".
func SessionAudio(s *session.Session, cmd, direction string, level int) error {
	cmd = strings.ToLower(cmd)
	if cmd != "mute" && cmd != "level" {
		return core.Errorf(core.ErrorCodeInvalidArgument, "неизвестная команда звука: %q", cmd)
	}
	if level < -4 || level > 4 {
		return core.Errorf(core.ErrorCodeInvalidArgument, "уровень вне диапазона -4..4: %d", level)
	}
	var read, write bool
	switch strings.ToLower(direction) {
	case "read":
		read = true
	case "write":
		write = true
	case "both", "":
		read, write = true, true
	default:
		return core.Errorf(core.ErrorCodeInvalidArgument, "неизвестное направление: %q", direction)
	}

	ch := s.Channel()
	a, exists := session.PrivateAs[*sessionAudio](ch, slotSessionAudio)
	if !exists {
		if !s.MediaReady() {
			return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
		}
		a = &sessionAudio{s: s}
	}

	a.mu.Lock()
	update := func(st *audioLevel) {
		if cmd == "mute" {
			st.mute = level != 0
		} else {
			st.level = level
		}
	}
	if read {
		update(&a.read)
	}
	if write {
		update(&a.write)
	}
	a.mu.Unlock()

	if exists {
		return nil
	}
	bug, err := s.Chain().Attach("session_audio", "", a, time.Time{},
		mediabug.FlagReadReplace|mediabug.FlagWriteReplace|mediabug.FlagNoPause)
	if err != nil {
		return err
	}
	a.bug = bug
	ch.SetPrivate(slotSessionAudio, a)
	return nil
}

// StopSessionAudio снимает управление звуком
func StopSessionAudio(s *session.Session) error {
	a, ok := session.PrivateAs[*sessionAudio](s.Channel(), slotSessionAudio)
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "управление звуком не запущено")
	}
	return s.Chain().Detach(a.bug)
}
