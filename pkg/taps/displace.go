package taps

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/fileio"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

// DisplaceFlags разобранные флаги подмешивания: m смешивать, l повторять,
// r заменять прочитанный кадр вместо записываемого
type DisplaceFlags struct {
	Mux  bool
	Loop bool
	Read bool
}

// ParseDisplaceFlags разбирает строку флагов "mlr"
func ParseDisplaceFlags(s string) DisplaceFlags {
	return DisplaceFlags{
		Mux:  strings.ContainsRune(s, 'm'),
		Loop: strings.ContainsRune(s, 'l'),
		Read: strings.ContainsRune(s, 'r'),
	}
}

type displacer struct {
	mediabug.BaseBehavior

	s      *session.Session
	path   string
	fh     fileio.Handle
	flags  DisplaceFlags
	buf    []int16
	logger *slog.Logger
}

func (d *displacer) OnReadReplace(b *mediabug.Bug) bool  { return d.fill(b) }
func (d *displacer) OnWriteReplace(b *mediabug.Bug) bool { return d.fill(b) }

// fill подменяет или смешивает очередной блок файла с кадром.
// Конец файла без повтора останавливает bug.
func (d *displacer) fill(b *mediabug.Bug) bool {
	f := b.ReplaceFrame()
	if f == nil {
		return true
	}
	need := len(f.Samples)
	if cap(d.buf) < need {
		d.buf = make([]int16, need)
	}
	buf := d.buf[:need]

	got := 0
	for got < need {
		n, err := d.fh.Read(buf[got:])
		got += n
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			d.logger.Warn("displace read failed", slog.String("error", err.Error()))
			return false
		}
		if !d.flags.Loop {
			break
		}
		if _, err := d.fh.Seek(0, io.SeekStart); err != nil || d.fh.Samples() == 0 {
			return false
		}
	}

	if d.flags.Mux {
		frame.Mix(f.Samples, buf[:got])
	} else {
		copy(f.Samples, buf[:got])
		clear(f.Samples[got:])
	}
	return got == need || d.flags.Loop
}

func (d *displacer) OnClose(*mediabug.Bug) {
	if err := d.fh.Close(); err != nil {
		d.logger.Warn("displace close failed", slog.String("error", err.Error()))
	}
	d.s.Channel().DeletePrivate(slotDisplacePrefix+d.path, d)
	d.logger.Debug("displace stopped", slog.String("path", d.path))
}

// DisplaceSession подмешивает аудио файл в поток сессии.
// Один и тот же файл может быть подключен к сессии только один раз.
func DisplaceSession(s *session.Session, path string, limit time.Duration, flags string) error {
	logger := tapLogger(s, "displace")
	slot := slotDisplacePrefix + path
	ch := s.Channel()

	if _, ok := ch.Private(slot); ok {
		return core.NewError(core.ErrorCodeAlreadyActive, s.ID(), "файл уже подмешивается").WithContext("path", path)
	}
	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}

	d := &displacer{s: s, path: path, flags: ParseDisplaceFlags(flags), logger: logger}
	// слот занимается до открытия файла, второй вызов не открывает его повторно
	if !ch.SetPrivateIfAbsent(slot, d) {
		return core.NewError(core.ErrorCodeAlreadyActive, s.ID(), "файл уже подмешивается").WithContext("path", path)
	}

	fh, err := fileio.Open(path, fileio.ModeRead, 0, 0)
	if err != nil {
		ch.DeletePrivate(slot, d)
		logger.Error("failed to open displace file", slog.String("path", path), slog.String("error", err.Error()))
		return err
	}
	d.fh = fh

	bf := mediabug.FlagWriteReplace
	if d.flags.Read {
		bf = mediabug.FlagReadReplace
	}
	if _, err := s.Chain().Attach("displace", path, d, expiresAfter(limit), bf); err != nil {
		ch.DeletePrivate(slot, d)
		return err
	}
	logger.Debug("displace started", slog.String("path", path), slog.Bool("mux", d.flags.Mux), slog.Bool("loop", d.flags.Loop))
	return nil
}

// StopDisplaceSession прекращает подмешивание файла path; пустой путь останавливает все
func StopDisplaceSession(s *session.Session, path string) error {
	found := false
	for _, b := range s.Chain().Bugs() {
		if b.Name() != "displace" || (path != "" && b.Target() != path) {
			continue
		}
		found = true
		if err := s.Chain().Detach(b); err != nil {
			return err
		}
	}
	if !found {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "подмешивание не найдено").WithContext("path", path)
	}
	return nil
}
