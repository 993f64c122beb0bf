package taps

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/fileio"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

// Переменные канала, управляющие записью
const (
	VarRecordMinSec         = "RECORD_MIN_SEC"
	VarRecordHangupOnError  = "RECORD_HANGUP_ON_ERROR"
	VarRecordToggleOnRepeat = "RECORD_TOGGLE_ON_REPEAT"
	VarRecordReadOnly       = "RECORD_READ_ONLY"
	VarRecordWriteOnly      = "RECORD_WRITE_ONLY"
	VarRecordStereo         = "RECORD_STEREO"
	VarRecordDiscarded      = "RECORD_DISCARDED"
	VarRecordPostExecApp    = "record_post_process_exec_app"
	VarRecordPostExecAPI    = "record_post_process_exec_api"

	// RecordPathPlaceholder заменяется путем файла в командах постобработки
	RecordPathPlaceholder = "${record_file_path}"
)

var recordTagVars = map[fileio.Tag]string{
	fileio.TagTitle:     "RECORD_TITLE",
	fileio.TagArtist:    "RECORD_ARTIST",
	fileio.TagComment:   "RECORD_COMMENT",
	fileio.TagDate:      "RECORD_DATE",
	fileio.TagCopyright: "RECORD_COPYRIGHT",
	fileio.TagSoftware:  "RECORD_SOFTWARE",
}

// RecordOptions параметры записи. Переменные канала дополняют их.
type RecordOptions struct {
	MinSeconds    int // Минимальная длительность; короче файл удаляется
	Rate          int // Частота файла, по умолчанию 8000
	ReadOnly      bool
	WriteOnly     bool
	Stereo        bool
	HangupOnError bool
}

type recorder struct {
	mediabug.BaseBehavior

	s       *session.Session
	path    string
	fh      fileio.Handle
	rate    int
	min     int64 // минимум отсчетов на канал
	hangup  bool
	samples int64
	failed  bool
	logger  *slog.Logger
}

func (r *recorder) OnInit(*mediabug.Bug) bool {
	emit(r.s, r.s.NewEvent(event.TypeRecordStart).AddHeader("Record-File-Path", r.path))
	return true
}

func (r *recorder) OnRead(b *mediabug.Bug) bool  { return r.pump(b, false) }
func (r *recorder) OnWrite(b *mediabug.Bug) bool { return r.pump(b, false) }

// pump переносит накопленные кадры в файл
func (r *recorder) pump(b *mediabug.Bug, drain bool) bool {
	for {
		var f *frame.Frame
		var ok bool
		if drain {
			f, ok = b.DrainStream()
		} else {
			f, ok = b.ReadStream()
		}
		if !ok {
			return true
		}
		if r.failed {
			continue
		}
		if _, err := r.fh.Write(f.Samples); err != nil {
			r.failed = true
			r.logger.Warn("record write failed", slog.String("error", err.Error()))
			if r.hangup {
				// Hangup закрывает цепочку и не может выполняться внутри обработчика bug'а
				go r.s.Hangup(session.CauseNormalClearing)
				return false
			}
			continue
		}
		r.samples = r.fh.Samples()
	}
}

func (r *recorder) OnClose(b *mediabug.Bug) {
	r.pump(b, true)
	r.s.Channel().DeletePrivate(slotRecordPrefix+r.path, r)

	for tag, name := range recordTagVars {
		if v := r.s.Channel().GetVariable(name); v != "" {
			r.fh.SetTag(tag, v)
		}
	}
	if err := r.fh.Close(); err != nil {
		r.logger.Warn("record close failed", slog.String("error", err.Error()))
	}

	ch := r.s.Channel()
	if r.samples < r.min {
		if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove short recording", slog.String("error", err.Error()))
		}
		ch.SetVariable(VarRecordDiscarded, "true")
		r.logger.Debug("recording discarded",
			slog.String("path", r.path),
			slog.Int64("samples", r.samples))
	} else {
		ms := r.samples * 1000 / int64(r.rate)
		ch.SetVariable("record_samples", strconv.FormatInt(r.samples, 10))
		ch.SetVariable("record_seconds", strconv.FormatInt(ms/1000, 10))
		ch.SetVariable("record_ms", strconv.FormatInt(ms, 10))
		r.postProcess()
	}

	emit(r.s, r.s.NewEvent(event.TypeRecordStop).AddHeader("Record-File-Path", r.path))
}

func (r *recorder) postProcess() {
	ch := r.s.Channel()
	if cmd := ch.GetVariable(VarRecordPostExecApp); cmd != "" {
		app, arg := session.SplitApp(strings.ReplaceAll(cmd, RecordPathPlaceholder, r.path))
		if err := r.s.Execute(context.Background(), app, arg); err != nil {
			r.logger.Warn("record post process app failed", slog.String("error", err.Error()))
		}
	}
	if cmd := ch.GetVariable(VarRecordPostExecAPI); cmd != "" {
		api, arg := session.SplitApp(strings.ReplaceAll(cmd, RecordPathPlaceholder, r.path))
		if _, err := r.s.ExecuteAPI(context.Background(), api, arg); err != nil {
			r.logger.Warn("record post process api failed", slog.String("error", err.Error()))
		}
	}
}

// RecordSession начинает запись сессии в файл. limit ограничивает
// длительность записи. Повторный вызов для того же файла либо
// останавливает запись (RECORD_TOGGLE_ON_REPEAT), либо игнорируется.
func RecordSession(s *session.Session, path string, limit time.Duration, opts RecordOptions) error {
	logger := tapLogger(s, "record")
	ch := s.Channel()
	slot := slotRecordPrefix + path

	duplicate := func() error {
		if ch.VariableTrue(VarRecordToggleOnRepeat) {
			return StopRecordSession(s, path)
		}
		logger.Warn("already recording", slog.String("path", path))
		return nil
	}
	if _, ok := ch.Private(slot); ok {
		return duplicate()
	}
	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}

	if v := ch.GetVariable(VarRecordMinSec); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MinSeconds = n
		}
	} else if opts.MinSeconds == 0 && s.Runtime() != nil {
		opts.MinSeconds = s.Runtime().Config().Record.MinSeconds
	}
	opts.ReadOnly = opts.ReadOnly || ch.VariableTrue(VarRecordReadOnly)
	opts.WriteOnly = opts.WriteOnly || ch.VariableTrue(VarRecordWriteOnly)
	opts.Stereo = opts.Stereo || ch.VariableTrue(VarRecordStereo)
	opts.HangupOnError = opts.HangupOnError || ch.VariableTrue(VarRecordHangupOnError)
	if opts.Rate <= 0 {
		opts.Rate = frame.DefaultSampleRate
	}

	flags := mediabug.FlagReadStream | mediabug.FlagWriteStream
	channels := 1
	switch {
	case opts.ReadOnly:
		flags = mediabug.FlagReadStream
	case opts.WriteOnly:
		flags = mediabug.FlagWriteStream
	case opts.Stereo:
		flags |= mediabug.FlagStereo
		channels = 2
	}

	rec := &recorder{
		s:      s,
		path:   path,
		rate:   opts.Rate,
		min:    int64(opts.MinSeconds * opts.Rate),
		hangup: opts.HangupOnError,
		logger: logger,
	}
	// слот занимается до открытия файла, параллельный вызов видит дубликат
	if !ch.SetPrivateIfAbsent(slot, rec) {
		return duplicate()
	}

	fh, err := fileio.Open(path, fileio.ModeWrite, opts.Rate, channels)
	if err != nil {
		ch.DeletePrivate(slot, rec)
		logger.Error("failed to open record file", slog.String("path", path), slog.String("error", err.Error()))
		return err
	}
	rec.fh = fh

	if _, err := s.Chain().Attach("record", path, rec, expiresAfter(limit), flags); err != nil {
		// OnClose уже закрыл файл, если bug отклонил инициализацию
		ch.DeletePrivate(slot, rec)
		return err
	}
	logger.Debug("recording started", slog.String("path", path), slog.Int("min_seconds", opts.MinSeconds))
	return nil
}

// StopRecordSession останавливает запись файла path; "all" останавливает все записи
func StopRecordSession(s *session.Session, path string) error {
	found := false
	for _, b := range s.Chain().Bugs() {
		if b.Name() != "record" || (path != "all" && b.Target() != path) {
			continue
		}
		found = true
		if err := s.Chain().Detach(b); err != nil {
			return err
		}
	}
	if !found {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "запись не найдена").WithContext("path", path)
	}
	return nil
}
