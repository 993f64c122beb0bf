package taps

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

const (
	inbandGenerateHook = "inband_dtmf_generate"
	// generateSkipFrames кадры без подмешивания после постановки цифры в очередь
	generateSkipFrames = 2
)

// inbandDetector распознает тональный набор в прочитанном потоке
type inbandDetector struct {
	mediabug.BaseBehavior

	s      *session.Session
	det    *dtmf.Detector
	bug    *mediabug.Bug
	logger *slog.Logger
}

func (d *inbandDetector) OnReadReplace(b *mediabug.Bug) bool {
	f := b.ReplaceFrame()
	if f == nil {
		return true
	}
	for _, digit := range d.det.Process(f.Samples) {
		ev := dtmf.Event{Digit: digit, Duration: dtmf.DefaultDuration, Source: dtmf.SourceInband}
		if err := d.s.QueueDTMF(ev); err != nil {
			d.logger.Warn("failed to queue inband dtmf", slog.String("error", err.Error()))
			continue
		}
		d.logger.Debug("inband dtmf detected", slog.String("digit", string(digit)))
	}
	return true
}

func (d *inbandDetector) OnClose(*mediabug.Bug) {
	d.s.Channel().DeletePrivate(slotInbandDetect, d)
}

// InbandDTMFSession запускает распознавание тонального набора.
// Распознанные цифры ставятся в очередь DTMF канала.
func InbandDTMFSession(s *session.Session) error {
	ch := s.Channel()
	if _, ok := ch.Private(slotInbandDetect); ok {
		return core.NewError(core.ErrorCodeAlreadyActive, s.ID(), "распознавание набора уже запущено")
	}
	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}
	d := &inbandDetector{
		s:      s,
		det:    dtmf.NewDetector(frame.DefaultSampleRate),
		logger: tapLogger(s, "inband_dtmf"),
	}
	bug, err := s.Chain().Attach("inband_dtmf", "", d, time.Time{}, mediabug.FlagReadReplace)
	if err != nil {
		return err
	}
	d.bug = bug
	ch.SetPrivate(slotInbandDetect, d)
	return nil
}

// StopInbandDTMFSession останавливает распознавание тонального набора
func StopInbandDTMFSession(s *session.Session) error {
	d, ok := session.PrivateAs[*inbandDetector](s.Channel(), slotInbandDetect)
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "распознавание набора не запущено")
	}
	return s.Chain().Detach(d.bug)
}

// inbandGenerator превращает логические DTMF события в тональный набор
type inbandGenerator struct {
	mediabug.BaseBehavior

	s         *session.Session
	player    *dtmf.Player
	keepOOB   bool
	skip      atomic.Int32
	bug       *mediabug.Bug
	direction session.Direction
}

func (g *inbandGenerator) hook(_ *session.Session, ev dtmf.Event, _ session.Direction) bool {
	if !g.player.Queue(ev) {
		return true
	}
	g.skip.Store(generateSkipFrames)
	return g.keepOOB
}

func (g *inbandGenerator) OnReadReplace(b *mediabug.Bug) bool  { return g.inject(b) }
func (g *inbandGenerator) OnWriteReplace(b *mediabug.Bug) bool { return g.inject(b) }

func (g *inbandGenerator) inject(b *mediabug.Bug) bool {
	if g.skip.Load() > 0 {
		g.skip.Add(-1)
		return true
	}
	if f := b.ReplaceFrame(); f != nil && g.player.Pending() > 0 {
		g.player.Fill(f.Samples)
	}
	return true
}

func (g *inbandGenerator) OnClose(*mediabug.Bug) {
	g.s.RemoveDTMFHook(g.direction, inbandGenerateHook)
	g.player.Reset()
	g.s.Channel().DeletePrivate(slotInbandGenerate, g)
}

// InbandDTMFGenerateSession синтезирует тональный набор из DTMF событий.
// При readStream тон подмешивается в прочитанный поток для полученных цифр,
// иначе в записываемый для отправляемых. keepOutOfBand оставляет исходное
// событие в обычной доставке.
func InbandDTMFGenerateSession(s *session.Session, readStream, keepOutOfBand bool) error {
	ch := s.Channel()
	if _, ok := ch.Private(slotInbandGenerate); ok {
		return core.NewError(core.ErrorCodeAlreadyActive, s.ID(), "генерация набора уже запущена")
	}
	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}

	g := &inbandGenerator{
		s:         s,
		player:    dtmf.NewPlayer(frame.DefaultSampleRate),
		keepOOB:   keepOutOfBand,
		direction: session.DirectionSend,
	}
	flags := mediabug.FlagWriteReplace
	if readStream {
		flags = mediabug.FlagReadReplace
		g.direction = session.DirectionRecv
	}

	bug, err := s.Chain().Attach("inband_dtmf_generate", "", g, time.Time{}, flags)
	if err != nil {
		return err
	}
	g.bug = bug
	ch.SetPrivate(slotInbandGenerate, g)
	s.AddDTMFHook(g.direction, inbandGenerateHook, g.hook)
	return nil
}

// StopInbandDTMFGenerateSession останавливает генерацию тонального набора
func StopInbandDTMFGenerateSession(s *session.Session) error {
	g, ok := session.PrivateAs[*inbandGenerator](s.Channel(), slotInbandGenerate)
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "генерация набора не запущена")
	}
	return s.Chain().Detach(g.bug)
}
