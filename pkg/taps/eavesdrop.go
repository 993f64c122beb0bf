package taps

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

// MuxFlag направления, в которые подмешивается голос прослушивающего
type MuxFlag uint32

// MuxRead подмешивает голос в прочитанный целевой сессией поток,
// MuxWrite в поток, который слышит целевая сессия.
const (
	MuxNone  MuxFlag = 0
	MuxRead  MuxFlag = 1 << 0
	MuxWrite MuxFlag = 1 << 1
	MuxBoth  MuxFlag = MuxRead | MuxWrite
)

const (
	// DefaultPanicDigit цифра выхода из прослушивания
	DefaultPanicDigit = '*'

	eavesdropBufferSamples = frame.DefaultSampleRate // секунда звука
)

// EavesdropOptions параметры прослушивания
type EavesdropOptions struct {
	Mux        MuxFlag // Начальные направления подмешивания
	EnableDTMF bool    // Цифры 0-3 переключают подмешивание
	PanicDigit byte    // Цифра выхода, по умолчанию '*'
	PassDTMF   bool    // Остальные цифры передаются целевой сессии

	ReadyRetries  int
	ReadyInterval time.Duration
}

// Eavesdropper прослушивание целевой сессии. Кадры цели накапливаются
// в буфере listen, голос прослушивающего в буферах read и write;
// у каждого буфера свой мьютекс.
type Eavesdropper struct {
	mediabug.BaseBehavior

	caller *session.Session
	target *session.Session
	bug    *mediabug.Bug
	opts   EavesdropOptions

	listen *frame.Ring
	read   *frame.Ring
	write  *frame.Ring
	mux    atomic.Uint32
	done   atomic.Bool

	logger *slog.Logger
}

// AttachEavesdrop находит целевую сессию, дожидается готовности ее медиа и
// подключает к ней bug прослушивания. Для прослушивающего это виртуальное
// соединение: обе стороны получают уведомление о входе в bridge.
func AttachEavesdrop(ctx context.Context, caller *session.Session, reg *session.Registry, targetID string, opts EavesdropOptions) (*Eavesdropper, error) {
	if targetID == caller.ID() {
		return nil, core.NewError(core.ErrorCodeInvalidArgument, caller.ID(), "нельзя прослушивать самого себя")
	}
	if opts.PanicDigit == 0 {
		opts.PanicDigit = DefaultPanicDigit
	}
	if rt := caller.Runtime(); rt != nil {
		cfg := rt.Config().Eavesdrop
		if opts.ReadyRetries <= 0 {
			opts.ReadyRetries = cfg.ReadyRetries
		}
		if opts.ReadyInterval <= 0 {
			opts.ReadyInterval = cfg.ReadyInterval
		}
	}
	if opts.ReadyRetries <= 0 {
		opts.ReadyRetries = 100
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 20 * time.Millisecond
	}

	target, err := reg.Locate(targetID)
	if err != nil {
		return nil, err
	}

	e := &Eavesdropper{
		caller: caller,
		target: target,
		opts:   opts,
		listen: frame.NewRing(eavesdropBufferSamples),
		read:   frame.NewRing(eavesdropBufferSamples),
		write:  frame.NewRing(eavesdropBufferSamples),
		logger: tapLogger(caller, "eavesdrop").With(slog.String("target_id", targetID)),
	}
	e.mux.Store(uint32(opts.Mux))

	if err := waitMediaReady(ctx, target, opts.ReadyRetries, opts.ReadyInterval); err != nil {
		target.RWUnlock()
		return nil, err
	}

	flags := mediabug.FlagReadStream | mediabug.FlagWriteStream |
		mediabug.FlagReadReplace | mediabug.FlagWriteReplace
	bug, err := target.Chain().Attach("eavesdrop", caller.ID(), e, time.Time{}, flags)
	if err != nil {
		target.RWUnlock()
		return nil, err
	}
	e.bug = bug

	caller.Channel().SetPrivate(slotEavesdrop, e)
	target.Channel().SetFlag(session.FlagEavesdropped)
	caller.NotifyBridge(target, true)
	e.logger.Debug("eavesdrop started")
	return e, nil
}

// waitMediaReady опрашивает готовность медиа ограниченное число раз
func waitMediaReady(ctx context.Context, s *session.Session, retries int, interval time.Duration) error {
	for i := 0; i < retries; i++ {
		if s.MediaReady() {
			return nil
		}
		if !s.Ready() {
			return core.NewError(core.ErrorCodeNotReady, s.ID(), "сессия завершена")
		}
		select {
		case <-ctx.Done():
			return core.WrapError(core.ErrorCodeTimeout, s.ID(), "ожидание медиа прервано", ctx.Err())
		case <-time.After(interval):
		}
	}
	if s.MediaReady() {
		return nil
	}
	return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа целевой сессии не готово")
}

// Mux возвращает текущие направления подмешивания
func (e *Eavesdropper) Mux() MuxFlag {
	return MuxFlag(e.mux.Load())
}

// SetMux переключает подмешивание и очищает буферы голоса
func (e *Eavesdropper) SetMux(m MuxFlag) {
	e.mux.Store(uint32(m & MuxBoth))
	e.read.Zero()
	e.write.Zero()
	e.logger.Debug("eavesdrop mux changed", slog.Int("mux", int(m)))
}

// Buffers возвращает буферы listen, read и write
func (e *Eavesdropper) Buffers() (listen, read, write *frame.Ring) {
	return e.listen, e.read, e.write
}

// Target возвращает прослушиваемую сессию
func (e *Eavesdropper) Target() *session.Session {
	return e.target
}

// HandleDigit обрабатывает командную цифру. Возвращает true для цифры выхода.
// consumed показывает, что цифра была командой.
func (e *Eavesdropper) HandleDigit(d byte) (exit, consumed bool) {
	if d == e.opts.PanicDigit {
		return true, true
	}
	if !e.opts.EnableDTMF {
		return false, false
	}
	switch d {
	case '0':
		e.SetMux(MuxNone)
	case '1':
		e.SetMux(MuxRead)
	case '2':
		e.SetMux(MuxWrite)
	case '3':
		e.SetMux(MuxBoth)
	default:
		return false, false
	}
	return false, true
}

func (e *Eavesdropper) OnRead(b *mediabug.Bug) bool  { return e.collect(b) }
func (e *Eavesdropper) OnWrite(b *mediabug.Bug) bool { return e.collect(b) }

func (e *Eavesdropper) collect(b *mediabug.Bug) bool {
	for {
		f, ok := b.ReadStream()
		if !ok {
			return !e.done.Load()
		}
		e.listen.Write(f.Samples)
	}
}

func (e *Eavesdropper) OnReadReplace(b *mediabug.Bug) bool {
	if e.Mux()&MuxRead != 0 {
		e.mixFrom(e.read, b.ReplaceFrame())
	}
	return !e.done.Load()
}

func (e *Eavesdropper) OnWriteReplace(b *mediabug.Bug) bool {
	if e.Mux()&MuxWrite != 0 {
		e.mixFrom(e.write, b.ReplaceFrame())
	}
	return !e.done.Load()
}

func (e *Eavesdropper) mixFrom(r *frame.Ring, f *frame.Frame) {
	if f == nil {
		return
	}
	tmp := make([]int16, len(f.Samples))
	n := r.Read(tmp)
	frame.Mix(f.Samples, tmp[:n])
}

func (e *Eavesdropper) OnClose(*mediabug.Bug) {
	e.done.Store(true)
}

// Step выполняет одну итерацию прослушивания в медиа горутине прослушивающего:
// обработка цифр, чтение голоса в буферы подмешивания и запись услышанного.
// Возвращает false, когда прослушивание закончено.
func (e *Eavesdropper) Step(ctx context.Context) (bool, error) {
	if e.done.Load() || !e.caller.Ready() || !e.target.Ready() {
		return false, nil
	}

	for {
		ev, ok := e.caller.DequeueDTMF()
		if !ok {
			break
		}
		exit, consumed := e.HandleDigit(ev.Digit)
		if exit {
			return false, nil
		}
		if !consumed && e.opts.PassDTMF {
			if err := e.target.SendDTMF(ev); err != nil {
				e.logger.Debug("dtmf pass-through failed", slog.String("error", err.Error()))
			}
		}
	}

	f, err := e.caller.ReadFrame(ctx)
	if err != nil {
		return false, err
	}

	size := frame.DefaultSampleRate * int(frame.DefaultPtime) / int(time.Second)
	if f != nil {
		size = len(f.Samples)
		mux := e.Mux()
		if mux&MuxRead != 0 {
			e.read.Write(f.Samples)
		}
		if mux&MuxWrite != 0 {
			e.write.Write(f.Samples)
		}
	}

	if e.listen.InUse() >= size {
		out := &frame.Frame{Samples: make([]int16, size), Rate: frame.DefaultSampleRate, Channels: 1}
		e.listen.Read(out.Samples)
		if err := e.caller.WriteFrame(ctx, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Close отключает bug от целевой сессии и завершает виртуальное соединение
func (e *Eavesdropper) Close() {
	e.done.Store(true)
	if e.bug != nil {
		_ = e.target.Chain().Detach(e.bug)
	}
	if e.caller.Channel().DeletePrivate(slotEavesdrop, e) {
		e.target.Channel().ClearFlag(session.FlagEavesdropped)
		e.caller.NotifyBridge(e.target, false)
		e.target.RWUnlock()
		e.logger.Debug("eavesdrop stopped")
	}
}

// EavesdropSession прослушивает целевую сессию до выхода по цифре,
// завершения одной из сессий или отмены контекста
func EavesdropSession(ctx context.Context, caller *session.Session, reg *session.Registry, targetID string, opts EavesdropOptions) error {
	e, err := AttachEavesdrop(ctx, caller, reg, targetID, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	for ctx.Err() == nil {
		ok, err := e.Step(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}
