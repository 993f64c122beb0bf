package taps

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

const (
	defaultAGCLevel = 8000.0
	defaultNSLevel  = 200
	maxAGCGain      = 8.0
	agcSmoothing    = 0.1
	// echoRatio эхо считается подавляемым, если входной уровень ниже доли опорного
	echoRatio       = 0.5
	echoAttenuation = 0.25
)

// dspState состояние обработки одного направления
type dspState struct {
	mu sync.Mutex

	agc      bool
	agcLevel float64
	gain     float64

	ns      bool
	nsLevel float64

	ec   bool
	tail int         // длина эха в отсчетах
	ref  *frame.Ring // отсчеты встречного направления
}

func newDSPState() *dspState {
	return &dspState{agcLevel: defaultAGCLevel, gain: 1, nsLevel: defaultNSLevel}
}

func (d *dspState) active() bool {
	return d.agc || d.ns || d.ec
}

// dspSetting проверенная команда, применяется под dspState.mu
type dspSetting func(d *dspState)

// parseSetting проверяет команду key=value, не меняя состояние
func parseSetting(key, value string) (dspSetting, error) {
	switch key {
	case "agc":
		on := session.IsTrue(value)
		return func(d *dspState) {
			d.agc = on
			d.gain = 1
		}, nil
	case "agc_level":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v <= 0 || v > math.MaxInt16 {
			return nil, core.Errorf(core.ErrorCodeInvalidArgument, "некорректный agc_level: %q", value)
		}
		return func(d *dspState) { d.agcLevel = v }, nil
	case "ns":
		on := session.IsTrue(value)
		return func(d *dspState) { d.ns = on }, nil
	case "ns_level":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil || v < 0 {
			return nil, core.Errorf(core.ErrorCodeInvalidArgument, "некорректный ns_level: %q", value)
		}
		return func(d *dspState) { d.nsLevel = v }, nil
	case "ec":
		ms, err := strconv.Atoi(value)
		if err != nil {
			ms = 0
			if session.IsTrue(value) {
				ms = 100
			}
		}
		return func(d *dspState) {
			d.ec = ms > 0
			d.tail = ms * frame.DefaultSampleRate / 1000
			if d.ec {
				d.ref = frame.NewRing(d.tail)
			} else {
				d.ref = nil
			}
		}, nil
	default:
		return nil, core.Errorf(core.ErrorCodeInvalidArgument, "неизвестный параметр предобработки: %q", key)
	}
}

// process обрабатывает отсчеты на месте по порядку: эхо, шум, усиление
func (d *dspState) process(samples []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ec && d.ref != nil {
		ref := make([]int16, min(len(samples), d.ref.InUse()))
		d.ref.Read(ref)
		if refLevel := frame.RMS(ref); refLevel > 0 && frame.RMS(samples) < refLevel*echoRatio {
			frame.ApplyGain(samples, echoAttenuation)
		}
	}

	if d.ns {
		highPass(samples)
		if frame.RMS(samples) < d.nsLevel {
			clear(samples)
		}
	}

	if d.agc {
		if level := frame.RMS(samples); level > 0 {
			want := min(d.agcLevel/level, maxAGCGain)
			d.gain += (want - d.gain) * agcSmoothing
			frame.ApplyGain(samples, d.gain)
		}
	}
}

// feedReference сохраняет отсчеты встречного направления для эхоподавления
func (d *dspState) feedReference(samples []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ec && d.ref != nil {
		d.ref.Write(samples)
	}
}

// highPass простой фильтр высоких частот против низкочастотного фона
func highPass(samples []int16) {
	if len(samples) < 3 {
		return
	}
	prev := int32(samples[0])
	for i := 1; i < len(samples)-1; i++ {
		cur := int32(samples[i])
		samples[i] = frame.Saturate(cur - (prev+int32(samples[i+1]))/4)
		prev = cur
	}
}

// preprocessor одна предобработка на сессию, переиспользуется повторными командами
type preprocessor struct {
	mediabug.BaseBehavior

	s     *session.Session
	read  *dspState
	write *dspState
	bug   *mediabug.Bug
}

func (p *preprocessor) OnClose(*mediabug.Bug) {
	p.s.Channel().DeletePrivate(slotPreprocess, p)
}

func (p *preprocessor) OnReadReplace(b *mediabug.Bug) bool {
	if f := b.ReplaceFrame(); f != nil {
		p.write.feedReference(f.Samples)
		p.read.process(f.Samples)
	}
	return true
}

func (p *preprocessor) OnWriteReplace(b *mediabug.Bug) bool {
	if f := b.ReplaceFrame(); f != nil {
		p.read.feedReference(f.Samples)
		p.write.process(f.Samples)
	}
	return true
}

// PreprocessSession настраивает предобработку звука командами вида
// "r.agc=1,r.agc_level=6000,w.ns=on,r.ec=100" или "stop".
// Префикс r. относится к прочитанному потоку, w. к записываемому.
func PreprocessSession(s *session.Session, cmds string) error {
	logger := tapLogger(s, "preprocess")
	ch := s.Channel()

	cur, exists := session.PrivateAs[*preprocessor](ch, slotPreprocess)
	if strings.TrimSpace(cmds) == "stop" {
		if !exists {
			return core.NewError(core.ErrorCodeNotFound, s.ID(), "предобработка не запущена")
		}
		ch.DeletePrivate(slotPreprocess, cur)
		return s.Chain().Detach(cur.bug)
	}

	p := cur
	if !exists {
		p = &preprocessor{s: s, read: newDSPState(), write: newDSPState()}
	}

	type pending struct {
		st    *dspState
		apply dspSetting
		key   string
		value string
	}
	// весь список проверяется до применения первой команды
	var todo []pending
	for _, cmd := range strings.Split(cmds, ",") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		key, value, ok := strings.Cut(cmd, "=")
		if !ok || len(key) < 3 || key[1] != '.' {
			return core.Errorf(core.ErrorCodeInvalidArgument, "некорректная команда предобработки: %q", cmd)
		}
		var st *dspState
		switch key[0] {
		case 'r':
			st = p.read
		case 'w':
			st = p.write
		default:
			return core.Errorf(core.ErrorCodeInvalidArgument, "неизвестное направление: %q", cmd)
		}
		apply, err := parseSetting(key[2:], value)
		if err != nil {
			return err
		}
		todo = append(todo, pending{st: st, apply: apply, key: key, value: value})
	}
	if !exists && !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}

	for _, c := range todo {
		c.st.mu.Lock()
		c.apply(c.st)
		c.st.mu.Unlock()
		logger.Debug("preprocess set", slog.String("key", c.key), slog.String("value", c.value))
	}
	if exists {
		return nil
	}
	bug, err := s.Chain().Attach("preprocess", "", p, expiresAfter(0),
		mediabug.FlagReadReplace|mediabug.FlagWriteReplace)
	if err != nil {
		return err
	}
	p.bug = bug
	ch.SetPrivate(slotPreprocess, p)
	return nil
}
