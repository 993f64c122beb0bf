package taps

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/dtmf"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

const (
	// MaxToneSpecs максимум одновременно отслеживаемых тонов сессии
	MaxToneSpecs = 16

	faxToneFreq = 1100
	faxHookName = "tone_detect_fax"
)

// ToneCallback вызывается при обнаружении тона. Возврат false снимает отслеживание.
type ToneCallback func(s *session.Session, key string) bool

// ToneSpec описание отслеживаемого тона
type ToneSpec struct {
	Key     string
	Freqs   []float64
	Write   bool      // Отслеживать записываемый поток вместо прочитанного
	Timeout time.Time // Срок отслеживания, ноль без срока
	Hits    int       // Число блоков с тоном до срабатывания, по умолчанию 1
	Sleep   int       // Число кадров без проверки после срабатывания
	Expires int       // Число кадров без тона, сбрасывающих счетчик попаданий
	Once    bool      // Снять отслеживание после первого срабатывания

	App      string // Приложение, исполняемое при срабатывании
	Data     string
	Callback ToneCallback
}

// IsFax сообщает, что тон является вызывным тоном факса. Факс распознается
// не по частоте, а по цифре 'f' в потоке DTMF.
func (t ToneSpec) IsFax() bool {
	if strings.EqualFold(t.Key, "fax") && len(t.Freqs) == 0 {
		return true
	}
	return len(t.Freqs) == 1 && t.Freqs[0] == faxToneFreq
}

// ParseFreqs разбирает список частот "350+440" или "fax"
func ParseFreqs(s string) ([]float64, error) {
	if strings.EqualFold(s, "fax") {
		return []float64{faxToneFreq}, nil
	}
	var out []float64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || f <= 0 {
			return nil, core.Errorf(core.ErrorCodeInvalidArgument, "некорректная частота: %q", part)
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, core.Errorf(core.ErrorCodeInvalidArgument, "пустой список частот")
	}
	return out, nil
}

type toneState struct {
	spec     ToneSpec
	det      *dtmf.ToneDetector
	hits     int
	sleep    int
	misses   int
	detected int
}

// toneDetector один bug на сессию со всеми отслеживаемыми тонами
type toneDetector struct {
	mediabug.BaseBehavior

	s      *session.Session
	mu     sync.Mutex
	specs  []*toneState
	bug    *mediabug.Bug
	logger *slog.Logger
}

func (t *toneDetector) OnReadReplace(b *mediabug.Bug) bool  { return t.check(b, false) }
func (t *toneDetector) OnWriteReplace(b *mediabug.Bug) bool { return t.check(b, true) }

func (t *toneDetector) check(b *mediabug.Bug, write bool) bool {
	f := b.ReplaceFrame()
	if f == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	var fired []*toneState
	kept := t.specs[:0]
	for _, st := range t.specs {
		if !st.spec.Timeout.IsZero() && now.After(st.spec.Timeout) {
			continue
		}
		if st.det == nil || st.spec.Write != write {
			kept = append(kept, st)
			continue
		}
		if st.sleep > 0 {
			st.sleep--
			kept = append(kept, st)
			continue
		}

		hits, misses := st.det.Process(f.Samples)
		switch {
		case hits > 0:
			st.hits += hits
			st.misses = 0
		case misses > 0:
			st.misses++
			if st.spec.Expires > 0 && st.misses >= st.spec.Expires {
				st.hits = 0
				st.misses = 0
			}
		}
		if st.hits >= st.spec.Hits {
			st.hits = 0
			st.sleep = st.spec.Sleep
			st.detected++
			fired = append(fired, st)
			if st.spec.Once {
				continue
			}
		}
		kept = append(kept, st)
	}
	t.specs = kept
	t.mu.Unlock()

	for _, st := range fired {
		if !t.fire(st) {
			t.remove(st.spec.Key)
		}
	}
	return t.Count() > 0
}

// fire сообщает о срабатывании. Возвращает false, если отслеживание нужно снять.
func (t *toneDetector) fire(st *toneState) bool {
	t.logger.Debug("tone detected", slog.String("key", st.spec.Key))
	emit(t.s, t.s.NewEvent(event.TypeDetectedTone).AddHeader("Detected-Tone", st.spec.Key))

	if st.spec.App != "" {
		go func(app, data string) {
			if err := t.s.Execute(context.Background(), app, data); err != nil {
				t.logger.Warn("tone detect app failed", slog.String("app", app), slog.String("error", err.Error()))
			}
		}(st.spec.App, st.spec.Data)
	}
	if st.spec.Callback != nil {
		return st.spec.Callback(t.s, st.spec.Key)
	}
	return true
}

func (t *toneDetector) faxHook(_ *session.Session, ev dtmf.Event, _ session.Direction) bool {
	if ev.Digit != dtmf.FaxDigit {
		return true
	}
	t.mu.Lock()
	var fax *toneState
	for _, st := range t.specs {
		if st.det == nil && (st.spec.Timeout.IsZero() || time.Now().Before(st.spec.Timeout)) {
			fax = st
			break
		}
	}
	if fax != nil {
		fax.detected++
	}
	t.mu.Unlock()

	if fax != nil && (!t.fire(fax) || fax.spec.Once) {
		t.remove(fax.spec.Key)
	}
	// цифра факса поглощается
	return fax == nil
}

func (t *toneDetector) add(spec ToneSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &toneState{spec: spec}
	if !spec.IsFax() {
		st.det = dtmf.NewToneDetector(frame.DefaultSampleRate, spec.Freqs)
	}
	for i, cur := range t.specs {
		if cur.spec.Key == spec.Key {
			t.specs[i] = st
			return nil
		}
	}
	if len(t.specs) >= MaxToneSpecs {
		return core.NewError(core.ErrorCodeResourceExhausted, t.s.ID(), fmt.Sprintf("не более %d тонов на сессию", MaxToneSpecs))
	}
	t.specs = append(t.specs, st)
	return nil
}

func (t *toneDetector) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, st := range t.specs {
		if st.spec.Key == key {
			t.specs = append(t.specs[:i], t.specs[i+1:]...)
			return
		}
	}
}

// Count возвращает число отслеживаемых тонов
func (t *toneDetector) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.specs)
}

func (t *toneDetector) OnClose(*mediabug.Bug) {
	t.s.RemoveDTMFHook(session.DirectionRecv, faxHookName)
	t.s.Channel().DeletePrivate(slotToneDetect, t)
}

// ToneDetectSession добавляет тон к отслеживанию. Тон с тем же ключом
// заменяется. Все тоны сессии обслуживает один bug.
func ToneDetectSession(s *session.Session, spec ToneSpec) error {
	if spec.Key == "" {
		return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "не задан ключ тона")
	}
	if len(spec.Freqs) == 0 && !spec.IsFax() {
		return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "не заданы частоты тона")
	}
	if spec.Hits <= 0 {
		spec.Hits = 1
	}

	ch := s.Channel()
	if td, ok := session.PrivateAs[*toneDetector](ch, slotToneDetect); ok {
		if err := td.add(spec); err != nil {
			return err
		}
		if spec.IsFax() {
			s.AddDTMFHook(session.DirectionRecv, faxHookName, td.faxHook)
		}
		return nil
	}

	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}
	td := &toneDetector{s: s, logger: tapLogger(s, "tone_detect")}
	if err := td.add(spec); err != nil {
		return err
	}
	bug, err := s.Chain().Attach("tone_detect", "", td, time.Time{},
		mediabug.FlagReadReplace|mediabug.FlagWriteReplace|mediabug.FlagNoPause)
	if err != nil {
		return err
	}
	td.bug = bug
	ch.SetPrivate(slotToneDetect, td)
	if spec.IsFax() {
		s.AddDTMFHook(session.DirectionRecv, faxHookName, td.faxHook)
	}
	td.logger.Debug("tone detect started", slog.String("key", spec.Key))
	return nil
}

// StopToneDetectSession снимает отслеживание всех тонов
func StopToneDetectSession(s *session.Session) error {
	td, ok := session.PrivateAs[*toneDetector](s.Channel(), slotToneDetect)
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, s.ID(), "детектор тонов не запущен")
	}
	return s.Chain().Detach(td.bug)
}
