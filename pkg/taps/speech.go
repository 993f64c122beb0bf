package taps

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/mediabug"
	"github.com/arzzra/switch_core/pkg/session"
)

// Engine движок распознавания речи. Вызовы движка сериализуются тапом.
type Engine interface {
	LoadGrammar(name, grammar string) error
	UnloadGrammar(name string) error
	// Feed передает аудио; ready сообщает о готовых результатах
	Feed(samples []int16, rate int) (ready bool, err error)
	Results() ([]SpeechResult, error)
	Close() error
}

// SpeechResult результат распознавания
type SpeechResult struct {
	Text       string
	Confidence float64
	Grammar    string
}

// SpeechOptions параметры распознавания
type SpeechOptions struct {
	// DeriveDigits ставить в очередь DTMF цифры из произнесенных слов
	DeriveDigits bool
}

// speechFuzzyThreshold минимальная схожесть слова с названием цифры
const speechFuzzyThreshold = 0.9

var speechWords = map[string]byte{
	"zero": '0', "oh": '0',
	"one": '1', "two": '2', "three": '3', "four": '4', "five": '5',
	"six": '6', "seven": '7', "eight": '8', "nine": '9',
	"star": '*', "asterisk": '*',
	"pound": '#', "hash": '#',
}

type phoneticDigit struct {
	word  string
	digit byte
	codes []string
}

var speechPhonetic = func() []phoneticDigit {
	out := make([]phoneticDigit, 0, len(speechWords))
	for w, d := range speechWords {
		out = append(out, phoneticDigit{word: w, digit: d, codes: metaphoneCodes(w)})
	}
	return out
}()

func metaphoneCodes(w string) []string {
	p, s := matchr.DoubleMetaphone(w)
	codes := make([]string, 0, 2)
	if p != "" {
		codes = append(codes, p)
	}
	if s != "" && s != p {
		codes = append(codes, s)
	}
	return codes
}

func codesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// wordDigit сопоставляет слово цифре: точное совпадение, затем
// фонетическое, затем по схожести написания
func wordDigit(w string) (byte, bool) {
	if d, ok := speechWords[w]; ok {
		return d, true
	}
	if len(w) == 1 && (unicode.IsDigit(rune(w[0])) || w[0] == '*' || w[0] == '#') {
		return w[0], true
	}

	codes := metaphoneCodes(w)
	var best byte
	bestScore := 0.0
	for _, pd := range speechPhonetic {
		score := matchr.JaroWinkler(w, pd.word, false)
		if codesOverlap(codes, pd.codes) {
			score += 1
		} else if score < speechFuzzyThreshold {
			continue
		}
		if score > bestScore {
			best, bestScore = pd.digit, score
		}
	}
	return best, bestScore > 0
}

// SpeechDigits извлекает DTMF цифры из распознанного текста.
// Числа, записанные цифрами, переносятся как есть.
func SpeechDigits(text string) string {
	var b strings.Builder
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '*' || r == '#')
	})
	for _, w := range fields {
		if isDigitString(w) {
			b.WriteString(w)
			continue
		}
		if d, ok := wordDigit(w); ok {
			b.WriteByte(d)
		}
	}
	return b.String()
}

func isDigitString(w string) bool {
	for i := 0; i < len(w); i++ {
		if w[i] < '0' || w[i] > '9' {
			return false
		}
	}
	return len(w) > 0
}

// speechTap передает прочитанный поток движку; результаты забирает
// отдельная горутина, которую будит поток чтения
type speechTap struct {
	mediabug.BaseBehavior

	s      *session.Session
	engine Engine
	opts   SpeechOptions
	bug    *mediabug.Bug
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	ready  bool
	paused bool
	closed bool
	done   chan struct{}
}

func newSpeechTap(s *session.Session, engine Engine, opts SpeechOptions) *speechTap {
	t := &speechTap{
		s:      s,
		engine: engine,
		opts:   opts,
		logger: tapLogger(s, "speech"),
		done:   make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *speechTap) OnRead(b *mediabug.Bug) bool {
	for {
		f, ok := b.ReadStream()
		if !ok {
			return true
		}
		t.feed(f)
	}
}

func (t *speechTap) feed(f *frame.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused || t.closed {
		return
	}
	ready, err := t.engine.Feed(f.Samples, f.Rate)
	if err != nil {
		t.logger.Warn("speech feed failed", slog.String("error", err.Error()))
		return
	}
	if ready {
		t.ready = true
		t.cond.Signal()
	}
}

func (t *speechTap) OnClose(*mediabug.Bug) {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	t.s.Channel().DeletePrivate(slotSpeech, t)
}

func (t *speechTap) worker() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for !t.ready && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			err := t.engine.Close()
			t.mu.Unlock()
			if err != nil {
				t.logger.Warn("speech engine close failed", slog.String("error", err.Error()))
			}
			return
		}
		t.ready = false
		results, err := t.engine.Results()
		t.mu.Unlock()

		if err != nil {
			t.logger.Warn("speech results failed", slog.String("error", err.Error()))
			continue
		}
		for _, r := range results {
			t.publish(r)
		}
	}
}

func (t *speechTap) publish(r SpeechResult) {
	ev := t.s.NewEvent(event.TypeDetectedSpeech).
		AddHeader("Speech-Type", "detected-speech").
		AddHeader("Speech-Grammar", r.Grammar).
		AddHeader("Speech-Confidence", "%.2f", r.Confidence).
		AddHeader("Speech-Text", r.Text)
	if t.s.Bus() != nil {
		_ = t.s.FireEvent(ev.Clone())
	}
	if err := t.s.QueueEvent(ev); err != nil {
		t.logger.Debug("speech event not queued", slog.String("error", err.Error()))
	}

	if !t.opts.DeriveDigits {
		return
	}
	if digits := SpeechDigits(r.Text); digits != "" {
		if err := t.s.QueueDTMFString(digits); err != nil {
			t.logger.Warn("failed to queue speech digits", slog.String("error", err.Error()))
		}
	}
}

// DetectSpeech запускает распознавание речи на прочитанном потоке
func DetectSpeech(s *session.Session, engine Engine, grammarName, grammar string, opts SpeechOptions) error {
	ch := s.Channel()
	if t, ok := session.PrivateAs[*speechTap](ch, slotSpeech); ok {
		if grammarName == "" {
			return nil
		}
		return t.loadGrammar(grammarName, grammar)
	}
	if engine == nil {
		return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "не задан движок распознавания")
	}
	if !s.MediaReady() {
		return core.NewError(core.ErrorCodeNotReady, s.ID(), "медиа не установлено")
	}

	t := newSpeechTap(s, engine, opts)
	if grammarName != "" {
		if err := engine.LoadGrammar(grammarName, grammar); err != nil {
			return core.WrapError(core.ErrorCodeGeneric, s.ID(), "ошибка загрузки грамматики", err).
				WithContext("grammar", grammarName)
		}
	}
	bug, err := s.Chain().Attach("detect_speech", grammarName, t, expiresAfter(0), mediabug.FlagReadStream)
	if err != nil {
		_ = engine.Close()
		return err
	}
	t.bug = bug
	ch.SetPrivate(slotSpeech, t)
	go t.worker()
	return nil
}

func speechFor(s *session.Session) (*speechTap, error) {
	t, ok := session.PrivateAs[*speechTap](s.Channel(), slotSpeech)
	if !ok {
		return nil, core.NewError(core.ErrorCodeNotFound, s.ID(), "распознавание речи не запущено")
	}
	return t, nil
}

func (t *speechTap) loadGrammar(name, grammar string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.LoadGrammar(name, grammar); err != nil {
		return core.WrapError(core.ErrorCodeGeneric, t.s.ID(), "ошибка загрузки грамматики", err).
			WithContext("grammar", name)
	}
	return nil
}

// StopDetectSpeech останавливает распознавание. Движок закрывается
// горутиной результатов после снятия bug'а.
func StopDetectSpeech(s *session.Session) error {
	t, err := speechFor(s)
	if err != nil {
		return err
	}
	return s.Chain().Detach(t.bug)
}

// PauseDetectSpeech приостанавливает передачу аудио движку
func PauseDetectSpeech(s *session.Session) error {
	return setSpeechPaused(s, true)
}

// ResumeDetectSpeech возобновляет передачу аудио движку
func ResumeDetectSpeech(s *session.Session) error {
	return setSpeechPaused(s, false)
}

func setSpeechPaused(s *session.Session, paused bool) error {
	t, err := speechFor(s)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
	return nil
}

// LoadGrammar загружает грамматику в запущенный движок
func LoadGrammar(s *session.Session, name, grammar string) error {
	if name == "" {
		return core.NewError(core.ErrorCodeInvalidArgument, s.ID(), "не задано имя грамматики")
	}
	t, err := speechFor(s)
	if err != nil {
		return err
	}
	return t.loadGrammar(name, grammar)
}

// UnloadGrammar выгружает грамматику
func UnloadGrammar(s *session.Session, name string) error {
	t, err := speechFor(s)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.engine.UnloadGrammar(name); err != nil {
		return core.WrapError(core.ErrorCodeGeneric, s.ID(), "ошибка выгрузки грамматики", err).
			WithContext("grammar", name)
	}
	return nil
}
