// Package dmachine реализует сопоставитель цифр канала: накопление DTMF ввода
// и разрешение его против набора шаблонов (литералы и регулярные выражения)
// с частичным, точным совпадением и таймаутами.
//
// Шаблоны группируются в realm'ы; в каждый момент активен один realm. Шаблон,
// начинающийся с '~', является регулярным выражением.
//
//	dm := dmachine.New("menu", dmachine.Config{DigitTimeout: 1500 * time.Millisecond})
//	_ = dm.Bind("default", "123", 1, onSales, nil)
//	_ = dm.Bind("default", "~^9[0-9]$", 2, onOperator, nil)
//	res, err := dm.Feed("12")
//
// Таймауты не отслеживаются внутренним таймером: владелец периодически вызывает
// Ping из медиа цикла канала.
package dmachine

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
)

// MaxDigits емкость буфера накопления
const MaxDigits = 512

// DefaultRealm realm, используемый при пустом имени
const DefaultRealm = "default"

// MatchType степень совпадения
type MatchType int

const (
	MatchNone MatchType = iota
	MatchPartial
	MatchBoth
	MatchExact
)

func (m MatchType) String() string {
	switch m {
	case MatchNone:
		return "none"
	case MatchPartial:
		return "partial"
	case MatchBoth:
		return "both"
	case MatchExact:
		return "exact"
	default:
		return "unknown"
	}
}

// Status результат вычисления Feed/Ping
type Status int

const (
	// StatusSuccess ввод продолжается
	StatusSuccess Status = iota
	// StatusMatch сработал шаблон, обработчик разрешил продолжать
	StatusMatch
	// StatusBreak обработчик запросил прерывание
	StatusBreak
	// StatusNotFound ввод не совпал ни с одним шаблоном
	StatusNotFound
	// StatusTimeout истек таймаут ввода без единой цифры
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusMatch:
		return "match"
	case StatusBreak:
		return "break"
	case StatusNotFound:
		return "not_found"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Action решение обработчика совпадения
type Action int

const (
	// ActionContinue событие обработано, ждем следующий ввод
	ActionContinue Action = iota
	// ActionBreak прервать текущий вызов Feed/Ping со статусом StatusBreak
	ActionBreak
)

// Match описание совпадения, передаваемое в обработчики
type Match struct {
	Digits    string
	Key       int32
	Type      MatchType
	IsTimeout bool
	Realm     string
	// UserData данные привязки, для обработчиков уровня машины данные машины
	UserData interface{}
}

// Callback обработчик совпадения или несовпадения.
// Вызывается под мьютексом машины и не должен обращаться к ней повторно.
type Callback func(m *Match) Action

// Result результат Feed/Ping
type Result struct {
	Status Status
	Match  *Match
}

// Config параметры машины
type Config struct {
	// DigitTimeout таймаут между цифрами, 0 отключает
	DigitTimeout time.Duration
	// InputTimeout таймаут ожидания первой цифры, 0 отключает
	InputTimeout     time.Duration
	MatchCallback    Callback
	NonMatchCallback Callback
	UserData         interface{}
	Metrics          *core.Metrics
}

type binding struct {
	digits   string
	re       *regexp.Regexp
	partial  *partialMatcher
	key      int32
	callback Callback
	userData interface{}
}

func (b *binding) isRegex() bool {
	return b.re != nil
}

type realm struct {
	name        string
	bindings    []*binding
	maxDigitLen int
}

// DMachine сопоставитель цифр одного канала
type DMachine struct {
	name string

	mu sync.Mutex

	digitTimeout time.Duration
	inputTimeout time.Duration
	matchCB      Callback
	nonMatchCB   Callback
	userData     interface{}
	terminators  string

	realms map[string]*realm
	realm  *realm

	digits        []byte
	lastDigitTime time.Time
	lastMatching  string
	lastFailed    string
	lastMatch     *Match
	destroyed     bool

	metrics *core.Metrics
	logger  *slog.Logger

	now func() time.Time
}

// New создает машину
func New(name string, cfg Config) *DMachine {
	dm := &DMachine{
		name:         name,
		digitTimeout: cfg.DigitTimeout,
		inputTimeout: cfg.InputTimeout,
		matchCB:      cfg.MatchCallback,
		nonMatchCB:   cfg.NonMatchCallback,
		userData:     cfg.UserData,
		realms:       make(map[string]*realm),
		digits:       make([]byte, 0, MaxDigits),
		metrics:      cfg.Metrics,
		logger: slog.Default().With(
			slog.String("component", "dmachine"),
			slog.String("dmachine", name),
		),
		now: time.Now,
	}
	dm.lastDigitTime = dm.now()
	return dm
}

// Name возвращает имя машины
func (dm *DMachine) Name() string { return dm.name }

// Bind регистрирует шаблон в realm'е. Шаблоны сканируются в порядке регистрации.
// Первый зарегистрированный realm становится активным, если активного нет.
func (dm *DMachine) Bind(realmName, digits string, key int32, cb Callback, userData interface{}) error {
	if realmName == "" {
		realmName = DefaultRealm
	}
	if digits == "" {
		return core.NewError(core.ErrorCodeInvalidArgument, "", "пустой шаблон цифр")
	}

	b := &binding{key: key, callback: cb, userData: userData}
	length := len(digits)

	if strings.HasPrefix(digits, "~") {
		expr := digits[1:]
		re, err := regexp.Compile(expr)
		if err != nil {
			return core.WrapError(core.ErrorCodeInvalidArgument, "", "некорректное регулярное выражение", err).
				WithContext("pattern", digits)
		}
		pm, err := compilePartial(expr)
		if err != nil {
			return core.WrapError(core.ErrorCodeInvalidArgument, "", "некорректное регулярное выражение", err).
				WithContext("pattern", digits)
		}
		b.digits = expr
		b.re = re
		b.partial = pm
		length = MaxDigits
	} else {
		if length > MaxDigits {
			return core.Errorf(core.ErrorCodeInvalidArgument, "шаблон длиннее %d цифр", MaxDigits).
				WithContext("pattern", digits)
		}
		b.digits = digits
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.destroyed {
		return core.NewError(core.ErrorCodeNotReady, "", "dmachine уничтожена")
	}

	r, ok := dm.realms[realmName]
	if !ok {
		r = &realm{name: realmName}
		dm.realms[realmName] = r
	}
	r.bindings = append(r.bindings, b)
	if length > r.maxDigitLen {
		r.maxDigitLen = length
	}
	if dm.realm == nil {
		dm.realm = r
	}

	dm.logger.Debug("digit binding added",
		slog.String("realm", realmName),
		slog.String("digits", digits),
		slog.Int("key", int(key)))
	return nil
}

// SetRealm выбирает активный realm
func (dm *DMachine) SetRealm(name string) error {
	if name == "" {
		name = DefaultRealm
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()

	r, ok := dm.realms[name]
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, "", "realm не найден").WithContext("realm", name)
	}
	dm.realm = r
	return nil
}

// ClearRealm удаляет realm вместе с шаблонами. Пустое имя удаляет все realm'ы.
// Если удален активный realm, сопоставление отключено до следующего SetRealm.
func (dm *DMachine) ClearRealm(name string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if name == "" {
		dm.realms = make(map[string]*realm)
		dm.realm = nil
		return nil
	}

	r, ok := dm.realms[name]
	if !ok {
		return core.NewError(core.ErrorCodeNotFound, "", "realm не найден").WithContext("realm", name)
	}
	delete(dm.realms, name)
	if dm.realm == r {
		dm.realm = nil
	}
	return nil
}

// Realm возвращает имя активного realm'а
func (dm *DMachine) Realm() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.realm == nil {
		return ""
	}
	return dm.realm.name
}

// MaxDigitLen возвращает предел буфера для активного realm'а
func (dm *DMachine) MaxDigitLen() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.realm == nil {
		return 0
	}
	return dm.realm.maxDigitLen
}

// SetDigitTimeout меняет таймаут между цифрами
func (dm *DMachine) SetDigitTimeout(d time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.digitTimeout = d
}

// SetInputTimeout меняет таймаут ожидания первой цифры
func (dm *DMachine) SetInputTimeout(d time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.inputTimeout = d
}

// SetTerminators задает цифры, завершающие ввод досрочно
func (dm *DMachine) SetTerminators(t string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.terminators = t
}

// SetMatchCallback меняет обработчик совпадения
func (dm *DMachine) SetMatchCallback(cb Callback) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.matchCB = cb
}

// SetNonMatchCallback меняет обработчик несовпадения
func (dm *DMachine) SetNonMatchCallback(cb Callback) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.nonMatchCB = cb
}

// Digits возвращает накопленные цифры
func (dm *DMachine) Digits() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return string(dm.digits)
}

// IsParsing сообщает, что в буфере есть цифры
func (dm *DMachine) IsParsing() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.digits) > 0
}

// LastMatch возвращает последнее совпадение
func (dm *DMachine) LastMatch() *Match {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.lastMatch
}

// LastMatchingDigits возвращает цифры последнего совпадения
func (dm *DMachine) LastMatchingDigits() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.lastMatching
}

// LastFailedDigits возвращает цифры последнего несовпадения
func (dm *DMachine) LastFailedDigits() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.lastFailed
}

// Clear очищает буфер и перезапускает таймер. На пустом буфере ничего не делает.
func (dm *DMachine) Clear() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.clear()
}

func (dm *DMachine) clear() {
	if len(dm.digits) == 0 {
		return
	}
	dm.digits = dm.digits[:0]
	dm.lastDigitTime = dm.now()
}

// Destroy удаляет все realm'ы. После Destroy Feed возвращает NotReady.
func (dm *DMachine) Destroy() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.destroyed = true
	dm.realms = nil
	dm.realm = nil
	dm.digits = dm.digits[:0]
}
