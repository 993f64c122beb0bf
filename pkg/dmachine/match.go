package dmachine

import (
	"log/slog"
	"strings"

	"github.com/arzzra/switch_core/pkg/core"
)

// Feed добавляет цифры к буферу и сразу вычисляет состояние совпадения.
// Если цифры не помещаются в предел активного realm'а, буфер не меняется.
func (dm *DMachine) Feed(digits string) (Result, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.destroyed || dm.realm == nil {
		return Result{}, core.NewError(core.ErrorCodeNotReady, "", "нет активного realm")
	}

	terminated := false
	if dm.terminators != "" {
		if i := strings.IndexAny(digits, dm.terminators); i >= 0 {
			digits = digits[:i]
			terminated = true
		}
	}

	if len(dm.digits)+len(digits) > dm.realm.maxDigitLen {
		return Result{}, core.Errorf(core.ErrorCodeResourceExhausted,
			"буфер цифр переполнен: %d+%d > %d", len(dm.digits), len(digits), dm.realm.maxDigitLen)
	}

	dm.digits = append(dm.digits, digits...)
	dm.lastDigitTime = dm.now()

	return dm.evaluate(terminated), nil
}

// Ping вычисляет состояние совпадения без нового ввода, обнаруживая таймауты.
// Если машина занята вычислением в другой горутине, возвращает StatusSuccess.
func (dm *DMachine) Ping() Result {
	if !dm.mu.TryLock() {
		return Result{Status: StatusSuccess}
	}
	defer dm.mu.Unlock()

	if dm.destroyed || dm.realm == nil {
		return Result{Status: StatusSuccess}
	}
	return dm.evaluate(false)
}

// evaluate выполняется под dm.mu
func (dm *DMachine) evaluate(forceTimeout bool) Result {
	now := dm.now()
	elapsed := now.Sub(dm.lastDigitTime)

	if len(dm.digits) == 0 {
		if forceTimeout || (dm.inputTimeout > 0 && elapsed >= dm.inputTimeout) {
			dm.lastDigitTime = now
			return dm.nonMatch(StatusTimeout, true)
		}
		return Result{Status: StatusSuccess}
	}

	isTimeout := forceTimeout || (dm.digitTimeout > 0 && elapsed >= dm.digitTimeout)
	// полный буфер больше не растет и вычисляется как окончательный
	complete := len(dm.digits) >= dm.realm.maxDigitLen
	best, bp := dm.scan(isTimeout || complete)

	if best == MatchBoth && (isTimeout || complete) {
		best = MatchExact
	}

	switch {
	case best == MatchExact && bp != nil:
		return dm.match(bp, isTimeout)
	case isTimeout:
		return dm.nonMatch(StatusNotFound, true)
	case complete:
		return dm.nonMatch(StatusNotFound, false)
	}

	return Result{Status: StatusSuccess, Match: &Match{
		Digits: string(dm.digits),
		Type:   best,
		Realm:  dm.realm.name,
	}}
}

// scan сравнивает буфер со всеми шаблонами активного realm'а.
// Возвращает лучшую степень совпадения и первый точно совпавший шаблон.
func (dm *DMachine) scan(isTimeout bool) (MatchType, *binding) {
	digits := string(dm.digits)
	var exact *binding
	partial := false

	for _, b := range dm.realm.bindings {
		if b.isRegex() {
			if b.re.MatchString(digits) {
				if isTimeout {
					if exact == nil {
						exact = b
					}
					continue
				}
				partial = true
			} else if !isTimeout && b.partial.prefixOf(digits) {
				partial = true
			}
			continue
		}

		if b.digits == digits {
			if exact == nil {
				exact = b
			}
			continue
		}
		// шаблон короче буфера уже не совпадет
		if len(digits) < len(b.digits) && strings.HasPrefix(b.digits, digits) {
			partial = true
		}
	}

	switch {
	case exact != nil && partial:
		return MatchBoth, exact
	case exact != nil:
		return MatchExact, exact
	case partial:
		return MatchPartial, nil
	default:
		return MatchNone, nil
	}
}

func (dm *DMachine) match(b *binding, isTimeout bool) Result {
	m := &Match{
		Digits:    string(dm.digits),
		Key:       b.key,
		Type:      MatchExact,
		IsTimeout: isTimeout,
		Realm:     dm.realm.name,
		UserData:  b.userData,
	}
	dm.lastMatching = m.Digits
	dm.lastMatch = m
	dm.clear()

	status := StatusMatch
	if b.callback != nil && b.callback(m) == ActionBreak {
		status = StatusBreak
	}
	if status != StatusBreak && dm.matchCB != nil {
		mm := *m
		mm.UserData = dm.userData
		if dm.matchCB(&mm) == ActionBreak {
			status = StatusBreak
		}
	}

	dm.metrics.DMachineResult(status.String())
	dm.logger.Debug("digits matched",
		slog.String("digits", m.Digits),
		slog.Int("key", int(m.Key)),
		slog.String("status", status.String()))
	return Result{Status: status, Match: m}
}

// nonMatch фиксирует несовпавшие цифры и вызывает обработчик несовпадения
func (dm *DMachine) nonMatch(status Status, isTimeout bool) Result {
	m := &Match{
		Digits:    string(dm.digits),
		Type:      MatchNone,
		IsTimeout: isTimeout,
		Realm:     dm.realm.name,
		UserData:  dm.userData,
	}
	if m.Digits != "" {
		dm.lastFailed = m.Digits
	}
	dm.clear()

	if dm.nonMatchCB != nil && dm.nonMatchCB(m) == ActionBreak {
		status = StatusBreak
	}

	dm.metrics.DMachineResult(status.String())
	dm.logger.Debug("digits not matched",
		slog.String("digits", m.Digits),
		slog.String("status", status.String()))
	return Result{Status: status, Match: m}
}
