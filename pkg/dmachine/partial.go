package dmachine

import (
	"regexp/syntax"
)

// partialMatcher проверяет, может ли строка стать совпадением регулярного
// выражения после добавления новых символов. Пакет regexp такой проверки
// не дает, поэтому программа выражения исполняется как NFA по префиксу.
type partialMatcher struct {
	prog     *syntax.Prog
	anchored bool
}

func compilePartial(expr string) (*partialMatcher, error) {
	re, err := syntax.Parse(expr, syntax.Perl)
	if err != nil {
		return nil, err
	}
	prog, err := syntax.Compile(re.Simplify())
	if err != nil {
		return nil, err
	}
	return &partialMatcher{
		prog:     prog,
		anchored: prog.StartCond()&syntax.EmptyBeginText != 0,
	}, nil
}

// prefixOf сообщает, что s является префиксом хотя бы одной совпадающей строки
func (m *partialMatcher) prefixOf(s string) bool {
	if !m.anchored {
		// неякорное выражение может совпасть в еще не введенном хвосте
		return true
	}

	n := len(m.prog.Inst)
	cur := make([]uint32, 0, n)
	next := make([]uint32, 0, n)
	seen := make([]bool, n)

	input := []rune(s)
	cur = m.add(cur, seen, uint32(m.prog.Start), m.context(-1, input, 0))
	for i, r := range input {
		clear(seen)
		next = next[:0]
		ctx := m.context(r, input, i+1)
		for _, pc := range cur {
			inst := &m.prog.Inst[pc]
			if consumes(inst, r) {
				next = m.add(next, seen, inst.Out, ctx)
			}
		}
		cur, next = next, cur
		if len(cur) == 0 {
			return false
		}
	}
	return len(cur) > 0
}

// context вычисляет условия нулевой ширины в позиции pos. В конце ввода
// последующий символ неизвестен, поэтому условия конца и границы слова считаются выполнимыми.
func (m *partialMatcher) context(prev rune, input []rune, pos int) syntax.EmptyOp {
	if pos < len(input) {
		return syntax.EmptyOpContext(prev, input[pos])
	}
	return syntax.EmptyOpContext(prev, -1) | syntax.EmptyWordBoundary | syntax.EmptyNoWordBoundary
}

func (m *partialMatcher) add(list []uint32, seen []bool, pc uint32, ctx syntax.EmptyOp) []uint32 {
	if seen[pc] {
		return list
	}
	seen[pc] = true

	inst := &m.prog.Inst[pc]
	switch inst.Op {
	case syntax.InstFail:
		return list
	case syntax.InstAlt, syntax.InstAltMatch:
		list = m.add(list, seen, inst.Out, ctx)
		return m.add(list, seen, inst.Arg, ctx)
	case syntax.InstCapture, syntax.InstNop:
		return m.add(list, seen, inst.Out, ctx)
	case syntax.InstEmptyWidth:
		if syntax.EmptyOp(inst.Arg)&^ctx != 0 {
			return list
		}
		return m.add(list, seen, inst.Out, ctx)
	default:
		// InstMatch и инструкции, потребляющие символ
		return append(list, pc)
	}
}

func consumes(inst *syntax.Inst, r rune) bool {
	switch inst.Op {
	case syntax.InstRune, syntax.InstRune1:
		return inst.MatchRune(r)
	case syntax.InstRuneAny:
		return true
	case syntax.InstRuneAnyNotNL:
		return r != '\n'
	default:
		return false
	}
}
