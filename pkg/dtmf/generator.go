package dtmf

import (
	"math"
	"sync"
	"time"
)

// Частоты DTMF
var (
	rowFreqs = [4]float64{697, 770, 852, 941}
	colFreqs = [4]float64{1209, 1336, 1477, 1633}
)

// keypad раскладка клавиатуры: строка × столбец
var keypad = [4][4]byte{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// faxFreq частота вызывного тона факса (CNG)
const faxFreq = 1100

// Frequencies возвращает пару частот цифры. Для FaxDigit возвращается
// одна частота CNG в обоих значениях.
func Frequencies(d byte) (low, high float64, ok bool) {
	d = Normalize(d)
	if d == FaxDigit {
		return faxFreq, faxFreq, true
	}
	for r := range keypad {
		for c := range keypad[r] {
			if keypad[r][c] == d {
				return rowFreqs[r], colFreqs[c], true
			}
		}
	}
	return 0, 0, false
}

// Generator синтезирует тональный набор
type Generator struct {
	rate      int
	amplitude float64
}

// NewGenerator создает генератор для частоты дискретизации rate.
// Амплитуда каждой составляющей около -10 dBm0.
func NewGenerator(rate int) *Generator {
	if rate <= 0 {
		rate = ClockRate
	}
	return &Generator{rate: rate, amplitude: 7000}
}

// Tone синтезирует сумму синусоид указанной длительности
func (g *Generator) Tone(duration time.Duration, freqs ...float64) []int16 {
	n := int(float64(g.rate) * duration.Seconds())
	out := make([]int16, n)
	for i := range out {
		var v float64
		for _, f := range freqs {
			v += g.amplitude * math.Sin(2*math.Pi*f*float64(i)/float64(g.rate))
		}
		out[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, v)))
	}
	return out
}

// Digit синтезирует цифру с последующей паузой
func (g *Generator) Digit(d byte, duration, gap time.Duration) []int16 {
	low, high, ok := Frequencies(d)
	if !ok {
		return nil
	}
	var tone []int16
	if low == high {
		tone = g.Tone(duration, low)
	} else {
		tone = g.Tone(duration, low, high)
	}
	silence := make([]int16, int(float64(g.rate)*gap.Seconds()))
	return append(tone, silence...)
}

// Player очередь синтезированного набора, из которой медиа цикл забирает
// отсчеты покадрово
type Player struct {
	mu      sync.Mutex
	gen     *Generator
	pending []int16
	gap     time.Duration
}

// NewPlayer создает очередь набора
func NewPlayer(rate int) *Player {
	return &Player{gen: NewGenerator(rate), gap: DefaultGap}
}

// Queue добавляет цифру в очередь
func (p *Player) Queue(ev Event) bool {
	duration := ev.Duration
	if duration <= 0 {
		duration = DefaultDuration
	}
	samples := p.gen.Digit(ev.Digit, duration, p.gap)
	if samples == nil {
		return false
	}
	p.mu.Lock()
	p.pending = append(p.pending, samples...)
	p.mu.Unlock()
	return true
}

// Pending возвращает число отсчетов в очереди
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Fill заменяет начало dst отсчетами из очереди и возвращает их количество
func (p *Player) Fill(dst []int16) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(dst, p.pending)
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return n
}

// Reset очищает очередь
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}
