package dtmf

import (
	"math"
)

const (
	// минимальный средний уровень блока, ниже считается тишиной
	minBlockRMS = 300.0
	// доля энергии блока, приходящаяся на частоту цифры
	minToneShare = 0.2
	// доля энергии блока, приходящаяся на пару частот
	minPairShare = 0.65
	// допустимое соотношение мощностей строки и столбца (около 8 dB)
	maxTwist = 6.3
)

// goertzel возвращает нормированную мощность частоты freq в блоке.
// Для чистой синусоиды возвращается значение, близкое к 1.
func goertzel(samples []int16, freq float64, rate int, energy float64) float64 {
	if energy == 0 || len(samples) == 0 {
		return 0
	}
	coeff := 2 * math.Cos(2*math.Pi*freq/float64(rate))
	var s1, s2 float64
	for _, x := range samples {
		s := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	return power / (energy * float64(len(samples)) / 2)
}

func blockEnergy(samples []int16) float64 {
	var e float64
	for _, x := range samples {
		v := float64(x)
		e += v * v
	}
	return e
}

// Detector распознает DTMF цифры в линейном PCM.
// Цифра сообщается один раз после двух подряд совпавших блоков и снова
// может быть сообщена только после паузы.
type Detector struct {
	rate      int
	blockSize int
	buf       []int16

	candidate byte
	hits      int
	reported  byte
}

// NewDetector создает детектор. Размер блока около 25ms.
func NewDetector(rate int) *Detector {
	if rate <= 0 {
		rate = ClockRate
	}
	return &Detector{
		rate:      rate,
		blockSize: rate * 205 / 8000,
	}
}

// Process обрабатывает отсчеты и возвращает распознанные цифры
func (d *Detector) Process(samples []int16) []byte {
	var out []byte
	d.buf = append(d.buf, samples...)
	for len(d.buf) >= d.blockSize {
		block := d.buf[:d.blockSize]
		digit := d.classify(block)
		d.buf = d.buf[d.blockSize:]

		if digit == 0 {
			d.candidate, d.hits, d.reported = 0, 0, 0
			continue
		}
		if digit != d.candidate {
			d.candidate, d.hits = digit, 0
		}
		d.hits++
		if d.hits >= 2 && d.reported != digit {
			d.reported = digit
			out = append(out, digit)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Reset сбрасывает состояние детектора
func (d *Detector) Reset() {
	d.buf = nil
	d.candidate, d.hits, d.reported = 0, 0, 0
}

func (d *Detector) classify(block []int16) byte {
	energy := blockEnergy(block)
	if math.Sqrt(energy/float64(len(block))) < minBlockRMS {
		return 0
	}

	row, rowPow := strongest(block, rowFreqs[:], d.rate, energy)
	col, colPow := strongest(block, colFreqs[:], d.rate, energy)

	if rowPow < minToneShare || colPow < minToneShare || rowPow+colPow < minPairShare {
		return 0
	}
	if rowPow > colPow*maxTwist || colPow > rowPow*maxTwist {
		return 0
	}
	return keypad[row][col]
}

func strongest(block []int16, freqs []float64, rate int, energy float64) (int, float64) {
	best, bestPow := 0, 0.0
	for i, f := range freqs {
		if p := goertzel(block, f, rate, energy); p > bestPow {
			best, bestPow = i, p
		}
	}
	return best, bestPow
}

// ToneDetector распознает произвольный набор частот, присутствующих одновременно
type ToneDetector struct {
	rate      int
	freqs     []float64
	blockSize int
	buf       []int16
}

// NewToneDetector создает детектор для набора частот. Блок 20ms.
func NewToneDetector(rate int, freqs []float64) *ToneDetector {
	if rate <= 0 {
		rate = ClockRate
	}
	return &ToneDetector{
		rate:      rate,
		freqs:     append([]float64(nil), freqs...),
		blockSize: rate / 50,
	}
}

// Freqs возвращает отслеживаемые частоты
func (t *ToneDetector) Freqs() []float64 {
	return t.freqs
}

// Process обрабатывает отсчеты и возвращает количество блоков с тоном
// и количество блоков без тона
func (t *ToneDetector) Process(samples []int16) (hits, misses int) {
	t.buf = append(t.buf, samples...)
	for len(t.buf) >= t.blockSize {
		if t.present(t.buf[:t.blockSize]) {
			hits++
		} else {
			misses++
		}
		t.buf = t.buf[t.blockSize:]
	}
	if len(t.buf) == 0 {
		t.buf = nil
	}
	return hits, misses
}

func (t *ToneDetector) present(block []int16) bool {
	if len(t.freqs) == 0 {
		return false
	}
	energy := blockEnergy(block)
	if math.Sqrt(energy/float64(len(block))) < minBlockRMS {
		return false
	}
	share := minPairShare / float64(len(t.freqs)) / 2
	total := 0.0
	for _, f := range t.freqs {
		p := goertzel(block, f, t.rate, energy)
		if p < share {
			return false
		}
		total += p
	}
	return total >= minPairShare
}
