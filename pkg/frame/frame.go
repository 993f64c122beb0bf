// Package frame определяет аудио кадр, проходящий через медиа путь сессии,
// и вспомогательные операции над линейным PCM.
package frame

import (
	"math"
	"time"

	"github.com/pion/rtp"
)

const (
	// DefaultSampleRate частота дискретизации телефонии
	DefaultSampleRate = 8000
	// DefaultPtime стандартная длительность пакета
	DefaultPtime = 20 * time.Millisecond
)

// Frame аудио кадр линейного 16-битного PCM.
// Header хранит RTP заголовок исходного пакета, если кадр пришел из RTP транспорта.
type Frame struct {
	Samples  []int16
	Rate     int
	Channels int
	Header   rtp.Header
}

// New создает кадр тишины заданной длительности
func New(rate, channels int, ptime time.Duration) *Frame {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	n := int(float64(rate)*ptime.Seconds()) * channels
	return &Frame{
		Samples:  make([]int16, n),
		Rate:     rate,
		Channels: channels,
	}
}

// Clone возвращает глубокую копию кадра
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Samples = make([]int16, len(f.Samples))
	copy(c.Samples, f.Samples)
	if f.Header.CSRC != nil {
		c.Header.CSRC = append([]uint32(nil), f.Header.CSRC...)
	}
	return &c
}

// SamplesPerChannel возвращает количество отсчетов на канал
func (f *Frame) SamplesPerChannel() int {
	if f.Channels <= 1 {
		return len(f.Samples)
	}
	return len(f.Samples) / f.Channels
}

// Duration возвращает длительность кадра
func (f *Frame) Duration() time.Duration {
	if f.Rate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.Rate)
}

// Silence зануляет отсчеты кадра
func (f *Frame) Silence() {
	clear(f.Samples)
}

// Energy возвращает среднеквадратичный уровень кадра
func (f *Frame) Energy() float64 {
	return RMS(f.Samples)
}

// RMS среднеквадратичное значение отсчетов
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Saturate ограничивает значение диапазоном int16
func Saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Mix складывает src в dst с насыщением. Обрабатывается min(len(dst), len(src)) отсчетов.
func Mix(dst, src []int16) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = Saturate(int32(dst[i]) + int32(src[i]))
	}
}

// levelTable множители громкости для уровней -4..4
var levelTable = [9]float64{0.2, 0.4, 0.6, 0.8, 1.0, 1.5, 2.0, 2.5, 3.0}

// ChangeLevel изменяет громкость по шкале -4..4, 0 оставляет кадр без изменений
func ChangeLevel(samples []int16, level int) {
	if level == 0 {
		return
	}
	level = max(-4, min(4, level))
	ApplyGain(samples, levelTable[level+4])
}

// ApplyGain умножает отсчеты на коэффициент с насыщением
func ApplyGain(samples []int16, gain float64) {
	for i, s := range samples {
		samples[i] = Saturate(int32(math.Round(float64(s) * gain)))
	}
}

// Interleave объединяет два моно потока в стерео
func Interleave(left, right []int16) []int16 {
	n := max(len(left), len(right))
	out := make([]int16, n*2)
	for i := 0; i < n; i++ {
		if i < len(left) {
			out[i*2] = left[i]
		}
		if i < len(right) {
			out[i*2+1] = right[i]
		}
	}
	return out
}
