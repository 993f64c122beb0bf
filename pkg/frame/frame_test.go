package frame

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrame(t *testing.T) {
	f := New(8000, 1, 20*time.Millisecond)
	assert.Len(t, f.Samples, 160)
	assert.Equal(t, 20*time.Millisecond, f.Duration())

	stereo := New(16000, 2, 10*time.Millisecond)
	assert.Len(t, stereo.Samples, 320)
	assert.Equal(t, 160, stereo.SamplesPerChannel())
}

func TestClone(t *testing.T) {
	f := New(8000, 1, 20*time.Millisecond)
	f.Samples[0] = 100
	f.Header.SequenceNumber = 7

	c := f.Clone()
	c.Samples[0] = 5

	assert.Equal(t, int16(100), f.Samples[0], "клон не должен разделять отсчеты")
	assert.Equal(t, uint16(7), c.Header.SequenceNumber)
}

func TestMixSaturates(t *testing.T) {
	dst := []int16{math.MaxInt16 - 10, math.MinInt16 + 10, 100}
	src := []int16{100, -100, 50, 999}

	Mix(dst, src)

	assert.Equal(t, []int16{math.MaxInt16, math.MinInt16, 150}, dst)
}

func TestChangeLevel(t *testing.T) {
	samples := []int16{1000, -1000}
	ChangeLevel(samples, 0)
	assert.Equal(t, []int16{1000, -1000}, samples)

	ChangeLevel(samples, 2)
	assert.Equal(t, []int16{2000, -2000}, samples)

	ChangeLevel(samples, -10) // ограничивается уровнем -4
	assert.Equal(t, []int16{400, -400}, samples)
}

func TestInterleave(t *testing.T) {
	out := Interleave([]int16{1, 2}, []int16{3})
	assert.Equal(t, []int16{1, 3, 2, 0}, out)
}

func TestRing(t *testing.T) {
	t.Run("запись и чтение", func(t *testing.T) {
		r := NewRing(8)
		assert.Equal(t, 0, r.Write([]int16{1, 2, 3}))
		assert.Equal(t, 3, r.InUse())

		dst := make([]int16, 2)
		require.Equal(t, 2, r.Read(dst))
		assert.Equal(t, []int16{1, 2}, dst)
		assert.Equal(t, 1, r.InUse())
	})

	t.Run("переполнение отбрасывает старые отсчеты", func(t *testing.T) {
		r := NewRing(4)
		r.Write([]int16{1, 2, 3})
		dropped := r.Write([]int16{4, 5, 6})
		assert.Equal(t, 2, dropped)

		dst := make([]int16, 4)
		require.Equal(t, 4, r.Read(dst))
		assert.Equal(t, []int16{3, 4, 5, 6}, dst)
	})

	t.Run("запись больше емкости", func(t *testing.T) {
		r := NewRing(3)
		dropped := r.Write([]int16{1, 2, 3, 4, 5})
		assert.Equal(t, 2, dropped)
		dst := make([]int16, 3)
		r.Read(dst)
		assert.Equal(t, []int16{3, 4, 5}, dst)
	})

	t.Run("Zero очищает буфер", func(t *testing.T) {
		r := NewRing(4)
		r.Write([]int16{1, 2})
		r.Zero()
		assert.Equal(t, 0, r.InUse())
		assert.Equal(t, 0, r.Read(make([]int16, 4)))
	})
}
