package frame

import "sync"

// Ring кольцевой буфер PCM отсчетов с собственным мьютексом.
// При переполнении самые старые отсчеты отбрасываются.
type Ring struct {
	mu    sync.Mutex
	buf   []int16
	start int
	used  int
}

// NewRing создает буфер емкостью capacity отсчетов
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultSampleRate
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Write добавляет отсчеты, возвращает количество отброшенных старых отсчетов
func (r *Ring) Write(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	if len(samples) > len(r.buf) {
		dropped += len(samples) - len(r.buf)
		samples = samples[len(samples)-len(r.buf):]
	}
	if over := r.used + len(samples) - len(r.buf); over > 0 {
		r.start = (r.start + over) % len(r.buf)
		r.used -= over
		dropped += over
	}

	end := (r.start + r.used) % len(r.buf)
	for _, s := range samples {
		r.buf[end] = s
		end = (end + 1) % len(r.buf)
	}
	r.used += len(samples)
	return dropped
}

// Read извлекает до len(dst) отсчетов, возвращает фактическое количество
func (r *Ring) Read(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := min(len(dst), r.used)
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	r.start = (r.start + n) % len(r.buf)
	r.used -= n
	return n
}

// InUse возвращает количество буферизованных отсчетов
func (r *Ring) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Zero очищает буфер
func (r *Ring) Zero() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.used = 0
}

// Cap возвращает емкость буфера
func (r *Ring) Cap() int {
	return len(r.buf)
}
