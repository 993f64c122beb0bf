package taps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/switch_core/pkg/event"
	"github.com/arzzra/switch_core/pkg/frame"
	"github.com/arzzra/switch_core/pkg/session"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// memEndpoint медиа граница в памяти
type memEndpoint struct {
	mu      sync.Mutex
	in      []*frame.Frame
	out     []*frame.Frame
	packets []*rtp.Packet
}

func (e *memEndpoint) ReadFrame(context.Context) (*frame.Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.in) == 0 {
		return nil, nil
	}
	f := e.in[0]
	e.in = e.in[1:]
	return f, nil
}

func (e *memEndpoint) WriteFrame(_ context.Context, f *frame.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = append(e.out, f)
	return nil
}

func (e *memEndpoint) WriteRTP(pkt *rtp.Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.packets = append(e.packets, pkt)
	return nil
}

func (e *memEndpoint) push(samples []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.in = append(e.in, &frame.Frame{Samples: samples, Rate: frame.DefaultSampleRate, Channels: 1})
}

func (e *memEndpoint) written() []*frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*frame.Frame(nil), e.out...)
}

type execCall struct {
	session string
	app     string
	arg     string
}

// recordingExecutor запоминает исполненные приложения
type recordingExecutor struct {
	mu    sync.Mutex
	calls []execCall
}

func (x *recordingExecutor) Execute(_ context.Context, s *session.Session, app, arg string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls = append(x.calls, execCall{session: s.ID(), app: app, arg: arg})
	return nil
}

func (x *recordingExecutor) snapshot() []execCall {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]execCall(nil), x.calls...)
}

// memBus запоминает глобальные события
type memBus struct {
	mu     sync.Mutex
	events []*event.Event
}

func (b *memBus) Fire(ev *event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) byType(t event.Type) []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*event.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newMediaSession создает сессию с готовым медиа
func newMediaSession(t *testing.T, cfg session.Config) (*session.Session, *memEndpoint) {
	t.Helper()
	ep, ok := cfg.Endpoint.(*memEndpoint)
	if !ok {
		ep = &memEndpoint{}
		cfg.Endpoint = ep
	}
	s, err := session.New(cfg)
	require.NoError(t, err)
	s.SetMediaUp()
	t.Cleanup(func() { s.Hangup(session.CauseNormalClearing) })
	return s, ep
}

func constSamples(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// pump читает и пишет n кадров по 160 отсчетов
func pump(t *testing.T, s *session.Session, ep *memEndpoint, n int, read, write int16) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ep.push(constSamples(160, read))
		_, err := s.ReadFrame(ctx)
		require.NoError(t, err)
		require.NoError(t, s.WriteFrame(ctx, &frame.Frame{
			Samples: constSamples(160, write), Rate: frame.DefaultSampleRate, Channels: 1,
		}))
	}
}

func drainEvents(s *session.Session) []*event.Event {
	var out []*event.Event
	for {
		ev, ok := s.DequeueEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}
