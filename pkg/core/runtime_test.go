package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu      sync.Mutex
	created []string
	hangups map[string]string
}

func (h *recordingHandler) OnSessionCreate(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, id)
}

func (h *recordingHandler) OnSessionHangup(id, cause string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hangups == nil {
		h.hangups = make(map[string]string)
	}
	h.hangups[id] = cause
}

func newTestRuntime(t *testing.T, mutate func(c *Config)) *RuntimeContext {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Core.Hostname = "test-host"
	if mutate != nil {
		mutate(cfg)
	}
	rt := NewRuntime(cfg)
	require.NoError(t, rt.Init(context.Background()))
	t.Cleanup(func() { _ = rt.Destroy() })
	return rt
}

func TestRuntimeLifecycle(t *testing.T) {
	rt := NewRuntime(nil)
	assert.Equal(t, RuntimeStateNew, rt.State())
	assert.False(t, rt.Running())
	assert.Zero(t, rt.Uptime())

	require.NoError(t, rt.Init(context.Background()))
	assert.True(t, rt.Running())
	assert.NotEmpty(t, rt.Hostname())
	assert.Len(t, rt.Serial(), 36)
	assert.Equal(t, rt.Serial(), rt.GetVariable("core_uuid"))
	assert.Equal(t, rt.Hostname(), rt.GetVariable("hostname"))

	err := rt.Init(context.Background())
	assert.True(t, HasErrorCode(err, ErrorCodeAlreadyActive))

	rt.AddStateHandler(&recordingHandler{})
	require.NoError(t, rt.Destroy())
	assert.Equal(t, RuntimeStateDestroyed, rt.State())
	assert.Empty(t, rt.Variables())
	assert.Empty(t, rt.snapshotHandlers())

	assert.NoError(t, rt.Destroy(), "повторный Destroy")
	assert.True(t, HasErrorCode(rt.Init(context.Background()), ErrorCodeAlreadyActive))
}

func TestRuntimeInitInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Core.LogLevel = "loud"
	rt := NewRuntime(cfg)

	err := rt.Init(context.Background())
	assert.True(t, HasErrorCode(err, ErrorCodeInvalidArgument))
	assert.Equal(t, RuntimeStateNew, rt.State())
}

func TestRuntimeVariables(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) {
		c.Core.Variables = map[string]string{"domain": "example.org"}
	})

	assert.Equal(t, "test-host", rt.Hostname())
	assert.Equal(t, "example.org", rt.GetVariable("domain"))

	rt.SetVariable("codec", "PCMU")
	assert.Equal(t, "sip:100@example.org;codec=PCMU;x=",
		rt.ExpandVariables("sip:100@${domain};codec=${codec};x=${missing}"))

	vars := rt.Variables()
	vars["domain"] = "changed"
	assert.Equal(t, "example.org", rt.GetVariable("domain"), "копия таблицы")

	rt.SetVariable("codec", "")
	_, ok := rt.Variables()["codec"]
	assert.False(t, ok)
}

func TestRuntimeStateHandlers(t *testing.T) {
	rt := newTestRuntime(t, nil)
	h1, h2 := &recordingHandler{}, &recordingHandler{}
	rt.AddStateHandler(h1)
	rt.AddStateHandler(h2)

	rt.NotifyCreate("a")
	rt.NotifyHangup("a", "NORMAL_CLEARING")

	assert.Equal(t, []string{"a"}, h1.created)
	assert.Equal(t, "NORMAL_CLEARING", h2.hangups["a"])

	assert.True(t, rt.RemoveStateHandler(h1))
	assert.False(t, rt.RemoveStateHandler(h1))
	rt.NotifyCreate("b")
	assert.Equal(t, []string{"a"}, h1.created)
	assert.Equal(t, []string{"a", "b"}, h2.created)
}

func TestRuntimeSessionLimit(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) { c.Core.MaxSessions = 2 })

	require.NoError(t, rt.SessionStarted())
	require.NoError(t, rt.SessionStarted())
	err := rt.SessionStarted()
	assert.True(t, HasErrorCode(err, ErrorCodeResourceExhausted))

	active, peak, total := rt.SessionCounts()
	assert.Equal(t, int64(2), active)
	assert.Equal(t, int64(2), peak)
	assert.Equal(t, uint64(2), total)

	rt.SessionEnded()
	rt.SessionEnded()
	require.NoError(t, rt.SessionStarted())
	active, peak, total = rt.SessionCounts()
	assert.Equal(t, int64(1), active)
	assert.Equal(t, int64(2), peak)
	assert.Equal(t, uint64(3), total)
	rt.SessionEnded()
}

func TestRuntimeCheckACL(t *testing.T) {
	rt := newTestRuntime(t, func(c *Config) {
		c.ACL = []ACLConfig{{
			Name:  "trusted",
			Nodes: []ACLNodeConfig{{Type: "allow", CIDR: "127.0.0.0/8"}},
		}}
	})

	ok, err := rt.CheckACL("trusted", "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rt.CheckACL("trusted", "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = rt.CheckACL("other", "127.0.0.1")
	assert.True(t, HasErrorCode(err, ErrorCodeNotFound))
}
