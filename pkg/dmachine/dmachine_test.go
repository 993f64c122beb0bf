package dmachine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arzzra/switch_core/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(cfg Config) (*DMachine, *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	if cfg.DigitTimeout == 0 {
		cfg.DigitTimeout = 1500 * time.Millisecond
	}
	cfg.Metrics = core.NewMetrics()
	dm := New("test", cfg)
	dm.now = clk.now
	dm.lastDigitTime = clk.now()
	return dm, clk
}

func TestExactMatchLongestWins(t *testing.T) {
	dm, _ := newTestMachine(Config{})

	var fired []string
	cb := func(name string) Callback {
		return func(m *Match) Action {
			fired = append(fired, name)
			return ActionContinue
		}
	}
	require.NoError(t, dm.Bind("default", "123", 1, cb("123"), nil))
	require.NoError(t, dm.Bind("default", "1234", 2, cb("1234"), nil))
	assert.Equal(t, 4, dm.MaxDigitLen())

	res, err := dm.Feed("123")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Match)
	assert.Equal(t, MatchBoth, res.Match.Type)
	assert.Empty(t, fired)

	res, err = dm.Feed("4")
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, int32(2), res.Match.Key)
	assert.Equal(t, []string{"1234"}, fired)
	assert.Equal(t, "1234", dm.LastMatchingDigits())
	assert.False(t, dm.IsParsing())
}

func TestBothResolvesAtTimeout(t *testing.T) {
	dm, clk := newTestMachine(Config{})
	require.NoError(t, dm.Bind("", "123", 1, nil, nil))
	require.NoError(t, dm.Bind("", "1234", 2, nil, nil))

	_, err := dm.Feed("123")
	require.NoError(t, err)

	clk.advance(time.Second)
	assert.Equal(t, StatusSuccess, dm.Ping().Status)

	clk.advance(time.Second)
	res := dm.Ping()
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, int32(1), res.Match.Key)
	assert.True(t, res.Match.IsTimeout)
}

func TestTimeoutNotFound(t *testing.T) {
	var failed *Match
	dm, clk := newTestMachine(Config{
		NonMatchCallback: func(m *Match) Action {
			failed = m
			return ActionContinue
		},
	})
	require.NoError(t, dm.Bind("default", "123", 1, nil, nil))

	res, err := dm.Feed("12")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchPartial, res.Match.Type)

	clk.advance(1500 * time.Millisecond)
	res = dm.Ping()
	assert.Equal(t, StatusNotFound, res.Status)
	require.NotNil(t, failed)
	assert.Equal(t, "12", failed.Digits)
	assert.Equal(t, "12", dm.LastFailedDigits())
	assert.Equal(t, "", dm.Digits())
}

func TestNotFoundAtMaxLength(t *testing.T) {
	nonMatches := 0
	dm, _ := newTestMachine(Config{
		NonMatchCallback: func(*Match) Action { nonMatches++; return ActionContinue },
	})
	require.NoError(t, dm.Bind("default", "12", 1, nil, nil))

	res, err := dm.Feed("99")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, 1, nonMatches)
	assert.Equal(t, "99", dm.LastFailedDigits())
}

func TestFullBufferWithoutDigitTimeout(t *testing.T) {
	dm, clk := newTestMachine(Config{})
	dm.SetDigitTimeout(0)
	require.NoError(t, dm.Bind("default", "12", 1, nil, nil))
	require.NoError(t, dm.Bind("default", "129", 2, nil, nil))

	res, err := dm.Feed("12")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchBoth, res.Match.Type)

	res, err = dm.Feed("3")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, "123", dm.LastFailedDigits())
	assert.Equal(t, "", dm.Digits())

	t.Run("после несовпадения машина принимает ввод", func(t *testing.T) {
		clk.advance(time.Hour)
		assert.Equal(t, StatusSuccess, dm.Ping().Status)

		res, err := dm.Feed("129")
		require.NoError(t, err)
		assert.Equal(t, StatusMatch, res.Status)
		assert.Equal(t, int32(2), res.Match.Key)
	})

	t.Run("шаблон короче буфера не считается частичным", func(t *testing.T) {
		res, err := dm.Feed("1")
		require.NoError(t, err)
		assert.Equal(t, MatchPartial, res.Match.Type)
		res, err = dm.Feed("2")
		require.NoError(t, err)
		assert.Equal(t, MatchBoth, res.Match.Type)
		res, err = dm.Feed("8")
		require.NoError(t, err)
		assert.Equal(t, StatusNotFound, res.Status)
	})
}

func TestRegexUpgradeAtTimeout(t *testing.T) {
	dm, clk := newTestMachine(Config{})
	require.NoError(t, dm.Bind("default", "~^1[0-9]$", 7, nil, nil))
	assert.Equal(t, MaxDigits, dm.MaxDigitLen())

	res, err := dm.Feed("1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchPartial, res.Match.Type)

	res, err = dm.Feed("5")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, MatchPartial, res.Match.Type)

	clk.advance(2 * time.Second)
	res = dm.Ping()
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, "15", res.Match.Digits)
	assert.Equal(t, int32(7), res.Match.Key)

	t.Run("префикс, который не может совпасть", func(t *testing.T) {
		res, err := dm.Feed("2")
		require.NoError(t, err)
		assert.Equal(t, MatchNone, res.Match.Type)
	})
}

func TestPartialMatcher(t *testing.T) {
	cases := []struct {
		expr  string
		input string
		want  bool
	}{
		{"^1[0-9]$", "1", true},
		{"^1[0-9]$", "15", true},
		{"^1[0-9]$", "2", false},
		{"^1[0-9]$", "155", false},
		{"^(11|22)#$", "2", true},
		{"^9.*$", "9", true},
		{"^9.*$", "8", false},
		{"5", "1234", true},
	}
	for _, tc := range cases {
		pm, err := compilePartial(tc.expr)
		require.NoError(t, err)
		assert.Equal(t, tc.want, pm.prefixOf(tc.input), "%s / %s", tc.expr, tc.input)
	}
}

func TestClearIdempotent(t *testing.T) {
	dm, clk := newTestMachine(Config{})
	require.NoError(t, dm.Bind("default", "1", 1, nil, nil))
	require.NoError(t, dm.Bind("default", "22", 2, nil, nil))

	_, err := dm.Feed("1")
	require.NoError(t, err)
	_, err = dm.Feed("33")
	require.NoError(t, err)
	assert.Equal(t, "1", dm.LastMatchingDigits())
	assert.Equal(t, "33", dm.LastFailedDigits())

	before := dm.lastDigitTime
	clk.advance(time.Millisecond)
	dm.Clear()
	dm.Clear()
	assert.Equal(t, before, dm.lastDigitTime)
	assert.Equal(t, "1", dm.LastMatchingDigits())
	assert.Equal(t, "33", dm.LastFailedDigits())
}

func TestFeedOverflow(t *testing.T) {
	dm, _ := newTestMachine(Config{})
	require.NoError(t, dm.Bind("default", "1234", 1, nil, nil))

	_, err := dm.Feed("12")
	require.NoError(t, err)

	_, err = dm.Feed("345")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrResourceExhausted))
	assert.Equal(t, "12", dm.Digits())
}

func TestBindValidation(t *testing.T) {
	dm, _ := newTestMachine(Config{})

	err := dm.Bind("default", strings.Repeat("1", MaxDigits+1), 1, nil, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))

	err = dm.Bind("default", "~^[", 1, nil, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))

	err = dm.Bind("default", "", 1, nil, nil)
	assert.True(t, errors.Is(err, core.ErrInvalidArgument))

	_, err = dm.Feed("1")
	assert.True(t, errors.Is(err, core.ErrNotReady), "нет ни одного realm")
}

func TestRealms(t *testing.T) {
	dm, _ := newTestMachine(Config{})
	require.NoError(t, dm.Bind("main", "1", 1, nil, nil))
	require.NoError(t, dm.Bind("admin", "9", 9, nil, nil))
	assert.Equal(t, "main", dm.Realm())

	res, err := dm.Feed("9")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)

	require.NoError(t, dm.SetRealm("admin"))
	res, err = dm.Feed("9")
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, int32(9), res.Match.Key)

	assert.True(t, errors.Is(dm.SetRealm("missing"), core.ErrNotFound))

	require.NoError(t, dm.ClearRealm("admin"))
	_, err = dm.Feed("9")
	assert.True(t, errors.Is(err, core.ErrNotReady))

	require.NoError(t, dm.SetRealm("main"))
	res, err = dm.Feed("1")
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, res.Status)
}

func TestCallbackActions(t *testing.T) {
	t.Run("break из обработчика привязки", func(t *testing.T) {
		machineCalls := 0
		dm, _ := newTestMachine(Config{
			MatchCallback: func(*Match) Action { machineCalls++; return ActionContinue },
		})
		require.NoError(t, dm.Bind("default", "5", 1, func(*Match) Action { return ActionBreak }, nil))

		res, err := dm.Feed("5")
		require.NoError(t, err)
		assert.Equal(t, StatusBreak, res.Status)
		assert.Equal(t, 0, machineCalls)
	})

	t.Run("обработчик машины получает данные машины", func(t *testing.T) {
		var got interface{}
		dm, _ := newTestMachine(Config{
			UserData: "machine",
			MatchCallback: func(m *Match) Action {
				got = m.UserData
				return ActionBreak
			},
		})
		require.NoError(t, dm.Bind("default", "5", 1, nil, "binding"))

		res, err := dm.Feed("5")
		require.NoError(t, err)
		assert.Equal(t, StatusBreak, res.Status)
		assert.Equal(t, "machine", got)
		assert.Equal(t, "binding", res.Match.UserData)
	})
}

func TestTerminatorsAndInputTimeout(t *testing.T) {
	dm, clk := newTestMachine(Config{InputTimeout: 5 * time.Second})
	dm.SetTerminators("#")
	require.NoError(t, dm.Bind("default", "12", 1, nil, nil))
	require.NoError(t, dm.Bind("default", "123", 2, nil, nil))

	res, err := dm.Feed("12#")
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, res.Status)
	assert.Equal(t, int32(1), res.Match.Key)

	assert.Equal(t, StatusSuccess, dm.Ping().Status, "пустой буфер до таймаута")
	clk.advance(5 * time.Second)
	assert.Equal(t, StatusTimeout, dm.Ping().Status)
	assert.Equal(t, "", dm.LastFailedDigits())
}

func TestDestroy(t *testing.T) {
	dm, _ := newTestMachine(Config{})
	require.NoError(t, dm.Bind("default", "1", 1, nil, nil))
	dm.Destroy()

	_, err := dm.Feed("1")
	assert.True(t, errors.Is(err, core.ErrNotReady))
	assert.Equal(t, StatusSuccess, dm.Ping().Status)
	assert.Error(t, dm.Bind("default", "1", 1, nil, nil))
}
