package readback

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerIssue(t *testing.T) {
	l := NewLedger[int, int, string]("sum", false)

	t1 := l.Issue(1)
	t2 := l.Issue(2)

	assert.Equal(t, "sum#1", t1.String())
	assert.Equal(t, "sum#2", t2.String())
	assert.Equal(t, "sum", t1.Kind())
	assert.False(t, t1.IsZero())
	assert.True(t, Token{}.IsZero())
	assert.NotEqual(t, t1, t2)
	assert.Equal(t, 2, l.Len())

	state, ok := l.Lookup(t1)
	require.True(t, ok)
	assert.Equal(t, StatePending, state)

	_, ok = l.Lookup(Token{kind: "sum", seq: 99})
	assert.False(t, ok)
}

func TestLedgerTakeWhilePendingKeepsEntry(t *testing.T) {
	l := NewLedger[int, int, string]("sum", false)
	tok := l.Issue(1)

	for i := 0; i < 3; i++ {
		_, err := l.Take(tok)
		require.ErrorIs(t, err, ErrNotReady)
	}
	assert.Equal(t, 1, l.Len())
}

func TestLedgerLifecycle(t *testing.T) {
	l := NewLedger[int, int, string]("sum", false)
	ok := l.Issue(1)
	bad := l.Issue(2)

	refs := l.pending()
	require.Len(t, refs, 2)
	assert.Equal(t, ok, refs[0].token, "pending entries are snapshotted in issue order")

	require.True(t, l.built(ok, 10, nil, nil))
	require.True(t, l.built(bad, 20, nil, nil))
	require.True(t, l.copyPending(ok))
	require.True(t, l.copyPending(bad))
	assert.Equal(t, map[State]int{StateCopyPending: 2}, l.Counts())

	_, done := l.resolve(ok, "eleven", nil)
	require.True(t, done)
	_, done = l.resolve(bad, "", errors.New("boom"))
	require.True(t, done)

	_, done = l.resolve(ok, "again", nil)
	assert.False(t, done, "a terminal entry cannot be resolved twice")

	out, err := l.Take(ok)
	require.NoError(t, err)
	assert.Equal(t, "eleven", out)

	_, err = l.Take(bad)
	require.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "boom")

	_, err = l.Take(ok)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestLedgerResolveRequiresCopyPending(t *testing.T) {
	l := NewLedger[int, int, string]("sum", false)
	tok := l.Issue(1)

	_, done := l.resolve(tok, "early", nil)
	assert.False(t, done)

	state, _ := l.Lookup(tok)
	assert.Equal(t, StatePending, state, "a dropped resolve leaves the entry untouched")
}

func TestLedgerStrictResolvePanics(t *testing.T) {
	l := NewLedger[int, int, string]("sum", true)
	tok := l.Issue(1)

	assert.Panics(t, func() { l.resolve(tok, "early", nil) })
	assert.Panics(t, func() { l.resolve(Token{kind: "sum", seq: 42}, "", nil) })
}

func TestLedgerFailInFlight(t *testing.T) {
	l := NewLedger[int, int, string]("sum", false)
	pending := l.Issue(1)
	copying := l.Issue(2)
	done := l.Issue(3)

	for _, tok := range []Token{copying, done} {
		require.True(t, l.built(tok, 0, nil, nil))
		require.True(t, l.copyPending(tok))
	}
	l.resolve(done, "ok", nil)

	cause := errors.New("gone")
	n, providers := l.failInFlight(cause)
	assert.Equal(t, 2, n)
	assert.Empty(t, providers)

	for _, tok := range []Token{pending, copying} {
		_, err := l.Take(tok)
		assert.ErrorIs(t, err, cause)
	}
	out, err := l.Take(done)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StatePending, "pending", false},
		{StateDispatching, "dispatching", false},
		{StateCopyPending, "copy_pending", false},
		{StateReady, "ready", true},
		{StateFailed, "failed", true},
		{State(42), "state(42)", false},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestLoggerDefaultsSilent(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	SetLogger(nil)
	assert.False(t, Logger().Enabled(t.Context(), slog.LevelError))

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	l := NewLedger[int, int, string]("sum", false)
	_, err := l.Take(Token{kind: "sum", seq: 7})
	require.ErrorIs(t, err, ErrUnknownToken)
	assert.Contains(t, buf.String(), "sum#7")
}
