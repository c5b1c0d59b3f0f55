package readback

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/Carmen-Shannon/oxy-readback/engine/renderer/bind_group_provider"
)

// entry is the per-token record. The simulation side creates and removes entries; the render side
// performs every state transition in between.
type entry[S, R, Out any] struct {
	input    S
	data     R
	provider bind_group_provider.BindGroupProvider
	state    State
	result   Out
	err      error
}

// Ledger is the table of requests for one payload kind. It is created by Register and shared by the
// simulation side (Issue, Take) and the render side (build, dispatch, resolve). The mutex is the only
// synchronisation point between the two.
type Ledger[S, R, Out any] struct {
	mu      *sync.Mutex
	kind    string
	seq     uint64
	entries map[Token]*entry[S, R, Out]
	strict  bool
}

// pendingRef is a snapshot of a Pending entry taken by the dispatch stage.
type pendingRef[S any] struct {
	token Token
	input S
}

// dispatchRef is a snapshot of a Dispatching entry taken by the dispatch stage.
type dispatchRef struct {
	token    Token
	provider bind_group_provider.BindGroupProvider
}

// NewLedger creates an empty ledger for a payload kind. Register creates the ledger for every
// registered component; NewLedger is exported for hosts that drive the stages themselves.
//
// Parameters:
//   - kind: the payload kind tag carried by every issued token
//   - strict: if true, unknown-token takes and invalid resolves panic instead of logging
//
// Returns:
//   - *Ledger[S, R, Out]: the new ledger
func NewLedger[S, R, Out any](kind string, strict bool) *Ledger[S, R, Out] {
	return &Ledger[S, R, Out]{
		mu:      &sync.Mutex{},
		kind:    kind,
		entries: make(map[Token]*entry[S, R, Out]),
		strict:  strict,
	}
}

// Kind returns the payload kind tag of the ledger.
func (l *Ledger[S, R, Out]) Kind() string {
	return l.kind
}

// Issue inserts a Pending entry holding input and returns its token. It performs no GPU work.
//
// Parameters:
//   - input: the simulation-side payload
//
// Returns:
//   - Token: the newly issued token
func (l *Ledger[S, R, Out]) Issue(input S) Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	t := Token{kind: l.kind, seq: l.seq}
	l.entries[t] = &entry[S, R, Out]{input: input, state: StatePending}
	return t
}

// Lookup reports the state of a token without changing it.
//
// Parameters:
//   - t: the token to look up
//
// Returns:
//   - State: the current state of the entry
//   - bool: false if the token is not in the ledger
func (l *Ledger[S, R, Out]) Lookup(t Token) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[t]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Take is the poll primitive. A non-terminal entry yields ErrNotReady and is left in place. A Ready
// entry is removed and its result returned. A Failed entry is removed and an error wrapping ErrFailed
// and the cause is returned. A token that is not in the ledger yields ErrUnknownToken, or a panic
// when the ledger is strict.
//
// Parameters:
//   - t: the token to take
//
// Returns:
//   - Out: the decoded result when the entry was Ready
//   - error: nil, ErrNotReady, a wrapped ErrFailed, or ErrUnknownToken
func (l *Ledger[S, R, Out]) Take(t Token) (Out, error) {
	var zero Out

	l.mu.Lock()
	e, ok := l.entries[t]
	if !ok {
		l.mu.Unlock()
		l.violation("take of unknown token %s", t)
		return zero, fmt.Errorf("%w: %s", ErrUnknownToken, t)
	}

	switch e.state {
	case StateReady:
		delete(l.entries, t)
		l.mu.Unlock()
		return e.result, nil
	case StateFailed:
		delete(l.entries, t)
		l.mu.Unlock()
		return zero, fmt.Errorf("%w: %s: %w", ErrFailed, t, e.err)
	default:
		l.mu.Unlock()
		return zero, ErrNotReady
	}
}

// Len returns the number of entries in the ledger, terminal entries not yet taken included.
func (l *Ledger[S, R, Out]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Counts returns the number of entries in each state.
//
// Returns:
//   - map[State]int: entry counts keyed by state; states with no entries are omitted
func (l *Ledger[S, R, Out]) Counts() map[State]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[State]int)
	for _, e := range l.entries {
		counts[e.state]++
	}
	return counts
}

// Handle returns the simulation-side facade over the ledger.
//
// Returns:
//   - Handle[S, Out]: a handle bound to this ledger
func (l *Ledger[S, R, Out]) Handle() Handle[S, Out] {
	return Handle[S, Out]{ledger: l}
}

// resolve is the result relay: it moves a CopyPending entry to Ready, or to Failed when err is
// non-nil. Resolving a missing or non-CopyPending token is a scheduling bug; the write is dropped.
// The entry's provider is returned so the caller can free it outside the lock.
func (l *Ledger[S, R, Out]) resolve(t Token, out Out, err error) (bind_group_provider.BindGroupProvider, bool) {
	l.mu.Lock()
	e, ok := l.entries[t]
	if !ok || e.state != StateCopyPending {
		l.mu.Unlock()
		if !ok {
			l.violation("resolve of unknown token %s", t)
		} else {
			l.violation("resolve of %s in state %s", t, e.state)
		}
		return nil, false
	}

	if err != nil {
		e.state = StateFailed
		e.err = err
	} else {
		e.state = StateReady
		e.result = out
	}
	p := e.provider
	e.provider = nil
	l.mu.Unlock()
	return p, true
}

// pending snapshots every Pending entry in issue order.
func (l *Ledger[S, R, Out]) pending() []pendingRef[S] {
	l.mu.Lock()
	defer l.mu.Unlock()

	var refs []pendingRef[S]
	for t, e := range l.entries {
		if e.state == StatePending {
			refs = append(refs, pendingRef[S]{token: t, input: e.input})
		}
	}
	slices.SortFunc(refs, func(a, b pendingRef[S]) int { return cmp.Compare(a.token.seq, b.token.seq) })
	return refs
}

// built records the outcome of building a Pending entry: Dispatching with its render payload and
// provider, or Failed with err.
func (l *Ledger[S, R, Out]) built(t Token, data R, p bind_group_provider.BindGroupProvider, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[t]
	if !ok || e.state != StatePending {
		return false
	}
	if err != nil {
		e.state = StateFailed
		e.err = err
		return true
	}
	e.data = data
	e.provider = p
	e.state = StateDispatching
	return true
}

// dispatching snapshots every Dispatching entry in issue order.
func (l *Ledger[S, R, Out]) dispatching() []dispatchRef {
	l.mu.Lock()
	defer l.mu.Unlock()

	var refs []dispatchRef
	for t, e := range l.entries {
		if e.state == StateDispatching {
			refs = append(refs, dispatchRef{token: t, provider: e.provider})
		}
	}
	slices.SortFunc(refs, func(a, b dispatchRef) int { return cmp.Compare(a.token.seq, b.token.seq) })
	return refs
}

// copyPending moves a Dispatching entry to CopyPending once its dispatch and copy are recorded.
func (l *Ledger[S, R, Out]) copyPending(t Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[t]
	if !ok || e.state != StateDispatching {
		return false
	}
	e.state = StateCopyPending
	return true
}

// fail moves any non-terminal entry to Failed and returns its provider for release.
func (l *Ledger[S, R, Out]) fail(t Token, err error) (bind_group_provider.BindGroupProvider, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[t]
	if !ok || e.state.Terminal() {
		return nil, false
	}
	e.state = StateFailed
	e.err = err
	p := e.provider
	e.provider = nil
	return p, true
}

// failInFlight fails every non-terminal entry with err and returns the providers to release.
func (l *Ledger[S, R, Out]) failInFlight(err error) (int, []bind_group_provider.BindGroupProvider) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		n         int
		providers []bind_group_provider.BindGroupProvider
	)
	for _, e := range l.entries {
		if e.state.Terminal() {
			continue
		}
		e.state = StateFailed
		e.err = err
		if e.provider != nil {
			providers = append(providers, e.provider)
			e.provider = nil
		}
		n++
	}
	return n, providers
}

// detachAll hands back every provider still held by the ledger, used at teardown.
func (l *Ledger[S, R, Out]) detachAll() []bind_group_provider.BindGroupProvider {
	l.mu.Lock()
	defer l.mu.Unlock()

	var providers []bind_group_provider.BindGroupProvider
	for _, e := range l.entries {
		if e.provider != nil {
			providers = append(providers, e.provider)
			e.provider = nil
		}
	}
	return providers
}

func (l *Ledger[S, R, Out]) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.strict {
		panic("readback: " + msg)
	}
	Logger().Warn("readback: invariant violation", "kind", l.kind, "detail", msg)
}
