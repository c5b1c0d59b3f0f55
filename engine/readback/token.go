package readback

import "fmt"

// Token identifies one request. Tokens are issued by a Ledger in strictly increasing order per
// payload kind, are comparable, and are consumed by the Take that returns a terminal outcome.
// The zero Token is never issued.
type Token struct {
	kind string
	seq  uint64
}

// Kind returns the payload kind that issued the token.
func (t Token) Kind() string {
	return t.kind
}

// Seq returns the per-kind sequence number of the token, starting at 1.
func (t Token) Seq() uint64 {
	return t.seq
}

// IsZero reports whether the token is the zero value.
func (t Token) IsZero() bool {
	return t.seq == 0
}

func (t Token) String() string {
	return fmt.Sprintf("%s#%d", t.kind, t.seq)
}

// State is the lifecycle state of a request.
type State int

const (
	// StatePending means the request was issued and the render side has not built its resources yet.
	StatePending State = iota

	// StateDispatching means the request's resources are built and its dispatch is being recorded.
	StateDispatching

	// StateCopyPending means the dispatch and the output copy were recorded and the staging buffer is awaiting its map.
	StateCopyPending

	// StateReady means the result was decoded and is waiting to be taken.
	StateReady

	// StateFailed means the request failed and the error is waiting to be taken.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatching:
		return "dispatching"
	case StateCopyPending:
		return "copy_pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is Ready or Failed.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}
