package readback

// Handle is the simulation-side API for one payload kind. It holds no state of its own; every call
// goes to the kind's Ledger, so a handle obtained on one tick and a handle obtained on the next see
// the same requests.
type Handle[S, Out any] struct {
	ledger interface {
		Issue(input S) Token
		Take(t Token) (Out, error)
	}
}

// Request submits a new request and returns its token. It never blocks and performs no GPU work.
//
// Parameters:
//   - input: the simulation-side payload
//
// Returns:
//   - Token: the token to poll with TryGet
func (h Handle[S, Out]) Request(input S) Token {
	return h.ledger.Issue(input)
}

// TryGet polls a token. It never blocks. While the request is in flight it returns ErrNotReady.
// Once the request has resolved, exactly one call returns the result (nil error) or an error
// wrapping ErrFailed; every later call returns ErrUnknownToken.
//
// Parameters:
//   - t: the token returned by Request
//
// Returns:
//   - Out: the decoded result, valid only when the error is nil
//   - error: nil, ErrNotReady, a wrapped ErrFailed, or ErrUnknownToken
func (h Handle[S, Out]) TryGet(t Token) (Out, error) {
	return h.ledger.Take(t)
}
