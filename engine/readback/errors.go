package readback

import "errors"

var (
	// ErrNotReady is returned by Take while a request is still pending, dispatching, or copying.
	// It is not a failure; poll again on a later tick.
	ErrNotReady = errors.New("readback: not ready")

	// ErrFailed wraps the cause of a request that reached the failed state.
	ErrFailed = errors.New("readback: request failed")

	// ErrUnknownToken is returned by Take for a token that was never issued or was already taken.
	ErrUnknownToken = errors.New("readback: unknown token")

	// ErrLayoutMismatch is returned at registration when the shader and the component disagree
	// about the bind group layout or the result byte size.
	ErrLayoutMismatch = errors.New("readback: layout mismatch")

	// ErrRegistration is returned at registration for an invalid or duplicate component.
	ErrRegistration = errors.New("readback: registration failed")

	// ErrStalled is the failure cause of a request whose staging buffer was not mapped within the stall limit.
	ErrStalled = errors.New("readback: request stalled")

	// ErrSizeMismatch is the failure cause of a request whose mapped bytes do not match the result size.
	ErrSizeMismatch = errors.New("readback: mapped size mismatch")
)
