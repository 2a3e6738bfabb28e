package api

import "errors"

// Error kinds. Every failure a caller can see matches exactly one of them
// with errors.Is.
var (
	ErrConfig       = errors.New("invalid config")
	ErrConnection   = errors.New("connection failed")
	ErrNotConnected = errors.New("not connected")
	ErrSecurity     = errors.New("request blocked")
	ErrNoPeers      = errors.New("no nodes available right now")
	ErrTimeout      = errors.New("timeout")
	ErrTunnel       = errors.New("tunnel failure")
	ErrRemote       = errors.New("remote fetch failed")

	ErrMalformed = errors.New("malformed")
)

// DefaultRemoteReason is used when an exit node reports a failure without text.
const DefaultRemoteReason = "Fetch Failed"

// Error is a failure of some Kind with an optional human reason and cause.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fail makes an error of the kind with a reason.
func Fail(kind error, reason string) *Error { return &Error{Kind: kind, Reason: reason} }

// Wrap makes an error of the kind caused by err.
func Wrap(kind error, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind sentinel of err or nil if it has none.
func KindOf(err error) error {
	for _, k := range []error{ErrConfig, ErrConnection, ErrNotConnected, ErrSecurity,
		ErrNoPeers, ErrTimeout, ErrTunnel, ErrRemote} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
