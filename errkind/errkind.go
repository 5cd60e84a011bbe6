// Package errkind classifies the failures that cross the chunk engine's
// network and disk boundaries, replacing the typed-exception control flow
// of the reference implementation with an explicit discriminator that the
// retry loop in each layer switches on.
package errkind

// Kind discriminates how a failure should be handled by a retry loop.
type Kind int

const (
	// Fatal errors kill the connection or abort the operation outright;
	// retrying cannot help (protocol violations, NO_SUCH_CHUNK).
	Fatal Kind = iota
	// Recoverable errors may succeed if retried, possibly against a
	// different replica or after a backoff (timeouts, LOCKED, transport
	// resets, a single chain's IO error when another chain can serve).
	Recoverable
	// Unrecoverable errors are terminal for the calling operation but do
	// not necessarily indicate anything is wrong elsewhere (ENOENT, QUOTA,
	// NOSPACE, or a Recoverable error repeated past its retry budget).
	Unrecoverable
)

func (k Kind) String() string {
	switch k {
	case Fatal:
		return "fatal"
	case Recoverable:
		return "recoverable"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Error pairs a classified Kind with the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given classification. A nil cause yields a nil
// *Error so call sites can wrap unconditionally and still check for nil.
func New(kind Kind, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Promote reclassifies err as Unrecoverable once a retry budget has been
// exhausted: repeated Recoverable
// failures beyond max_retries become terminal.
func Promote(err error) error {
	e, ok := err.(*Error)
	if !ok {
		return err
	}
	return &Error{Kind: Unrecoverable, Cause: e.Cause}
}
