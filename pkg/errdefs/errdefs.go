// Package errdefs defines the error kinds shared across the aegis core.
//
// Every package wraps one of these sentinels (with %w) instead of
// inventing ad-hoc error strings, so callers can branch on kind with
// errors.Is or the helpers below regardless of how deep the wrap is.
package errdefs

import "errors"

var (
	// ErrConfig marks invalid or missing configuration detected at
	// startup. Fatal; services exit with code 64.
	ErrConfig = errors.New("invalid configuration")

	// ErrTransport marks a broker connection or send failure. Retried
	// with backoff before being surfaced.
	ErrTransport = errors.New("transport failure")

	// ErrTimeout marks an operation that exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotConnected marks an operation attempted while the broker
	// connection is down.
	ErrNotConnected = errors.New("not connected")

	// ErrSerialization marks an encode or decode failure.
	ErrSerialization = errors.New("serialization failure")

	// ErrAlreadyExists marks a create-only KV write that hit an
	// existing key. Expected during election races.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRevisionMismatch marks a failed compare-and-swap: the entry's
	// revision moved underneath the writer.
	ErrRevisionMismatch = errors.New("revision mismatch")

	// ErrNotFound marks a read of a missing or expired key.
	ErrNotFound = errors.New("not found")

	// ErrHandlerFailed marks a user handler error; the runtime wraps it
	// into a structured response and logs it.
	ErrHandlerFailed = errors.New("handler failed")

	// ErrLeadershipLost marks a failed leader-key renewal; the instance
	// transitions to standby.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrInvalid marks a value that failed constructor-time validation.
	ErrInvalid = errors.New("invalid argument")

	// ErrUnsupported marks an option the selected broker backend cannot
	// honor (per-key TTL on bucket-granular backends, for example).
	ErrUnsupported = errors.New("unsupported operation")

	// ErrClosed marks use of a broker, watcher or runtime after Close.
	ErrClosed = errors.New("closed")
)

func IsConfig(err error) bool           { return errors.Is(err, ErrConfig) }
func IsTransport(err error) bool        { return errors.Is(err, ErrTransport) }
func IsTimeout(err error) bool          { return errors.Is(err, ErrTimeout) }
func IsNotConnected(err error) bool     { return errors.Is(err, ErrNotConnected) }
func IsSerialization(err error) bool    { return errors.Is(err, ErrSerialization) }
func IsAlreadyExists(err error) bool    { return errors.Is(err, ErrAlreadyExists) }
func IsRevisionMismatch(err error) bool { return errors.Is(err, ErrRevisionMismatch) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsHandlerFailed(err error) bool    { return errors.Is(err, ErrHandlerFailed) }
func IsLeadershipLost(err error) bool   { return errors.Is(err, ErrLeadershipLost) }
func IsInvalid(err error) bool          { return errors.Is(err, ErrInvalid) }
func IsUnsupported(err error) bool      { return errors.Is(err, ErrUnsupported) }
func IsClosed(err error) bool           { return errors.Is(err, ErrClosed) }

// Kind returns the stable identifier used in structured error payloads
// for the taxonomy sentinel wrapped by err, or "internal" when err does
// not wrap one.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsConfig(err):
		return "config"
	case IsTimeout(err):
		return "timeout"
	case IsNotConnected(err):
		return "not_connected"
	case IsSerialization(err):
		return "serialization"
	case IsAlreadyExists(err):
		return "already_exists"
	case IsRevisionMismatch(err):
		return "revision_mismatch"
	case IsNotFound(err):
		return "not_found"
	case IsHandlerFailed(err):
		return "handler_error"
	case IsLeadershipLost(err):
		return "leadership_lost"
	case IsInvalid(err):
		return "invalid"
	case IsUnsupported(err):
		return "unsupported"
	case IsClosed(err):
		return "closed"
	case IsTransport(err):
		return "transport"
	default:
		return "internal"
	}
}
