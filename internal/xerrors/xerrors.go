// Package xerrors defines the error taxonomy shared by every layer of the
// driver: the link, protocol, plan builder and driver packages all return
// errors wrapped with a Kind so the driver can classify a failure without
// re-parsing error strings.
package xerrors

import "fmt"

// Kind classifies a failure into one of a small set of buckets. It is not
// the error message itself; pkg/errors.Wrap supplies the human-readable
// context on top of a Kind.
type Kind int

const (
	// Argument is CLI parsing, a missing flag, or an unreadable path.
	Argument Kind = iota
	// IO is a serial or file I/O failure not attributable to a timeout.
	IO
	// Timeout is a blocking read that exceeded the active timeout.
	Timeout
	// UnexpectedResponse is a protocol byte outside the contract.
	UnexpectedResponse
	// DeviceReportedError is a NAK payload the host cannot recover from locally.
	DeviceReportedError
	// RetriesExhausted is a bounded retry budget that ran out.
	RetriesExhausted
	// Parse is a malformed instruction file.
	Parse
	// OverlapForbidden is planner overlap detected without -o.
	OverlapForbidden
	// InvalidPlan is an empty file, out-of-range address, or oversized file.
	InvalidPlan
	// InternalInvariantViolated indicates a bug, e.g. a partial-sector read
	// that isn't at end of file.
	InternalInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case Argument:
		return "ArgumentError"
	case IO:
		return "IoError"
	case Timeout:
		return "Timeout"
	case UnexpectedResponse:
		return "UnexpectedResponse"
	case DeviceReportedError:
		return "DeviceReportedError"
	case RetriesExhausted:
		return "RetriesExhausted"
	case Parse:
		return "ParseError"
	case OverlapForbidden:
		return "OverlapForbidden"
	case InvalidPlan:
		return "InvalidPlan"
	case InternalInvariantViolated:
		return "InternalInvariantViolated"
	default:
		return "UnknownError"
	}
}

// Error pairs a Kind with a message. Use New/Newf to construct one and
// pkg/errors.Wrap(err, "...") at call sites that need to add context as the
// error travels up to Driver.
type Error struct {
	Kind Kind
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// New builds an *Error of the given Kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf builds an *Error of the given Kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// KindOf unwraps err (following pkg/errors causes) looking for an *Error and
// returns its Kind, or InternalInvariantViolated if none is found. An
// un-tagged error reaching the driver is itself a bug in the layer that
// produced it.
func KindOf(err error) Kind {
	type causer interface {
		Cause() error
	}
	for err != nil {
		if xe, ok := err.(*Error); ok {
			return xe.Kind
		}
		c, ok := err.(causer)
		if !ok {
			break
		}
		err = c.Cause()
	}
	return InternalInvariantViolated
}
