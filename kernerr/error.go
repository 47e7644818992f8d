// Package kernerr defines the shared error type used across every kernel
// subsystem. There is no exception-style unwinding in this kernel: entry
// points return a value of this type (or nil) and callers inspect Kind to
// decide whether to retry, drop and count, or halt.
package kernerr

import "fmt"

// Kind classifies an error into the taxonomy every subsystem reports
// against. It is not a type hierarchy — just an enum callers switch on.
type Kind int

const (
	// ResourceExhaustion covers allocator, pool, socket/connection table
	// exhaustion. Always reported to the caller, never a panic.
	ResourceExhaustion Kind = iota
	// InvalidArgument covers nil pointers, out-of-range ports, malformed
	// addresses.
	InvalidArgument
	// ProtocolViolation covers checksum mismatches, oversized datagrams,
	// malformed options, out-of-range fragments. The offending packet is
	// dropped and a subsystem counter incremented; processing continues.
	ProtocolViolation
	// TransientFailure covers conditions the caller may retry: no free
	// tx descriptor, receive buffer full.
	TransientFailure
	// Fatal covers unrecoverable CPU exceptions. The only Kind for which
	// the expected response is to disable interrupts and halt.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case ResourceExhaustion:
		return "resource-exhaustion"
	case InvalidArgument:
		return "invalid-argument"
	case ProtocolViolation:
		return "protocol-violation"
	case TransientFailure:
		return "transient-failure"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the kernel's sole error value type. Module names the
// subsystem that produced it (e.g. "pmm", "vmm", "tcp").
type Error struct {
	Module  string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Module, e.Kind, e.Message)
}

// New builds an Error for the given module/kind with a formatted message.
func New(module string, kind Kind, format string, args ...any) *Error {
	return &Error{Module: module, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error of the given Kind. Safe to call with
// a nil err.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
