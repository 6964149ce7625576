// Package xerr classifies errors into the kinds spec'd for this client's
// error-handling design: callers branch on Kind, not on message text.
package xerr

import "errors"

// Kind is a coarse error classification shared across every subsystem.
type Kind int

const (
	// InputFormat covers malformed input from an untrusted peer: a bad SOCKS
	// request, an inconsistent cell length field. Recovery: close the
	// offending session.
	InputFormat Kind = iota
	// Protocol covers a command arriving at the wrong state, or a relay cell
	// whose integrity check fails. Recovery: tear down the circuit.
	Protocol
	// Crypto covers HKDF/AEAD failure or an authentication-tag mismatch.
	// Recovery: tear down the circuit, never retry with the same material.
	Crypto
	// Network covers connect refusals, timeouts, EOF mid-cell.
	Network
	// Directory covers consensus-fetch and relay-selection failures.
	Directory
	// Resource covers circuit-id exhaustion and AEAD nonce-counter wrap.
	Resource
	// Cancelled covers caller/shutdown-driven cancellation.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InputFormat:
		return "InputFormat"
	case Protocol:
		return "Protocol"
	case Crypto:
		return "Crypto"
	case Network:
		return "Network"
	case Directory:
		return "Directory"
	case Resource:
		return "Resource"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error pairs a Kind with an operation label and an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Op
	}
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind/op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var xe *Error
	for errors.As(err, &xe) {
		if xe.Kind == kind {
			return true
		}
		if xe.Err == nil {
			return false
		}
		err = xe.Err
	}
	return false
}
