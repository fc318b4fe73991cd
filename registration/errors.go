package registration

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrMalformedHeartbeat is returned when a heartbeat datagram does not
	// contain the `:` delimiter. These are discarded without consuming an
	// attempt
	ErrMalformedHeartbeat = errors.New("malformed heartbeat: no ':' delimiter")

	// ErrHandshakeRejected means the instance listener answered, but not with
	// a success status
	ErrHandshakeRejected = errors.New("handshake rejected by instance listener")

	// ErrMalformedResponse means the listener accepted the registration but the
	// response did not carry a usable JSON object of string parameters
	ErrMalformedResponse = errors.New("malformed handshake response")

	// ErrInjection wraps failures of the parameter injector
	ErrInjection = errors.New("parameter injection failed")

	// ErrAddressAcquisitionTimeout is terminal for this boot: the listener is
	// never bound and the instance never becomes ready
	ErrAddressAcquisitionTimeout = errors.New("address acquisition timed out")

	ErrAlreadyStarted = errors.New("registrar already started")
	ErrNoIdentity     = errors.New("no instance identity: interface has no hardware address and none was configured")
)

// AddressParseError is returned when the address part of a heartbeat is not
// a valid IPv4 address. Like a malformed heartbeat, it does not consume an
// attempt
type AddressParseError struct {
	Address string
	Err     error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("invalid orchestrator address %q: %v", e.Address, e.Err)
}

func (e *AddressParseError) Unwrap() error {
	return e.Err
}

// BindError is returned when the heartbeat port cannot be bound
type BindError struct {
	Addr netip.AddrPort
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("could not bind heartbeat listener on %v: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ConnectError is a transport failure talking to the instance listener. Op
// is one of "dial", "write" or "read". The attempt is spent; the next
// heartbeat drives the next try
type ConnectError struct {
	Op       string
	Endpoint netip.AddrPort
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// errorKind returns a short, stable name for an attempt failure. Used as a
// log field and span attribute
func errorKind(err error) string {
	var connectErr *ConnectError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &connectErr):
		return "connect"
	case errors.Is(err, ErrHandshakeRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrInjection):
		return "injection"
	default:
		return "unknown"
	}
}
