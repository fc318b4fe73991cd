package registration

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
)

// Heartbeat is a parsed heartbeat datagram of the form `<prefix>:<address>`.
// The prefix is an opaque tag sent by the orchestrator and is only logged
type Heartbeat struct {
	Prefix  string
	Address string
}

// ParseHeartbeat splits a datagram at the first `:`. Everything after the
// delimiter is the address, so IPv6-looking garbage still fails later in
// Endpoint rather than here
func ParseHeartbeat(payload []byte) (Heartbeat, error) {
	prefix, address, found := bytes.Cut(payload, []byte{':'})
	if !found {
		return Heartbeat{}, ErrMalformedHeartbeat
	}

	return Heartbeat{
		Prefix:  string(prefix),
		Address: strings.TrimSpace(string(address)),
	}, nil
}

// Endpoint resolves the heartbeat's address into the orchestrator's instance
// listener endpoint. Only IPv4 addresses are accepted
func (h Heartbeat) Endpoint(port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(h.Address)
	if err != nil {
		return netip.AddrPort{}, &AddressParseError{Address: h.Address, Err: err}
	}

	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.AddrPort{}, &AddressParseError{Address: h.Address, Err: errors.New("not an IPv4 address")}
	}

	return netip.AddrPortFrom(addr, port), nil
}
