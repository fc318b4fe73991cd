package registration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

var ErrNoAddress = errors.New("no IPv4 address configured")

// NetworkInterface is an interface that has been configured with an address
// and can be registered
type NetworkInterface struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Addr         netip.Addr
}

// AddressAcquirer brings up a network interface. Acquire should block until
// the interface has an address or ctx is done
type AddressAcquirer interface {
	Acquire(ctx context.Context) (NetworkInterface, error)
}

// interfaceInfo is what we need to know about an OS interface. It exists so
// that interface selection can be tested without real interfaces
type interfaceInfo struct {
	Name         string
	Flags        net.Flags
	HardwareAddr net.HardwareAddr
	Addrs        []netip.Addr
}

type interfaceSource func() ([]interfaceInfo, error)

func systemInterfaces() ([]interfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	infos := make([]interfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := interfaceInfo{
			Name:         iface.Name,
			Flags:        iface.Flags,
			HardwareAddr: iface.HardwareAddr,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %v: %w", iface.Name, err)
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok {
				if a, ok := netip.AddrFromSlice(ipNet.IP); ok {
					info.Addrs = append(info.Addrs, a.Unmap())
				}
			}
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// LookupInterface returns the named interface with its IPv4 address. If name
// is empty the first interface that is up, is not a loopback and has a
// hardware address is used. It does not wait; see InterfaceWaiter for that
func LookupInterface(name string) (NetworkInterface, error) {
	return lookupInterface(name, systemInterfaces)
}

func lookupInterface(name string, source interfaceSource) (NetworkInterface, error) {
	infos, err := source()
	if err != nil {
		return NetworkInterface{}, err
	}

	found := false
	for _, info := range infos {
		if name != "" && info.Name != name {
			continue
		}
		if name == "" && !usable(info) {
			continue
		}
		found = true

		for _, addr := range info.Addrs {
			if addr.Is4() && !addr.IsLinkLocalUnicast() && !addr.IsUnspecified() {
				return NetworkInterface{
					Name:         info.Name,
					HardwareAddr: info.HardwareAddr,
					Addr:         addr,
				}, nil
			}
		}
	}

	switch {
	case name != "" && !found:
		return NetworkInterface{}, fmt.Errorf("interface %q not found", name)
	case name == "" && !found:
		return NetworkInterface{}, errors.New("no usable network interface found")
	case name != "":
		return NetworkInterface{}, fmt.Errorf("interface %q: %w", name, ErrNoAddress)
	default:
		return NetworkInterface{}, ErrNoAddress
	}
}

func usable(info interfaceInfo) bool {
	return info.Flags&net.FlagUp != 0 &&
		info.Flags&net.FlagLoopback == 0 &&
		len(info.HardwareAddr) > 0
}

// InterfaceWaiter is an AddressAcquirer that waits for the operating system
// (usually its DHCP client) to configure an interface, polling with
// exponential backoff
type InterfaceWaiter struct {
	// The interface to wait for. Empty means the first usable interface
	Name string

	// Caps the delay between checks. Defaults to one second
	MaxInterval time.Duration

	source interfaceSource
}

func (w *InterfaceWaiter) Acquire(ctx context.Context) (NetworkInterface, error) {
	source := w.source
	if source == nil {
		source = systemInterfaces
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = w.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Second
	}

	return backoff.Retry(ctx, func() (NetworkInterface, error) {
		return lookupInterface(w.Name, source)
	},
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithFields(log.Fields{
				"interface": w.Name,
				"retryIn":   next.String(),
			}).Debug("Waiting for an address")
		}),
	)
}
