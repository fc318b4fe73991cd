package registration

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSource(infos ...interfaceInfo) interfaceSource {
	return func() ([]interfaceInfo, error) {
		return infos, nil
	}
}

var (
	loInfo = interfaceInfo{
		Name:  "lo",
		Flags: net.FlagUp | net.FlagLoopback,
		Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
	}
	downInfo = interfaceInfo{
		Name:         "eth1",
		Flags:        0,
		HardwareAddr: net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01},
		Addrs:        []netip.Addr{netip.MustParseAddr("10.0.1.2")},
	}
	ethInfo = interfaceInfo{
		Name:         "eth0",
		Flags:        net.FlagUp | net.FlagBroadcast,
		HardwareAddr: testMAC,
		Addrs: []netip.Addr{
			netip.MustParseAddr("fe80::5054:ff:fe12:3456"),
			netip.MustParseAddr("169.254.10.10"),
			netip.MustParseAddr("10.0.0.20"),
		},
	}
)

func TestLookupInterface(t *testing.T) {
	t.Run("first usable", func(t *testing.T) {
		iface, err := lookupInterface("", staticSource(loInfo, downInfo, ethInfo))
		require.NoError(t, err)

		assert.Equal(t, "eth0", iface.Name)
		assert.Equal(t, netip.MustParseAddr("10.0.0.20"), iface.Addr)
		assert.Equal(t, testMAC.String(), iface.HardwareAddr.String())
	})

	t.Run("by name", func(t *testing.T) {
		iface, err := lookupInterface("eth1", staticSource(loInfo, downInfo, ethInfo))
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("10.0.1.2"), iface.Addr)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := lookupInterface("wlan0", staticSource(loInfo, ethInfo))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "wlan0")
	})

	t.Run("no usable interfaces", func(t *testing.T) {
		_, err := lookupInterface("", staticSource(loInfo, downInfo))
		require.Error(t, err)
	})

	t.Run("only link-local", func(t *testing.T) {
		unconfigured := ethInfo
		unconfigured.Addrs = ethInfo.Addrs[:2]

		_, err := lookupInterface("eth0", staticSource(unconfigured))
		require.ErrorIs(t, err, ErrNoAddress)
	})

	t.Run("source error", func(t *testing.T) {
		boom := errors.New("netlink unavailable")
		_, err := lookupInterface("", func() ([]interfaceInfo, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	})
}

func TestInterfaceWaiter(t *testing.T) {
	t.Run("waits for an address", func(t *testing.T) {
		unconfigured := ethInfo
		unconfigured.Addrs = nil

		var polls atomic.Int32
		waiter := &InterfaceWaiter{
			Name:        "eth0",
			MaxInterval: 20 * time.Millisecond,
			source: func() ([]interfaceInfo, error) {
				if polls.Add(1) < 3 {
					return []interfaceInfo{unconfigured}, nil
				}
				return []interfaceInfo{ethInfo}, nil
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		iface, err := waiter.Acquire(ctx)
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("10.0.0.20"), iface.Addr)
		assert.GreaterOrEqual(t, polls.Load(), int32(3))
	})

	t.Run("gives up with the context", func(t *testing.T) {
		waiter := &InterfaceWaiter{
			Name:        "eth0",
			MaxInterval: 10 * time.Millisecond,
			source:      staticSource(loInfo),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := waiter.Acquire(ctx)
		require.Error(t, err)
	})

	t.Run("as the registrar's acquirer", func(t *testing.T) {
		config := testConfig()
		config.AcquireTimeout = 50 * time.Millisecond

		r, err := NewRegistrar(config)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })

		waiter := &InterfaceWaiter{
			Name:        "eth0",
			MaxInterval: 10 * time.Millisecond,
			source:      staticSource(loInfo),
		}

		err = r.StartWithAcquirer(context.Background(), waiter)
		require.ErrorIs(t, err, ErrAddressAcquisitionTimeout)
	})
}
