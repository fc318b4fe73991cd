package registration

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

const maxDatagramSize = 64 * 1024

// HeartbeatHandler is called for every datagram, on the listener's read
// goroutine, in arrival order. The payload is only valid for the duration of
// the call
type HeartbeatHandler func(ctx context.Context, from netip.AddrPort, payload []byte)

// Listener owns the UDP port that orchestrator heartbeats arrive on
type Listener struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	addr  netip.AddrPort

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

// Listen binds a UDP socket on `bind` and starts delivering datagrams to
// `handler` until the listener is closed or ctx is cancelled. Binding
// failures are returned as a *BindError
func Listen(ctx context.Context, bind netip.AddrPort, handler HeartbeatHandler) (*Listener, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", bind.String())
	if err != nil {
		return nil, &BindError{Addr: bind, Err: err}
	}

	pconn := ipv4.NewPacketConn(conn)
	// Knowing the destination lets us tell broadcast heartbeats from unicast
	// ones in the logs. Not every platform supports it
	if err := pconn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		log.WithError(err).Debug("Per-datagram control messages unavailable")
	}

	ctx, cancel := context.WithCancel(ctx)

	l := &Listener{
		conn:   conn,
		pconn:  pconn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if udpAddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		l.addr = udpAddr.AddrPort()
	}

	context.AfterFunc(ctx, l.shutdown)

	go l.readLoop(ctx, handler)

	return l, nil
}

// Addr is the address the listener is actually bound to, which is useful
// when binding port 0
func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}

// Done is closed once the read loop has exited
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the read loop, if it stopped for any
// reason other than being closed
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Close stops the listener and waits for the read loop to exit. It is safe
// to call more than once
func (l *Listener) Close() error {
	l.cancel()
	l.shutdown()
	<-l.done
	return l.closeErr
}

func (l *Listener) shutdown() {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
}

func (l *Listener) readLoop(ctx context.Context, handler HeartbeatHandler) {
	defer close(l.done)

	buf := make([]byte, maxDatagramSize)

	for {
		n, cm, src, err := l.pconn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()

			log.WithError(err).WithField("addr", l.addr.String()).Error("Heartbeat listener stopped")
			return
		}

		var from netip.AddrPort
		if udpAddr, ok := src.(*net.UDPAddr); ok {
			from = udpAddr.AddrPort()
		}

		if log.IsLevelEnabled(log.DebugLevel) {
			fields := log.Fields{
				"from":  from.String(),
				"bytes": n,
			}
			if cm != nil {
				fields["dst"] = cm.Dst.String()
				fields["ifIndex"] = cm.IfIndex
			}
			log.WithFields(fields).Debug("Received heartbeat datagram")
		}

		handler(ctx, from, buf[:n])
	}
}
