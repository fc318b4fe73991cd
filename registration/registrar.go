package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/overmindtech/registrar/tracing"
	"github.com/sourcegraph/conc/pool"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Registrar ties the heartbeat listener, the handshake session, the
// registration state, the injector and the readiness gate together. Create
// it with NewRegistrar, then Start (or StartWithAcquirer) it
type Registrar struct {
	Config *Config

	// Where the parameters from the orchestrator end up. Defaults to
	// EnvInjector
	Injector Injector

	// Called once, after injection and before the readiness gate opens
	OnRegistered RegisteredHook

	// Used to connect to the instance listener. Defaults to a net.Dialer
	// using Config.DialTimeout
	Dialer Dialer

	state *State
	gate  *ReadinessGate

	// Set once Start has wired everything below
	running atomic.Bool

	mu       sync.Mutex
	started  bool
	closed   bool
	startErr error
	listener *Listener
	pool     *pool.Pool
	session  *Session
	identity string

	attemptCtx    context.Context
	attemptCancel context.CancelFunc

	inFlight      atomic.Int64
	exhaustedOnce sync.Once
}

// NewRegistrar validates the config and returns a registrar that has not
// started listening yet. A nil config means DefaultConfig
func NewRegistrar(config *Config) (*Registrar, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registrar config: %w", err)
	}

	return &Registrar{
		Config: config,
		state:  NewState(config.MaxAttempts),
		gate:   NewReadinessGate(),
	}, nil
}

// State returns the registration state. It is never nil
func (r *Registrar) State() *State {
	return r.state
}

// Gate returns the readiness gate, which opens once registration completes
func (r *Registrar) Gate() *ReadinessGate {
	return r.gate
}

// Identity is the value sent as `mac_address`. Empty until started
func (r *Registrar) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Addr is the address the heartbeat listener is bound to, the zero value
// until started
func (r *Registrar) Addr() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return netip.AddrPort{}
	}
	return r.listener.Addr()
}

// InFlight is the number of handshakes that have been started and not yet
// finished
func (r *Registrar) InFlight() int {
	return int(r.inFlight.Load())
}

// StartWithAcquirer waits for the acquirer to configure an interface, for at
// most Config.AcquireTimeout, then starts listening on Config.ListenPort. If
// no address is acquired in time nothing is bound and
// ErrAddressAcquisitionTimeout is returned; the instance will never become
// ready
func (r *Registrar) StartWithAcquirer(ctx context.Context, acquirer AddressAcquirer) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		return ErrAlreadyStarted
	}

	timeout := r.Config.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.WithFields(log.Fields{
		"interface": r.Config.InterfaceName,
		"timeout":   timeout.String(),
	}).Info("Waiting for network interface to acquire an address")

	iface, err := acquirer.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v: %w", ErrAddressAcquisitionTimeout, timeout, err)

			r.mu.Lock()
			r.startErr = err
			r.mu.Unlock()

			log.WithError(err).Error("Nothing to do, no address was acquired so registration will not start")
			return err
		}

		return fmt.Errorf("error acquiring address: %w", err)
	}

	log.WithFields(log.Fields{
		"interface": iface.Name,
		"address":   iface.Addr.String(),
		"hwaddr":    iface.HardwareAddr.String(),
	}).Info("Address acquired")

	return r.Start(ctx, iface, r.Config.ListenPort)
}

// Start binds the heartbeat listener on Config.BindAddress and `port` and
// returns. Registration then proceeds in the background as heartbeats
// arrive. The identity is Config.Identity, or the interface's hardware
// address if that is empty
func (r *Registrar) Start(ctx context.Context, iface NetworkInterface, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	if port < 0 || port > math.MaxUint16 {
		return fmt.Errorf("listen port %d is out of range", port)
	}

	identity := r.Config.Identity
	if identity == "" {
		identity = iface.HardwareAddr.String()
	}
	if identity == "" {
		return ErrNoIdentity
	}

	dialer := r.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: r.Config.DialTimeout}
	}

	attemptCtx, attemptCancel := context.WithCancel(ctx)

	r.identity = identity
	r.session = &Session{
		Dialer:             dialer,
		ResponseTimeout:    r.Config.ResponseTimeout,
		ResponseBufferSize: r.Config.ResponseBufferSize,
	}
	// Every accepted heartbeat costs an attempt, so there can never be more
	// handshakes than this and Go never blocks the read loop
	r.pool = pool.New().WithMaxGoroutines(max(r.state.MaxAttempts(), 1))
	r.attemptCtx = attemptCtx
	r.attemptCancel = attemptCancel
	r.running.Store(true)

	bind := netip.AddrPortFrom(r.Config.BindAddress, uint16(port)) //nolint:gosec // checked above
	listener, err := Listen(attemptCtx, bind, r.HandleHeartbeat)
	if err != nil {
		r.running.Store(false)
		attemptCancel()
		r.startErr = err
		return err
	}

	r.listener = listener
	r.started = true
	r.startErr = nil

	log.WithFields(log.Fields{
		"interface":   iface.Name,
		"identity":    identity,
		"listen":      listener.Addr().String(),
		"maxAttempts": r.state.MaxAttempts(),
	}).Info("Listening for orchestrator heartbeats")

	return nil
}

// HandleHeartbeat processes one heartbeat datagram. It is the listener's
// handler and is called in arrival order. Valid heartbeats that arrive while
// registration is still possible consume exactly one attempt and start a
// handshake in the background
func (r *Registrar) HandleHeartbeat(ctx context.Context, from netip.AddrPort, payload []byte) {
	if !r.running.Load() {
		return
	}

	heartbeat, err := ParseHeartbeat(payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"from":    from.String(),
			"payload": string(payload),
		}).Warn("Discarding heartbeat")
		return
	}

	if r.state.Terminal() {
		log.WithFields(log.Fields{
			"from":       from.String(),
			"registered": r.state.Registered(),
		}).Trace("Ignoring heartbeat, registration is over")
		return
	}

	endpoint, err := heartbeat.Endpoint(uint16(r.Config.OrchestratorPort)) //nolint:gosec // validated by Config.Validate
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"from":   from.String(),
			"prefix": heartbeat.Prefix,
		}).Warn("Discarding heartbeat")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	// Counted before consuming so that a finishing attempt can never see
	// zero in flight while this one is about to start
	r.inFlight.Add(1)
	number, ok := r.state.TryConsume()
	if !ok {
		r.inFlight.Add(-1)
		log.WithField("from", from.String()).Trace("Ignoring heartbeat, registration is over")
		return
	}

	attempt := NewAttempt(number, endpoint, r.identity)

	log.WithFields(attempt.fields()).WithFields(log.Fields{
		"prefix": heartbeat.Prefix,
		"from":   from.String(),
	}).Infof("Registering with instance listener (attempt %d/%d)", number, r.state.MaxAttempts())

	attemptCtx := r.attemptCtx
	r.pool.Go(func() {
		r.runAttempt(attemptCtx, attempt)

		if r.inFlight.Add(-1) == 0 && r.state.Exhausted() {
			r.exhaustedOnce.Do(func() {
				log.WithFields(log.Fields{
					"maxAttempts": r.state.MaxAttempts(),
					"identity":    attempt.Identity,
				}).Error("Registration attempts exhausted, the instance will not become ready")
			})
		}
	})
}

func (r *Registrar) runAttempt(ctx context.Context, attempt *Attempt) {
	ctx, span := tracing.Tracer().Start(ctx, "registration.Attempt", trace.WithAttributes(
		attribute.String("ovm.registration.attempt", attempt.ID.String()),
		attribute.Int("ovm.registration.number", attempt.Number),
		attribute.Int("ovm.registration.maxAttempts", r.state.MaxAttempts()),
		attribute.String("ovm.registration.endpoint", attempt.Endpoint.String()),
		attribute.String("ovm.registration.identity", attempt.Identity),
	))
	defer span.End()
	defer tracing.LogRecoverToReturn(ctx, "registration.Attempt")

	params, err := r.session.attempt(ctx, attempt)

	won := false
	if err == nil {
		won, err = r.state.Complete(func() error {
			return Inject(r.injector(), params)
		})
	}
	attempt.finish(err)

	if err != nil {
		kind := errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("ovm.registration.failure", kind))

		log.WithContext(ctx).WithError(err).WithFields(attempt.fields()).WithFields(log.Fields{
			"kind":              kind,
			"attemptsRemaining": r.state.AttemptsRemaining(),
		}).Warn("Registration attempt failed")
		return
	}

	span.SetAttributes(attribute.Bool("ovm.registration.won", won))

	if !won {
		log.WithContext(ctx).WithFields(attempt.fields()).Info("Already registered, ignoring result of concurrent attempt")
		return
	}

	log.WithContext(ctx).WithFields(attempt.fields()).WithField("parameters", params.Keys()).Info("Registered with orchestrator")

	r.notifyRegistered(ctx, params)

	if r.gate.SetReady() {
		log.WithContext(ctx).Info("Instance is ready")
	}
}

// notifyRegistered runs the hook. A panicking hook does not stop the gate
// from opening
func (r *Registrar) notifyRegistered(ctx context.Context, params ParameterMap) {
	if r.OnRegistered == nil {
		return
	}

	defer tracing.LogRecoverToReturn(ctx, "registration.OnRegistered")

	r.OnRegistered.OnRegistered(ctx, params)
}

func (r *Registrar) injector() Injector {
	if r.Injector == nil {
		return EnvInjector{}
	}
	return r.Injector
}

// Wait blocks until the instance is ready or ctx is done
func (r *Registrar) Wait(ctx context.Context) error {
	return r.gate.Wait(ctx)
}

// Close stops the listener, cancels in-flight handshakes and waits for them
// to return. It is safe to call more than once and before Start
func (r *Registrar) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listener := r.listener
	p := r.pool
	cancel := r.attemptCancel
	r.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.Wait()
	}

	return err
}
