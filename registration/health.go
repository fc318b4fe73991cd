package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	LivenessPath  = "/healthz/alive"
	ReadinessPath = "/healthz/ready"
)

// LivenessHealthCheck returns an error if the heartbeat listener has failed.
// Not being registered (yet, or ever) does not make the process unhealthy
func (r *Registrar) LivenessHealthCheck(ctx context.Context) error {
	r.mu.Lock()
	listener := r.listener
	r.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Bool("ovm.registration.listening", listener != nil))

	if listener == nil {
		return nil
	}

	if err := listener.Err(); err != nil {
		return fmt.Errorf("heartbeat listener failed: %w", err)
	}

	return nil
}

// ReadinessHealthCheck returns nil once the readiness gate is open, and
// otherwise an error saying why the instance is not ready
func (r *Registrar) ReadinessHealthCheck(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	startErr := r.startErr
	r.mu.Unlock()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("ovm.registration.registered", r.state.Registered()),
		attribute.Int("ovm.registration.attemptsRemaining", r.state.AttemptsRemaining()),
		attribute.Int("ovm.registration.inFlight", r.InFlight()),
	)

	switch {
	case r.gate.Ready():
		return nil
	case startErr != nil:
		return fmt.Errorf("registration did not start: %w", startErr)
	case !started:
		return errors.New("registration has not started")
	case r.state.Exhausted() && r.InFlight() == 0:
		return fmt.Errorf("registration failed: all %d attempts used", r.state.MaxAttempts())
	default:
		return fmt.Errorf("waiting for registration: %d of %d attempts remaining, %d in flight",
			r.state.AttemptsRemaining(), r.state.MaxAttempts(), r.InFlight())
	}
}

// HealthHandler serves the liveness and readiness probes
func (r *Registrar) HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(LivenessPath, probeHandler(r.LivenessHealthCheck))
	mux.HandleFunc(ReadinessPath, probeHandler(r.ReadinessHealthCheck))

	return otelhttp.NewHandler(mux, "registrar.health")
}

func probeHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()

		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := check(ctx); err != nil {
			log.WithContext(ctx).WithError(err).WithField("path", req.URL.Path).Trace("Probe failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		_, _ = fmt.Fprint(w, "ok")
	}
}
