package registration

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Phase is where an in-flight handshake currently is
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseSent
	PhaseAwaitingResponse
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseSent:
		return "sent"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Attempt is the state of a single handshake with an instance listener. It
// lives for as long as the handshake does
type Attempt struct {
	ID       uuid.UUID
	Number   int // 1-based, out of the configured maximum
	Endpoint netip.AddrPort
	Identity string

	mu      sync.Mutex
	phase   Phase
	outcome Outcome
	err     error
}

func NewAttempt(number int, endpoint netip.AddrPort, identity string) *Attempt {
	return &Attempt{
		ID:       uuid.New(),
		Number:   number,
		Endpoint: endpoint,
		Identity: identity,
	}
}

func (a *Attempt) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

func (a *Attempt) Outcome() Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// Err is the reason the attempt failed, nil unless the outcome is
// OutcomeFailure
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Attempt) fields() log.Fields {
	return log.Fields{
		"attempt":  a.ID.String(),
		"number":   a.Number,
		"endpoint": a.Endpoint.String(),
	}
}

func (a *Attempt) advance(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()

	log.WithFields(a.fields()).WithField("phase", p.String()).Debug("Handshake phase")
}

// finish moves the attempt to PhaseDone. Only the first call has any effect
func (a *Attempt) finish(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.outcome != OutcomePending {
		return
	}

	a.phase = PhaseDone
	if err != nil {
		a.outcome = OutcomeFailure
		a.err = err
	} else {
		a.outcome = OutcomeSuccess
	}
}
