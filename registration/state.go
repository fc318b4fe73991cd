package registration

import (
	"sync"
	"sync/atomic"
)

// DefaultMaxAttempts is how many heartbeats are turned into handshakes
// before the registrar gives up
const DefaultMaxAttempts = 5

// State is the single source of truth for registration progress. Once
// registered it stays registered, and the number of remaining attempts only
// ever goes down
type State struct {
	maxAttempts int

	registered atomic.Bool

	attemptsMu        sync.Mutex
	attemptsRemaining int

	// Serialises completion so that injection, the hook and the readiness
	// gate run for exactly one successful attempt
	completeMu sync.Mutex
}

func NewState(maxAttempts int) *State {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &State{
		maxAttempts:       maxAttempts,
		attemptsRemaining: maxAttempts,
	}
}

func (s *State) MaxAttempts() int {
	return s.maxAttempts
}

func (s *State) Registered() bool {
	return s.registered.Load()
}

func (s *State) AttemptsRemaining() int {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()
	return s.attemptsRemaining
}

// Exhausted is true when every attempt has been used without registering
func (s *State) Exhausted() bool {
	return !s.Registered() && s.AttemptsRemaining() == 0
}

// Terminal is true once no further handshakes will be started
func (s *State) Terminal() bool {
	return s.Registered() || s.AttemptsRemaining() == 0
}

// TryConsume takes one attempt from the budget. It returns the attempt
// number (1-based) and true, or false if registration has already completed
// or no attempts are left
func (s *State) TryConsume() (int, bool) {
	s.attemptsMu.Lock()
	defer s.attemptsMu.Unlock()

	if s.registered.Load() || s.attemptsRemaining == 0 {
		return 0, false
	}

	s.attemptsRemaining--
	return s.maxAttempts - s.attemptsRemaining, true
}

// Complete runs commit and marks the state as registered if it succeeds.
// Only one caller can ever get `true` back: once registered, commit is not
// run again and (false, nil) is returned. If commit fails the state stays
// pending and the error is returned
func (s *State) Complete(commit func() error) (bool, error) {
	s.completeMu.Lock()
	defer s.completeMu.Unlock()

	if s.registered.Load() {
		return false, nil
	}

	if commit != nil {
		if err := commit(); err != nil {
			return false, err
		}
	}

	return s.registered.CompareAndSwap(false, true), nil
}
