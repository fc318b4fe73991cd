package registration

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStateTryConsume(t *testing.T) {
	s := NewState(3)

	for want := 1; want <= 3; want++ {
		number, ok := s.TryConsume()
		require.True(t, ok)
		assert.Equal(t, want, number)
		assert.Equal(t, 3-want, s.AttemptsRemaining())
	}

	_, ok := s.TryConsume()
	assert.False(t, ok)
	assert.Equal(t, 0, s.AttemptsRemaining())
	assert.True(t, s.Exhausted())
	assert.True(t, s.Terminal())
}

func TestStateComplete(t *testing.T) {
	t.Run("first successful commit wins", func(t *testing.T) {
		s := NewState(DefaultMaxAttempts)

		commits := 0
		commit := func() error {
			commits++
			return nil
		}

		won, err := s.Complete(commit)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = s.Complete(commit)
		require.NoError(t, err)
		assert.False(t, won)

		assert.Equal(t, 1, commits, "commit should not run once registered")
		assert.True(t, s.Registered())
		assert.True(t, s.Terminal())
		assert.False(t, s.Exhausted())
	})

	t.Run("failed commit leaves state pending", func(t *testing.T) {
		s := NewState(DefaultMaxAttempts)
		failure := errors.New("boom")

		won, err := s.Complete(func() error { return failure })
		require.ErrorIs(t, err, failure)
		assert.False(t, won)
		assert.False(t, s.Registered())

		won, err = s.Complete(nil)
		require.NoError(t, err)
		assert.True(t, won)
	})

	t.Run("no consumption after registration", func(t *testing.T) {
		s := NewState(DefaultMaxAttempts)
		_, _ = s.TryConsume()
		_, _ = s.Complete(nil)

		_, ok := s.TryConsume()
		assert.False(t, ok)
		assert.Equal(t, DefaultMaxAttempts-1, s.AttemptsRemaining())
	})

	t.Run("concurrent completions", func(t *testing.T) {
		s := NewState(DefaultMaxAttempts)

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		commits := 0

		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := s.Complete(func() error {
					mu.Lock()
					commits++
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if won {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		assert.Equal(t, 1, commits)
	})
}

// Random sequences of operations never break the state's invariants
func TestStateInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(0, 10).Draw(t, "maxAttempts")
		s := NewState(maxAttempts)

		registered := false
		remaining := maxAttempts

		numOps := rapid.IntRange(1, 50).Draw(t, "numOps")
		for i := range numOps {
			op := rapid.IntRange(0, 2).Draw(t, "op")

			switch op {
			case 0: // heartbeat accepted
				number, ok := s.TryConsume()
				if registered || remaining == 0 {
					if ok {
						t.Fatalf("op %d: consumed an attempt after the state became terminal", i)
					}
					break
				}
				if !ok {
					t.Fatalf("op %d: could not consume with %d remaining", i, remaining)
				}
				remaining--
				if number != maxAttempts-remaining {
					t.Fatalf("op %d: expected attempt number %d, got %d", i, maxAttempts-remaining, number)
				}
			case 1: // successful handshake
				won, err := s.Complete(nil)
				if err != nil {
					t.Fatalf("op %d: unexpected error %v", i, err)
				}
				if won == registered {
					t.Fatalf("op %d: won=%v but registered was already %v", i, won, registered)
				}
				registered = true
			case 2: // injection failure
				_, err := s.Complete(func() error { return errors.New("injection failed") })
				if !registered && err == nil {
					t.Fatalf("op %d: expected the commit error", i)
				}
			}

			if s.Registered() != registered {
				t.Fatalf("op %d: registered is %v, expected %v", i, s.Registered(), registered)
			}
			if s.AttemptsRemaining() != remaining {
				t.Fatalf("op %d: %d attempts remaining, expected %d", i, s.AttemptsRemaining(), remaining)
			}
			if s.AttemptsRemaining() < 0 {
				t.Fatalf("op %d: attempts went negative", i)
			}
			if s.Exhausted() != (!registered && remaining == 0) {
				t.Fatalf("op %d: exhausted is %v", i, s.Exhausted())
			}
		}
	})
}
