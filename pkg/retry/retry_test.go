package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		kind    BackoffKind
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{"fixed", BackoffFixed, 3, 0, 100 * time.Millisecond},
		{"linear", BackoffLinear, 3, 0, 300 * time.Millisecond},
		{"exponential first", BackoffExponential, 1, 0, 100 * time.Millisecond},
		{"exponential third", BackoffExponential, 3, 0, 400 * time.Millisecond},
		{"exponential capped", BackoffExponential, 10, 250 * time.Millisecond, 250 * time.Millisecond},
		{"none", BackoffNone, 2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.kind, 100*time.Millisecond, tt.attempt, tt.max))
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
