package resilience

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisubsidy/harvest-cli/internal/config"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDoVal_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastPolicy(), func(_ context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("busy"), http.StatusServiceUnavailable)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(_ context.Context) error {
		calls++
		return errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var retried []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), p, func(_ context.Context) error {
		return NewTransientError(errors.New("down"), 502)
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("slow"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, MaxBackoffMs: 2000, Multiplier: 3})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
	assert.InDelta(t, 3.0, p.Multiplier, 0.001)

	d := PolicyFrom(config.RetryConfig{})
	assert.Equal(t, DefaultPolicy().MaxAttempts, d.MaxAttempts)
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2}.normalize()
	assert.Equal(t, time.Second, p.backoff(0))
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 3*time.Second, p.backoff(5))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("x"), 429), true},
		{"reset", syscall.ECONNRESET, true},
		{"message", errors.New("read tcp: i/o timeout"), true},
		{"permanent", errors.New("404 not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
	assert.Equal(t, "transient", Classify(syscall.ECONNREFUSED))
	assert.Equal(t, "permanent", Classify(errors.New("nope")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	assert.True(t, IsTransientHTTPStatus(429))
	assert.True(t, IsTransientHTTPStatus(503))
	assert.False(t, IsTransientHTTPStatus(400))
	assert.False(t, IsTransientHTTPStatus(200))
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	b := NewBreaker("acct-0", 2, time.Minute)
	b.now = func() time.Time { return now }

	fail := func(_ context.Context) (int, error) { return 0, errors.New("boom") }
	ok := func(_ context.Context) (int, error) { return 1, nil }

	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Closed, b.State())
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Open, b.State())

	_, err := Call(context.Background(), b, ok)
	assert.ErrorIs(t, err, ErrOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, HalfOpen, b.State())
	v, err := Call(context.Background(), b, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_IgnoresCallerCancel(t *testing.T) {
	b := NewBreaker("acct", 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Call(ctx, b, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	require.Error(t, err)
	assert.Equal(t, Closed, b.State())
}

func TestBreakers_GetIsStable(t *testing.T) {
	r := NewBreakers(config.CircuitConfig{FailureThreshold: 3, ResetTimeoutSecs: 10})
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	assert.NotSame(t, a, r.Get("b"))
	assert.Len(t, r.States(), 2)
}
