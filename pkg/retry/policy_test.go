package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/unit"
)

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(Config{RateLimitCooldown: time.Second})
	cfg := p.Config()

	assert.Equal(t, time.Second, cfg.RateLimitCooldown)
	assert.Equal(t, DefaultOverloadCooldown, cfg.OverloadCooldown)
	assert.Equal(t, DefaultTimeoutCooldown, cfg.TimeoutCooldown)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultProbeMaxIterations, cfg.ProbeMaxIterations)
}

func TestPolicy_Classify(t *testing.T) {
	p := New(Config{
		TimeoutCooldown:   30 * time.Second,
		OverloadCooldown:  5 * time.Minute,
		RateLimitCooldown: 2 * time.Minute,
		MaxAttempts:       3,
	})

	tests := []struct {
		name    string
		err     error
		attempt int
		want    Decision
	}{
		{
			name:    "rate limit backs off",
			err:     fmt.Errorf("fetch: %w", fault.ErrRateLimited),
			attempt: 1,
			want:    Decision{Action: RetryAfterBackoff, Backoff: 2 * time.Minute},
		},
		{
			name:    "too many requests text backs off",
			err:     errors.New("Too Many Requests"),
			attempt: 2,
			want:    Decision{Action: RetryAfterBackoff, Backoff: 2 * time.Minute},
		},
		{
			name:    "overload backs off longer",
			err:     fault.ErrUnavailable,
			attempt: 1,
			want:    Decision{Action: RetryAfterBackoff, Backoff: 5 * time.Minute},
		},
		{
			name:    "rate limit exhausted aborts",
			err:     fault.ErrRateLimited,
			attempt: 3,
			want:    Decision{Action: FatalAbort, Status: unit.StatusAborted, Reason: unit.ReasonMaxAttempts},
		},
		{
			name:    "timeout backs off",
			err:     context.DeadlineExceeded,
			attempt: 1,
			want:    Decision{Action: RetryAfterBackoff, Backoff: 30 * time.Second},
		},
		{
			name:    "timeout exhausted is timed out",
			err:     fault.ErrTimeout,
			attempt: 3,
			want:    Decision{Action: SkipRecordError, Status: unit.StatusTimedOut, Reason: unit.ReasonTimeout},
		},
		{
			name:    "not found is data absent",
			err:     fault.ErrNotFound,
			attempt: 1,
			want:    Decision{Action: SkipRecordError, Status: unit.StatusErrored, Reason: unit.ReasonDataAbsent},
		},
		{
			name:    "bad request is skipped",
			err:     fault.ErrBadRequest,
			attempt: 1,
			want:    Decision{Action: SkipRecordError, Status: unit.StatusErrored, Reason: unit.ReasonMalformedRequest},
		},
		{
			name:    "unauthorized aborts",
			err:     fault.ErrUnauthorized,
			attempt: 1,
			want:    Decision{Action: FatalAbort, Status: unit.StatusAborted, Reason: unit.ReasonFatal},
		},
		{
			name:    "unknown is recorded not swallowed",
			err:     errors.New("unexpected EOF in decoder"),
			attempt: 1,
			want:    Decision{Action: SkipRecordError, Status: unit.StatusErrored, Reason: unit.ReasonUnclassified},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Classify(tt.err, tt.attempt))
		})
	}
}

func TestPolicy_ClassifyProbe(t *testing.T) {
	p := New(Config{ProbeMaxIterations: 3, RateLimitCooldown: time.Minute})

	d := p.ClassifyProbe(fault.ErrTimeout, 1)
	assert.Equal(t, RetryImmediate, d.Action)

	d = p.ClassifyProbe(fault.ErrMalformedResponse, 2)
	assert.Equal(t, RetryImmediate, d.Action)

	d = p.ClassifyProbe(fault.ErrTimeout, 3)
	assert.Equal(t, SkipRecordError, d.Action)
	assert.Equal(t, unit.ReasonMaxIterations, d.Reason)

	d = p.ClassifyProbe(fault.ErrRateLimited, 1)
	assert.Equal(t, RetryAfterBackoff, d.Action)
	assert.Equal(t, time.Minute, d.Backoff)

	d = p.ClassifyProbe(fault.ErrNotFound, 1)
	assert.Equal(t, unit.ReasonDataAbsent, d.Reason)
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "retry_after_backoff", RetryAfterBackoff.String())
	assert.Equal(t, "fatal", FatalAbort.String())
}
