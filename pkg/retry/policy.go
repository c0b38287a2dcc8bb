// Package retry decides what happens after a failed fetch attempt.
package retry

import (
	"time"

	"github.com/3leaps/gohindcast/pkg/fault"
	"github.com/3leaps/gohindcast/pkg/unit"
)

// Action is the outcome of classifying a failure.
type Action int

const (
	// RetryImmediate re-issues the operation without pausing. Only used for
	// cheap idempotent probes, bounded by Config.ProbeMaxIterations.
	RetryImmediate Action = iota

	// RetryAfterBackoff pauses for Decision.Backoff then retries from scratch.
	RetryAfterBackoff

	// SkipRecordError records the unit as failed and moves on.
	SkipRecordError

	// FatalAbort stops the whole run.
	FatalAbort
)

func (a Action) String() string {
	switch a {
	case RetryImmediate:
		return "retry_immediate"
	case RetryAfterBackoff:
		return "retry_after_backoff"
	case SkipRecordError:
		return "skip"
	case FatalAbort:
		return "fatal"
	}
	return "unknown"
}

// Decision is what the caller should do next.
type Decision struct {
	Action  Action
	Backoff time.Duration

	// Status and Reason are set for SkipRecordError and FatalAbort.
	Status unit.Status
	Reason string
}

// Default values for Config.
const (
	DefaultTimeoutCooldown    = 5 * time.Minute
	DefaultOverloadCooldown   = 5 * time.Minute
	DefaultRateLimitCooldown  = 2 * time.Minute
	DefaultMaxAttempts        = 10
	DefaultProbeMaxIterations = 5
)

// Config holds per-source cooldowns and caps.
type Config struct {
	// TimeoutCooldown is the pause after a timed out request or a
	// malformed response.
	// Default: 5m
	TimeoutCooldown time.Duration `json:"timeout_cooldown" yaml:"timeout_cooldown" mapstructure:"timeout_cooldown"`

	// OverloadCooldown is the pause after a 5xx / "Service Unavailable".
	// Default: 5m
	OverloadCooldown time.Duration `json:"overload_cooldown" yaml:"overload_cooldown" mapstructure:"overload_cooldown"`

	// RateLimitCooldown is the pause after a 429 / "Too Many Requests".
	// Default: 2m
	RateLimitCooldown time.Duration `json:"rate_limit_cooldown" yaml:"rate_limit_cooldown" mapstructure:"rate_limit_cooldown"`

	// MaxAttempts caps fetch attempts per unit for backoff-retried failures.
	// Default: 10
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// ProbeMaxIterations caps immediate re-issues of a depth probe.
	// Default: 5
	ProbeMaxIterations int `json:"probe_max_iterations" yaml:"probe_max_iterations" mapstructure:"probe_max_iterations"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		TimeoutCooldown:    DefaultTimeoutCooldown,
		OverloadCooldown:   DefaultOverloadCooldown,
		RateLimitCooldown:  DefaultRateLimitCooldown,
		MaxAttempts:        DefaultMaxAttempts,
		ProbeMaxIterations: DefaultProbeMaxIterations,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.TimeoutCooldown <= 0 {
		c.TimeoutCooldown = d.TimeoutCooldown
	}
	if c.OverloadCooldown <= 0 {
		c.OverloadCooldown = d.OverloadCooldown
	}
	if c.RateLimitCooldown <= 0 {
		c.RateLimitCooldown = d.RateLimitCooldown
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProbeMaxIterations <= 0 {
		c.ProbeMaxIterations = d.ProbeMaxIterations
	}
	return c
}

// Policy classifies failures for one source. It is stateless and safe for
// concurrent use.
type Policy struct {
	cfg Config
}

// New returns a Policy with defaults applied to zero fields.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Classify decides how to proceed after attempt (1-based) failed with err.
//
// Rate-limit and overload failures retry after their cooldown until
// MaxAttempts is reached, after which the run is aborted: a source that keeps
// refusing well past its quota window points at a broken credential or plan.
// Exhausted timeouts and malformed responses are recorded against the unit
// instead, since a re-run can pick them up.
func (p *Policy) Classify(err error, attempt int) Decision {
	exhausted := attempt >= p.cfg.MaxAttempts

	switch fault.Classify(err) {
	case fault.ClassRateLimited:
		if exhausted {
			return fatal(unit.ReasonMaxAttempts)
		}
		return backoff(p.cfg.RateLimitCooldown)

	case fault.ClassUnavailable:
		if exhausted {
			return fatal(unit.ReasonMaxAttempts)
		}
		return backoff(p.cfg.OverloadCooldown)

	case fault.ClassTimeout:
		if exhausted {
			return skip(unit.StatusTimedOut, unit.ReasonTimeout)
		}
		return backoff(p.cfg.TimeoutCooldown)

	case fault.ClassMalformedResponse:
		if exhausted {
			return skip(unit.StatusErrored, unit.ReasonMalformedResponse)
		}
		return backoff(p.cfg.TimeoutCooldown)

	case fault.ClassNotFound:
		return skip(unit.StatusErrored, unit.ReasonDataAbsent)

	case fault.ClassBadRequest:
		return skip(unit.StatusErrored, unit.ReasonMalformedRequest)

	case fault.ClassFatal:
		return fatal(unit.ReasonFatal)

	case fault.ClassCanceled:
		return fatal(unit.ReasonInterrupted)
	}

	return skip(unit.StatusErrored, unit.ReasonUnclassified)
}

// ClassifyProbe decides how to proceed after depth-probe iteration
// (1-based) failed with err.
//
// Timeouts, unparseable samples and unclassified errors are re-issued
// immediately up to ProbeMaxIterations, then the unit is skipped with a
// max-iterations reason. Quota and overload signals follow Classify so the
// probe honours the same cooldowns as ordinary fetches.
func (p *Policy) ClassifyProbe(err error, iteration int) Decision {
	switch fault.Classify(err) {
	case fault.ClassTimeout, fault.ClassMalformedResponse, fault.ClassUnknown:
		if iteration >= p.cfg.ProbeMaxIterations {
			return skip(unit.StatusErrored, unit.ReasonMaxIterations)
		}
		return Decision{Action: RetryImmediate}
	}
	return p.Classify(err, iteration)
}

func backoff(d time.Duration) Decision {
	return Decision{Action: RetryAfterBackoff, Backoff: d}
}

func skip(status unit.Status, reason string) Decision {
	return Decision{Action: SkipRecordError, Status: status, Reason: reason}
}

func fatal(reason string) Decision {
	return Decision{Action: FatalAbort, Status: unit.StatusAborted, Reason: reason}
}
