package scheduler

import (
	"math"
	"time"
)

// RetryPolicy computes retry schedules with exponential backoff
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the default backoff schedule
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 30 * time.Second,
		MaxDelay:     30 * time.Minute,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.Multiplier <= 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the wait before the given attempt number (1-based):
// initialDelay * multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// NextRetryTime returns when the given attempt becomes eligible again
func (p RetryPolicy) NextRetryTime(attempt int) time.Time {
	return time.Now().UTC().Add(p.Delay(attempt))
}
