// Package poll implements the fixed-interval wait loop used by the
// deployment workflows to observe cloud-side state transitions.
package poll

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultInterval is how long the waiter sleeps between probes.
	DefaultInterval = 8 * time.Second
	// DefaultTimeout bounds the total wait across all probes.
	DefaultTimeout = 20 * time.Minute
)

// Status is the waiter's position in its life cycle.
type Status int

const (
	// Polling means the condition has not been observed yet.
	Polling Status = iota
	// Satisfied means a probe reported the condition holds.
	Satisfied
	// TimedOut means the timeout elapsed before any probe succeeded.
	TimedOut
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case Polling:
		return "polling"
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed-out"
	}
	return "unknown"
}

// Probe reports whether the awaited condition holds. The polarity is the
// probe's business: "image is available" and "image name no longer
// resolves" are two probes driven by the same waiter. A probe error stops
// the wait immediately; transient API errors are already retried inside
// the cloud client, so whatever reaches the waiter is permanent.
type Probe func(ctx context.Context) (bool, error)

// Waiter repeatedly invokes a probe at a fixed interval until the probe
// reports success or the accumulated wait exceeds the timeout. There is
// no backoff or jitter. Elapsed time is accounted as sleeps taken times
// the interval, so the waiter gives up after exactly ceil(timeout/interval)
// sleeps regardless of how long the probes themselves take.
type Waiter struct {
	Interval time.Duration
	Timeout  time.Duration

	// sleep is replaced in tests to count sleeps without waiting.
	sleep func(time.Duration)

	status Status
}

// New returns a waiter with the given interval and timeout, substituting
// the defaults for non-positive values.
func New(interval, timeout time.Duration) *Waiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Waiter{
		Interval: interval,
		Timeout:  timeout,
		sleep:    time.Sleep,
	}
}

// Status returns the waiter's terminal status after Wait has returned.
func (w *Waiter) Status() Status {
	return w.status
}

// Wait runs the probe loop. It returns nil once the probe reports the
// condition satisfied, a trace.LimitExceeded error when the timeout is
// reached first, or the probe's own error if one occurs. The context is
// checked between sleeps; cancellation surfaces as the context's error.
func (w *Waiter) Wait(ctx context.Context, what string, probe Probe) error {
	if w.sleep == nil {
		w.sleep = time.Sleep
	}
	logger := log.WithField(trace.Component, "poll")
	logger.Debugf("Waiting up to %v for %v.", w.Timeout, what)

	var elapsed time.Duration
	w.status = Polling
	for w.status == Polling {
		done, err := probe(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if done {
			w.status = Satisfied
			break
		}
		logger.Debugf("Not yet %v, retrying in %v.", what, w.Interval)
		w.sleep(w.Interval)
		elapsed += w.Interval
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		if elapsed >= w.Timeout {
			w.status = TimedOut
		}
	}

	if w.status == TimedOut {
		return trace.LimitExceeded("timed out after %v waiting for %v", w.Timeout, what)
	}
	logger.Debugf("Condition %v satisfied after %v.", what, elapsed)
	return nil
}
