package aws

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
)

// maxRetries bounds how many times a throttled or otherwise transient API
// call is reattempted. Permanent errors abort on the first attempt.
const maxRetries = 4

// retryInitialInterval seeds the backoff between attempts. Tests shrink it.
var retryInitialInterval = 500 * time.Millisecond

// call runs fn under an exponential backoff, retrying transient API
// failures. SDK-level retries are pinned to a single attempt when the
// client is constructed, so this is the only retry layer.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(
		func() error {
			err := fn(ctx)
			if err == nil {
				return nil
			}
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx),
		func(err error, delay time.Duration) {
			c.log.WithError(err).Debugf("Retrying %v in %v.", op, delay)
		},
	)
	if err != nil {
		return trace.Wrap(err, "%v failed", op)
	}
	return nil
}
