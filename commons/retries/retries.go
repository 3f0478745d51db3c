package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/smithy-go"
)

// Policy is the single source of retry behaviour for every store client.
// It is injected at construction time; nothing in this service relies on
// SDK default retry settings.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var (
	DefaultPolicy = Policy{Attempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	HealthPolicy  = Policy{Attempts: 2, BaseDelay: 25 * time.Millisecond, MaxDelay: 100 * time.Millisecond}
)

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non retriable error, the
// attempts are exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, fn func() error, isRetriable func(error) bool) error {
	p = p.normalized()

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}

		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

var retriableDbCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"ThrottlingException":                    {},
	"RequestLimitExceeded":                   {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
	"TransactionConflictException":           {},
}

func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		_, ok := retriableDbCodes[apiErr.ErrorCode()]
		return ok
	}
	return false
}

// AWSRetryer turns the policy into an SDK retryer so S3 and SQS clients
// follow the same attempt count and backoff ceiling.
func (p Policy) AWSRetryer() func() aws.Retryer {
	p = p.normalized()
	return func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = p.Attempts
			o.MaxBackoff = p.MaxDelay
			o.Backoff = retry.NewExponentialJitterBackoff(p.MaxDelay)
		})
	}
}
