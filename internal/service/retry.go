package service

import (
	"context"
	"time"

	"gitlab-tracker/internal/pkg/git/gitlab"
)

// retryPolicy 429 按次数指数退避；5xx 与超时只重试一次
type retryPolicy struct {
	rateLimitAttempts int
	backoff           time.Duration
	maxWait           time.Duration
}

func (p retryPolicy) waitFor(err error, rateTries, otherTries int) (time.Duration, bool) {
	switch {
	case gitlab.IsRateLimited(err):
		if rateTries >= p.rateLimitAttempts {
			return 0, false
		}
		wait := gitlab.RetryAfterOf(err)
		if wait <= 0 {
			wait = p.backoff << rateTries
		}
		return min(wait, p.maxWait), true
	case gitlab.IsServerError(err), gitlab.IsTimeout(err):
		return p.backoff, otherTries < 1
	}
	return 0, false
}

func withRetry[T any](ctx context.Context, p retryPolicy, fn func(context.Context) (T, error)) (T, error) {
	rateTries, otherTries := 0, 0
	for {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		// 外层已取消时超时不再重试
		if ctx.Err() != nil {
			return out, err
		}

		wait, ok := p.waitFor(err, rateTries, otherTries)
		if !ok {
			return out, err
		}
		if gitlab.IsRateLimited(err) {
			rateTries++
		} else {
			otherTries++
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, err
		case <-timer.C:
		}
	}
}
