package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy 描述指数退避重试参数。
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	// Retryable 为 nil 时所有错误都会重试。
	Retryable func(error) bool
}

// DefaultRetryPolicy 默认最多尝试 3 次，首个间隔 1s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second}
}

// BackoffDelay returns the wait before the attempt following the failed
// zero-based attempt n: InitialDelay * 2^n.
func (p RetryPolicy) BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return p.InitialDelay * time.Duration(1<<uint(n))
}

// Retry 执行 fn，失败后按 InitialDelay*2^attempt 等待再重试，
// 用尽次数后返回最后一次错误。
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), lastErr)
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(policy.BackoffDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
