package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// 最大重试次数，0表示不重试，负数表示一直重试直到ctx结束
	Retries int
}

// minBackoff 重试间隔下限，避免Initial为0时空转
const minBackoff = 10 * time.Millisecond

// DefaultBackoff 默认退避参数
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  1.5,
		Retries: 5,
	}
}

func (b Backoff) next(cur time.Duration) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1.5
	}
	cur = time.Duration(float64(cur) * factor)
	if cur < minBackoff {
		cur = minBackoff
	}
	if b.Max > 0 && cur > b.Max {
		cur = b.Max
	}
	return cur
}

// RetryWithBackoff 执行operation，失败时按指数退避重试。
// name只用于日志，返回的错误包装了最后一次失败的原因。
func RetryWithBackoff(ctx context.Context, name string, b Backoff, operation func() error) error {
	err := operation()
	if err == nil {
		return nil
	}
	if b.Retries == 0 {
		return fmt.Errorf("%s failed (no retries): %w", name, err)
	}
	slog.Debug("initial attempt failed, will retry", "operation", name, "error", err)

	wait := max(b.Initial, minBackoff)
	for attempt := 1; b.Retries < 0 || attempt <= b.Retries; attempt++ {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err = operation(); err == nil {
			slog.Debug("operation successful after retry", "operation", name, "attempt", attempt)
			return nil
		}
		slog.Debug("retry attempt failed", "operation", name, "attempt", attempt, "error", err)
		wait = b.next(wait)
	}

	slog.Error("operation failed after all retries", "operation", name, "retries", b.Retries, "error", err)
	return fmt.Errorf("%s failed after %d retries: %w", name, b.Retries, err)
}
