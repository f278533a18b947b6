package exchange

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RetryPolicy 作用于单次交易所调用，而非整个策略。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     time.Duration
}

// DefaultRetryPolicy 返回默认重试策略。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
		Jitter:     100 * time.Millisecond,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay 返回第 n 次重试前的等待时间：base × multiplier^(n−1)，封顶后加随机抖动。
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	wait := p.MaxDelay
	if backoff < float64(p.MaxDelay) {
		wait = time.Duration(backoff)
	}
	if p.Jitter > 0 {
		wait += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return wait
}

// callInfo 描述一次调用，用于日志与链路追踪。
type callInfo struct {
	operation string
	symbol    string
	side      string
	orderType string
	orderID   string
	// 轮询类调用成功时只记录 debug 日志
	quiet bool
}

func (c callInfo) fields() []zap.Field {
	fields := []zap.Field{zap.String("operation", c.operation)}
	if c.symbol != "" {
		fields = append(fields, zap.String("symbol", c.symbol))
	}
	if c.side != "" {
		fields = append(fields, zap.String("side", c.side))
	}
	if c.orderType != "" {
		fields = append(fields, zap.String("type", c.orderType))
	}
	if c.orderID != "" {
		fields = append(fields, zap.String("order_id", c.orderID))
	}
	return fields
}

type retrier struct {
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRetrier(policy RetryPolicy, logger *zap.Logger) *retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrier{
		policy: policy.normalize(),
		logger: logger,
		sleep:  sleepContext,
	}
}

func (r *retrier) do(ctx context.Context, info callInfo, fn func(ctx context.Context) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "exchange."+info.operation)
	defer span.Finish()
	span.SetTag("symbol", info.symbol)
	if info.orderID != "" {
		span.SetTag("order_id", info.orderID)
	}

	start := time.Now()
	attempt := 0
	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		callStart := time.Now()
		err := fn(ctx)
		latency := time.Since(callStart)

		if err == nil {
			level := zapcore.InfoLevel
			if info.quiet && attempt == 1 {
				level = zapcore.DebugLevel
			}
			r.logger.Log(level, "交易所调用成功", append(info.fields(),
				zap.String("outcome", "ok"),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Duration("elapsed", time.Since(start)),
			)...)
			span.SetTag("attempts", attempt)
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !IsRetryable(err) {
			r.logger.Warn("交易所调用失败", append(info.fields(),
				zap.String("outcome", "rejected"),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)...)
			ext.Error.Set(span, true)
			return err
		}

		if attempt > r.policy.MaxRetries {
			exhausted := &RetryExhaustedError{Operation: info.operation, Attempts: attempt, Last: err}
			r.logger.Error("交易所调用重试耗尽", append(info.fields(),
				zap.String("outcome", "retry_exhausted"),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)...)
			ext.Error.Set(span, true)
			return exhausted
		}

		wait := r.policy.Delay(attempt)
		r.logger.Warn("交易所调用失败，等待重试", append(info.fields(),
			zap.String("outcome", "retry"),
			zap.Int("attempt", attempt),
			zap.Duration("latency", latency),
			zap.Duration("wait", wait),
			zap.Error(err),
		)...)

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
