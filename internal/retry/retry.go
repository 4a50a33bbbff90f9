package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rename-go/internal/domain"
)

// Strategy 重试策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	Operation       string        // 操作名称，用于日志和指标
	MaxAttempts     int           // 最大尝试次数
	InitialInterval time.Duration // 初始间隔
	MaxInterval     time.Duration // 最大间隔
	Strategy        Strategy
	Timeout         time.Duration // 总超时时间
	Logger          *logrus.Logger
	// OnRetry 每次失败后、等待前调用
	OnRetry func(operation string, attempt int)
}

// DefaultConfig 启动时连接数据库、消息队列的默认配置
func DefaultConfig(operation string, logger *logrus.Logger) *Config {
	return &Config{
		Operation:       operation,
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     15 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         2 * time.Minute,
		Logger:          logger,
	}
}

// permanentError 不可重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	var notFound *domain.ToolNotFoundError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.As(err, &notFound):
		return false // 环境问题，重试无意义
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数类型
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var cancel context.CancelFunc
	if config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	log := config.Logger.WithField("operation", config.Operation)
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", config.Operation, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     config.MaxAttempts,
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return fmt.Errorf("%s: %w", config.Operation, err)
		}
		if attempt >= config.MaxAttempts {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(config.Operation, attempt)
		}

		wait := nextInterval(config.Strategy, config.InitialInterval, config.MaxInterval, attempt)
		log.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         wait,
		}).Info("Waiting before retry")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during wait: %w", config.Operation, ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("%s: max attempts (%d) reached: %w", config.Operation, config.MaxAttempts, lastErr)
}

// nextInterval 计算第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration

	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}

	if max > 0 && next > max {
		next = max
	}
	return next
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
