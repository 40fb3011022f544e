// internal/llm/retry.go
package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
)

// 重试策略默认值
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultRetryBudget = 300 * time.Second
	DefaultJitter      = 0.1
)

// RetryPolicy 对可恢复的失败做指数退避重试
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
	// Budget 从第一次尝试起的总时长上限
	Budget time.Duration

	sleeper func(time.Duration)
	now     func() time.Time
	mu      sync.Mutex
	rnd     *rand.Rand
}

// NewRetryPolicy 使用默认参数创建策略
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
		Budget:     DefaultRetryBudget,
		now:        time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSleeper 替换退避等待（测试使用）
func (p *RetryPolicy) WithSleeper(sleeper func(time.Duration)) *RetryPolicy {
	p.sleeper = sleeper
	return p
}

// RetryAfterError 携带服务端建议的等待时间
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// Do 执行 fn，失败时按策略重试；返回实际重试次数
func (p *RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	start := p.clock()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}

		delay, retry := p.Delay(ctx, err, attempt)
		if !retry {
			return attempt, err
		}
		if p.Budget > 0 && p.clock().Sub(start)+delay > p.Budget {
			return attempt, err
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return attempt, apperrors.NewCancelledError("等待重试时任务被取消")
		}
	}
}

// Delay 返回第 attempt 次失败后的等待时间，以及是否应重试
func (p *RetryPolicy) Delay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxRetries {
		return 0, false
	}
	if ctx != nil && ctx.Err() != nil {
		return 0, false
	}
	if !isRetryable(err) {
		return 0, false
	}

	var ra *RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter > 0 {
		return p.capDelay(ra.RetryAfter), true
	}
	return p.backoff(attempt), true
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if apperrors.Retryable(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// backoff base·2^attempt，±Jitter 抖动，不超过 MaxDelay
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.Jitter > 0 {
		p.mu.Lock()
		r := p.rnd
		if r == nil {
			r = rand.New(rand.NewSource(time.Now().UnixNano()))
			p.rnd = r
		}
		delay *= 1 + (r.Float64()*2-1)*p.Jitter
		p.mu.Unlock()
	}
	return p.capDelay(time.Duration(delay))
}

func (p *RetryPolicy) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p *RetryPolicy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *RetryPolicy) sleep(ctx context.Context, delay time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if delay <= 0 {
		return nil
	}
	if p.sleeper != nil {
		p.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter 解析秒数或 HTTP 日期形式的 Retry-After
func ParseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
