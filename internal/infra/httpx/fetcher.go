package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/tmdbsync/internal/domain"
)

const maxBodyBytes = 32 << 20

// Policy 是单个请求的重试策略。
type Policy struct {
	// MaxAttempts 是总尝试次数（含首次）。<=0 视为 1。
	MaxAttempts int
	// RateLimitDelay 是收到 429 后、重试前的额外等待。
	RateLimitDelay time.Duration
	// RetryBackoff 是每次失败尝试后的固定退避（429 与传输错误都适用）。
	RetryBackoff time.Duration
}

// DefaultPolicy：3 次尝试，429 等待 1s，失败退避 1s。
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, RateLimitDelay: time.Second, RetryBackoff: time.Second}
}

// Gate 是所有请求共享的限速闸门；*rate.Limiter 满足该接口。
type Gate interface {
	Wait(ctx context.Context) error
}

// Fetcher 对单个 URL 执行“限速 + 有界重试 + JSON 解码”。
//
// 并发安全：多个 worker 可共享同一个 Fetcher，闸门保证总速率不超限。
type Fetcher struct {
	Client *http.Client
	Policy Policy
	Gate   Gate
	Log    logrus.FieldLogger

	// Sleep 用于退避等待；为空时使用可被 ctx 打断的计时器。测试可替换。
	Sleep func(ctx context.Context, d time.Duration) error
}

// GetJSON 获取 url 并解码为 JSON 对象。
//
// 返回值：
// - 成功：payload 非 nil，err 为 nil
// - 本轮缺失：payload 为 nil，err 为 *AbandonError
// - ctx 取消：err 为 ctx.Err()（不包装为 AbandonError，调用方据此判断中断）
func (f *Fetcher) GetJSON(ctx context.Context, url string) (domain.RawPayload, error) {
	if f == nil || f.Client == nil {
		return nil, errors.New("nil fetcher client")
	}
	log := f.Log
	if log == nil {
		log = discardLogger()
	}
	attempts := f.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	safeURL := RedactURL(url)

	var (
		lastErr    error
		lastReason = ReasonTransport
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if f.Gate != nil {
			if err := f.Gate.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
		}

		payload, status, err := f.do(ctx, url)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case status == http.StatusTooManyRequests:
			lastReason = ReasonRateLimited
			lastErr = &HTTPStatusError{URL: safeURL, StatusCode: status}
			log.WithFields(logrus.Fields{"url": safeURL, "attempt": attempt}).Debug("收到 429，等待后重试")
			if attempt < attempts {
				if err := f.sleep(ctx, f.Policy.RateLimitDelay); err != nil {
					return nil, err
				}
			}
		case status != 0 && status != http.StatusOK:
			// 非 429 的拒绝：不再尝试，也不退避。
			return nil, &AbandonError{
				URL:      safeURL,
				Reason:   ReasonRejected,
				Attempts: attempt,
				Err:      &HTTPStatusError{URL: safeURL, StatusCode: status},
			}
		default:
			lastReason = ReasonTransport
			lastErr = err
			log.WithFields(logrus.Fields{"url": safeURL, "attempt": attempt}).WithError(err).Warn("请求失败")
		}

		if attempt < attempts {
			if err := f.sleep(ctx, f.Policy.RetryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, &AbandonError{URL: safeURL, Reason: lastReason, Attempts: attempts, Err: lastErr}
}

// do 执行一次请求。status=0 表示没有拿到可用响应（传输错误或响应体无法解码）。
func (f *Fetcher) do(ctx context.Context, url string) (domain.RawPayload, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, 0, redactErr(err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, &HTTPStatusError{URL: RedactURL(url), StatusCode: resp.StatusCode}
	}

	var payload domain.RawPayload
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("解析 JSON 失败：%w", err)
	}
	if payload == nil {
		return nil, 0, errors.New("响应不是 JSON 对象")
	}
	return payload, http.StatusOK, nil
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redactErr 避免 *url.Error 把带 api_key 的原始 URL 带进日志。
func redactErr(err error, raw string) error {
	var ue *neturl.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s %s: %w", ue.Op, RedactURL(raw), ue.Err)
	}
	return err
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
