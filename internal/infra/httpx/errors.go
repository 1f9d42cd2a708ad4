package httpx

import (
	"fmt"
	"strings"
)

// HTTPStatusError 表示服务端返回了非 200 的状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	u := strings.TrimSpace(e.URL)
	if u == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d url=%s", e.StatusCode, u)
}

// AbandonReason 说明一个请求为何被放弃。
type AbandonReason string

const (
	// ReasonRejected：非 200 且非 429，立即放弃，不再尝试。
	ReasonRejected AbandonReason = "rejected"
	// ReasonRateLimited：重试预算内始终收到 429。
	ReasonRateLimited AbandonReason = "rate_limited"
	// ReasonTransport：重试预算内始终是传输错误或响应体无法解析。
	ReasonTransport AbandonReason = "transport"
)

// AbandonError 表示该请求本轮“缺失”：调用方跳过该 id，下次运行自然会重新尝试。
type AbandonError struct {
	URL      string // 已脱敏
	Reason   AbandonReason
	Attempts int
	Err      error
}

func (e *AbandonError) Error() string {
	if e == nil {
		return "abandoned"
	}
	if e.Err == nil {
		return fmt.Sprintf("放弃请求（%s，尝试 %d 次）：%s", e.Reason, e.Attempts, e.URL)
	}
	return fmt.Sprintf("放弃请求（%s，尝试 %d 次）：%s：%v", e.Reason, e.Attempts, e.URL, e.Err)
}

func (e *AbandonError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
