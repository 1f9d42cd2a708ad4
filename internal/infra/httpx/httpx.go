package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultExportRetryMax = 2
)

// Transport 统一 UA、代理与连接复用策略，并可选做传输层有界重试。
//
// 详情接口的重试由 Fetcher 的策略负责，所以 API client 的 RetryMax 固定为 0；
// 导出文件下载没有上层重试，保留传输层重试。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// RetryMax 表示最大重试次数（不含首次尝试）。0 表示只尝试一次。
	RetryMax int

	// DisableKeepAlives 为 true 时对每个请求设置 Close=true。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只有可重放的请求（GET/HEAD 且无 body）才重试。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && req.Body == nil
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" && t.ua != nil {
			r.Header.Set("User-Agent", t.ua.random())
		}
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", "application/json")
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// NewAPIClient 构造访问详情接口的 client。
//
// 规则：
// - 传输层不重试（重试次数、429 退避由 Fetcher 控制）
// - proxyURL 非空时走代理，且每请求新连接
// - timeout<=0 使用默认总超时
func NewAPIClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	return newClient(strings.TrimSpace(proxyURL), timeout, 0)
}

// NewExportClient 构造下载每日 ID 导出文件的 client（带传输层有界重试）。
func NewExportClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	return newClient(strings.TrimSpace(proxyURL), timeout, defaultExportRetryMax)
}

func newClient(proxyURL string, timeout time.Duration, retryMax int) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   8,
	}

	disableKeepAlives := false
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, errors.New("proxy.url 必须是完整 URL（含 scheme 与 host）")
		}
		base.Proxy = http.ProxyURL(u)
		// 代理池轮换依赖每请求新连接。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}
	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		RetryMax:          retryMax,
		DisableKeepAlives: disableKeepAlives,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"tmdbsync/1.0 (+https://github.com/John-Robertt/tmdbsync)",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}

// RedactURL 去掉 URL 中的 api_key 查询参数，用于日志与错误信息。
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
