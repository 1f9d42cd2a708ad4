package main

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/tmdbsync/internal/app/run"
	"github.com/John-Robertt/tmdbsync/internal/config"
	"github.com/John-Robertt/tmdbsync/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间无批次完成时也会定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	category     string
	batchesDone  int
	batchesTotal int
	fetched      int
	abandoned    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	mode := "sync"
	modeHint := ""
	if eff.DryRun {
		mode = "dry-run"
		modeHint = " (只规划，不抓取详情/不写入)"
	}

	fmt.Fprintf(p.w, "[%s] tmdbsync run (%s)\n", now.Format("15:04:05"), mode)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  mode: %s%s\n", mode, modeHint)
	fmt.Fprintf(p.w, "  categories: %s\n", strings.Join(eff.Categories, ", "))
	fmt.Fprintf(p.w, "  batch: size=%d max=%s\n", eff.BatchSize, formatMaxBatches(eff.MaxBatches))
	fmt.Fprintf(p.w, "  workers: %d\n", eff.Workers)
	fmt.Fprintf(p.w, "  retry: attempts=%d rate_limit_delay=%s backoff=%s\n",
		eff.MaxAttempts, eff.RateLimitDelay, eff.RetryBackoff)
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.ProxyURL))
	fmt.Fprintf(p.w, "  sink: %s\n", eff.SinkDriver)
	fmt.Fprintf(p.w, "  lock: %s\n", eff.LockDriver)

	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  out: %s\n", eff.OutDir)
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(category, name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "universe":
		src := "download"
		if b, _ := fields["from_cache"].(bool); b {
			src = "cache"
		}
		fmt.Fprintf(p.w, "[%s] 全集: ids=%d adult=%d collection=%d malformed=%d source=%s (%s)\n",
			category,
			intField(fields, "ids"),
			intField(fields, "adult"),
			intField(fields, "collection"),
			intField(fields, "malformed"),
			src,
			formatShortDuration(dur),
		)
	case "resume":
		fmt.Fprintf(p.w, "[%s] 已有: seen=%d (%s)\n", category, intField(fields, "seen"), formatShortDuration(dur))
	case "plan":
		p.category = category
		p.batchesDone = 0
		p.batchesTotal = intField(fields, "batches")
		p.fetched = 0
		p.abandoned = 0
		fmt.Fprintf(p.w, "[%s] 规划: pending=%d planned=%d batches=%d (%s)\n",
			category,
			intField(fields, "pending"),
			intField(fields, "planned"),
			p.batchesTotal,
			formatShortDuration(dur),
		)
		if p.batchesTotal > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "[%s] %s (%s)\n", category, name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnBatchDone(category string, idx, total int, res run.BatchResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.category = category
	p.batchesDone = idx
	p.batchesTotal = total
	p.fetched += res.Fetched
	p.abandoned += res.Abandoned

	fmt.Fprintf(p.w, "[%s] 批次 [%d/%d] fetched=%d/%d abandoned=%d invalid=%d written=%d credits=%d (%s)\n",
		category, idx, total, res.Fetched, res.Requested, res.Abandoned, res.Invalid,
		res.EntitiesWritten, res.CreditsWritten, formatShortDuration(dur),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnCategoryDone(rep domain.CategoryReport, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch rep.Status {
	case domain.StatusFailed, domain.StatusInterrupted:
		fmt.Fprintf(p.w, "[%s] %s %s: %s (%s)\n\n",
			rep.Category, strings.ToUpper(rep.Status), rep.ErrorCode, truncate(rep.ErrorMsg, 160), formatShortDuration(dur),
		)
	case domain.StatusPlanned:
		fmt.Fprintf(p.w, "[%s] PLANNED pending=%d planned=%d (%s)\n\n",
			rep.Category, rep.Pending, rep.Planned, formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "[%s] OK fetched=%d abandoned=%s written=%d credits=%d (%s)\n\n",
			rep.Category, rep.Fetched, formatAbandoned(rep.Abandoned), rep.EntitiesWritten, rep.CreditsWritten, formatShortDuration(dur),
		)
	}

	// 类别结束：停止 ticker，避免在下一类别规划前又冒出 keepalive。
	p.batchesTotal = 0
	p.stopTickerLocked()
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnProgress(category string, batchesDone, batchesTotal, fetched, abandoned int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printProgressLocked(category, batchesDone, batchesTotal, fetched, abandoned, elapsed)
}

// Close 停止 keepalive（可重复调用）。
func (p *progressUI) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) printProgressLocked(category string, batchesDone, batchesTotal, fetched, abandoned int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "进度: [%s] batches=%d/%d fetched=%d abandoned=%d elapsed=%s\n",
		category, batchesDone, batchesTotal, fetched, abandoned, formatElapsed(elapsed),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.batchesTotal > 0 && time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked(p.category, p.batchesDone, p.batchesTotal, p.fetched, p.abandoned, time.Since(p.startedAt))
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func formatMaxBatches(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", n)
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

// formatAbandoned 输出形如 "3(rejected=1,transport=2)"；没有放弃时输出 "0"。
func formatAbandoned(m map[string]int) string {
	total := 0
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v == 0 {
			continue
		}
		total += v
		keys = append(keys, k)
	}
	if total == 0 {
		return "0"
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return fmt.Sprintf("%d(%s)", total, strings.Join(parts, ","))
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	default:
		return 0
	}
}
