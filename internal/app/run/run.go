package run

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/tmdbsync/internal/app/planner"
	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/config"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/cache"
	"github.com/John-Robertt/tmdbsync/internal/infra/fsx"
	"github.com/John-Robertt/tmdbsync/internal/infra/httpx"
	"github.com/John-Robertt/tmdbsync/internal/infra/lock"
	"github.com/John-Robertt/tmdbsync/internal/normalize"
	"github.com/John-Robertt/tmdbsync/internal/resume"
	"github.com/John-Robertt/tmdbsync/internal/sink"
	"github.com/John-Robertt/tmdbsync/internal/universe"
)

const (
	// LockFileName 是 lock.driver=file 时 <out> 下的锁文件名。
	LockFileName    = ".tmdbsync.lock"
	redisLockPrefix = "tmdbsync:lock:"
)

// Execute 执行一次同步（或 dry-run），并返回对外稳定的 RunReport。
// 错误尽量降级为类别级失败（单个类别失败不影响其他类别）。
func Execute(ctx context.Context, eff config.EffectiveConfig, reg catalog.Registry, log logrus.FieldLogger) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, reg, log, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, reg catalog.Registry, log logrus.FieldLogger, obs Observer) domain.RunReport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		RunID:      uuid.NewString(),
		OutDir:     eff.OutDir,
		DryRun:     eff.DryRun,
		StartedAt:  time.Now().UTC(),
		Categories: make([]domain.CategoryReport, 0, len(eff.Categories)),
	}
	log = log.WithField("run_id", rr.RunID)

	fail := func(code, msg string) domain.RunReport {
		log.WithField("error_code", code).Error(msg)
		rr.ErrorCode = code
		rr.ErrorMsg = msg
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	apiClient, err := httpx.NewAPIClient(eff.ProxyURL, eff.RequestTimeout)
	if err != nil {
		return fail(domain.ErrCodeConfigInvalid, fmt.Sprintf("proxy.url 无效：%v", err))
	}
	exportClient, err := httpx.NewExportClient(eff.ProxyURL, eff.RequestTimeout)
	if err != nil {
		return fail(domain.ErrCodeConfigInvalid, fmt.Sprintf("proxy.url 无效：%v", err))
	}

	// dry-run：不建目录、不加锁、不写缓存。
	if !eff.DryRun {
		if err := fsx.EnsureDir(eff.OutDir); err != nil {
			return fail(domain.ErrCodeIOFailed, fmt.Sprintf("创建输出目录失败：%v", err))
		}
		release, err := acquireLock(ctx, eff, log)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return fail(domain.ErrCodeLockHeld, fmt.Sprintf("输出目录已被占用：%v", err))
			}
			return fail(domain.ErrCodeIOFailed, fmt.Sprintf("获取写入锁失败：%v", err))
		}
		defer release()
	}

	sinks, err := sink.NewFactory(eff.SinkDriver, eff.OutDir, eff.SinkDSN, eff.DryRun, log)
	if err != nil {
		return fail(domain.ErrCodeSinkFailed, fmt.Sprintf("打开输出端失败：%v", err))
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			log.WithError(err).Warn("关闭输出端失败")
		}
	}()

	src := universe.Source{Client: exportClient, BaseURL: eff.ExportBaseURL, Log: log}
	if eff.CacheExports {
		st := cache.New(eff.OutDir, eff.DryRun)
		src.Cache = &st
	}

	d := &driver{
		eff:    eff,
		reg:    reg,
		log:    log,
		obs:    obs,
		source: src,
		fetcher: &httpx.Fetcher{
			Client: apiClient,
			Policy: httpx.Policy{
				MaxAttempts:    eff.MaxAttempts,
				RateLimitDelay: eff.RateLimitDelay,
				RetryBackoff:   eff.RetryBackoff,
			},
			Gate: newGate(eff.RateLimitDelay),
			Log:  log,
		},
		sinks: sinks,
	}

	log.WithFields(logrus.Fields{
		"categories": eff.Categories,
		"dry_run":    eff.DryRun,
		"sink":       eff.SinkDriver,
		"workers":    eff.Workers,
	}).Info("开始运行")

	for _, name := range eff.Categories {
		rr.Categories = append(rr.Categories, d.runCategory(ctx, name))
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	log.WithFields(logrus.Fields{
		"completed":   rr.Summary.Completed,
		"failed":      rr.Summary.Failed,
		"interrupted": rr.Summary.Interrupted,
		"planned":     rr.Summary.Planned,
		"fetched":     rr.Summary.Fetched,
	}).Info("运行结束")
	return rr
}

// newGate 返回所有 worker 共享的限速闸门：每 delay 一个令牌，不允许突发。
func newGate(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

func acquireLock(ctx context.Context, eff config.EffectiveConfig, log logrus.FieldLogger) (func(), error) {
	every := eff.LockTTL / 3
	switch eff.LockDriver {
	case "none":
		return lock.Hold(ctx, lock.Nop{}, every, log)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     eff.RedisAddr,
			Password: eff.RedisPassword,
			DB:       eff.RedisDB,
		})
		release, err := lock.Hold(ctx, lock.NewRedis(client, redisLockKey(eff), eff.LockTTL), every, log)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return func() {
			release()
			_ = client.Close()
		}, nil
	default:
		return lock.Hold(ctx, lock.NewFile(filepath.Join(eff.OutDir, LockFileName), eff.LockTTL), every, log)
	}
}

// redisLockKey 以输出集合为范围：csv 按目录，SQL 按 dsn（取摘要，避免口令出现在 key 中）。
func redisLockKey(eff config.EffectiveConfig) string {
	scope := eff.OutDir
	if !isCSV(eff.SinkDriver) {
		scope = eff.SinkDriver + "|" + eff.SinkDSN
	}
	sum := sha256.Sum256([]byte(scope))
	return redisLockPrefix + hex.EncodeToString(sum[:8])
}

type driver struct {
	eff     config.EffectiveConfig
	reg     catalog.Registry
	log     logrus.FieldLogger
	obs     Observer
	source  universe.Source
	fetcher *httpx.Fetcher
	sinks   sink.Factory
}

// runCategory 顺序执行一个类别：ID 全集 -> 已见过滤 -> 规划 -> 分批抓取与持久化。
func (d *driver) runCategory(ctx context.Context, name string) (rep domain.CategoryReport) {
	started := time.Now()
	rep = domain.CategoryReport{Category: name, Abandoned: map[string]int{}}
	log := d.log.WithField("category", name)
	defer func() {
		log.WithFields(logrus.Fields{
			"status":           rep.Status,
			"error_code":       rep.ErrorCode,
			"fetched":          rep.Fetched,
			"abandoned":        rep.AbandonedTotal(),
			"entities_written": rep.EntitiesWritten,
			"credits_written":  rep.CreditsWritten,
			"elapsed":          time.Since(started).Round(time.Millisecond).String(),
		}).Info("类别结束")
		if d.obs != nil {
			d.obs.OnCategoryDone(rep, time.Since(started))
		}
	}()

	if ctx.Err() != nil {
		markInterrupted(&rep)
		return rep
	}
	cat, ok := d.reg.Get(name)
	if !ok {
		markFailed(&rep, domain.ErrCodeUnknownCategory, fmt.Sprintf("未知类别：%q", name))
		return rep
	}
	log.Info("开始同步类别")

	t0 := time.Now()
	u, err := d.source.Fetch(ctx, cat)
	if err != nil {
		if ctx.Err() != nil {
			markInterrupted(&rep)
			return rep
		}
		log.WithError(err).Error("获取 ID 全集失败")
		markFailed(&rep, domain.ErrCodeUniverseUnavailable, err.Error())
		return rep
	}
	rep.UniverseSize = len(u.IDs)
	d.phase(name, "universe", map[string]any{
		"file":       u.FileName,
		"from_cache": u.FromCache,
		"ids":        len(u.IDs),
		"malformed":  u.Stats.Malformed,
		"adult":      u.Stats.Adult,
		"collection": u.Stats.Collection,
		"duplicate":  u.Stats.Duplicate,
	}, time.Since(t0))

	t0 = time.Now()
	if d.eff.DryRun && isCSV(d.eff.SinkDriver) {
		// dry-run 不打开 CSV 写入端（打开会修复尾部），直接读取实体表的 id 列。
		pending, err := resume.FilterUnseen(sink.EntitiesPath(d.eff.OutDir, cat), u.IDs)
		if err != nil {
			markFailed(&rep, domain.ErrCodeIOFailed, fmt.Sprintf("读取已有 id 失败：%v", err))
			return rep
		}
		d.phase(name, "resume", map[string]any{"seen": len(u.IDs) - len(pending)}, time.Since(t0))

		t0 = time.Now()
		plan, err := planner.PlanPending(name, u.IDs, pending, d.eff.BatchSize, d.eff.MaxBatches)
		if err != nil {
			markFailed(&rep, domain.ErrCodeConfigInvalid, err.Error())
			return rep
		}
		d.recordPlan(&rep, plan, time.Since(t0))
		rep.Status = domain.StatusPlanned
		return rep
	}

	sk, err := d.sinks.Open(ctx, cat)
	if err != nil {
		markFailed(&rep, domain.ErrCodeSinkFailed, fmt.Sprintf("打开输出表失败：%v", err))
		return rep
	}
	defer func() {
		if err := sk.Close(); err != nil {
			log.WithError(err).Warn("关闭输出表失败")
		}
	}()
	seen, err := sk.SeenIDs(ctx)
	if err != nil {
		if ctx.Err() != nil {
			markInterrupted(&rep)
			return rep
		}
		markFailed(&rep, domain.ErrCodeSinkFailed, fmt.Sprintf("读取已有 id 失败：%v", err))
		return rep
	}
	d.phase(name, "resume", map[string]any{"seen": len(seen)}, time.Since(t0))

	t0 = time.Now()
	plan, err := planner.PlanCategory(name, u.IDs, seen, d.eff.BatchSize, d.eff.MaxBatches)
	if err != nil {
		markFailed(&rep, domain.ErrCodeConfigInvalid, err.Error())
		return rep
	}
	d.recordPlan(&rep, plan, time.Since(t0))
	if d.eff.DryRun {
		rep.Status = domain.StatusPlanned
		return rep
	}

	for i, b := range plan.Batches {
		bStarted := time.Now()
		payloads, abandoned, err := d.fetchBatch(ctx, cat, b.IDs)
		if err != nil {
			// 未持久化的在途批次直接丢弃，下次运行会重新抓取。
			log.WithField("batch", b.Index).Warn("运行被中断，丢弃在途批次")
			markInterrupted(&rep)
			return rep
		}

		res := normalize.Normalize(payloads)
		// 批次已完整抓取：写入不受取消影响，保证批次要么整体落盘要么不写。
		w, err := sk.AppendBatch(context.WithoutCancel(ctx), res.Entities, res.Credits)
		rep.EntitiesWritten += w.Entities
		rep.CreditsWritten += w.Credits
		if err != nil {
			log.WithError(err).WithField("batch", b.Index).Error("写入批次失败")
			markFailed(&rep, domain.ErrCodeSinkFailed, fmt.Sprintf("写入批次 %d 失败：%v", b.Index, err))
			return rep
		}

		br := BatchResult{
			Requested:       len(b.IDs),
			Fetched:         len(payloads),
			Invalid:         res.Stats.Invalid,
			EntitiesWritten: w.Entities,
			CreditsWritten:  w.Credits,
		}
		for reason, n := range abandoned {
			rep.Abandoned[reason] += n
			br.Abandoned += n
		}
		rep.Fetched += br.Fetched
		rep.Invalid += br.Invalid
		rep.BatchesDone++

		log.WithFields(logrus.Fields{
			"batch":     b.Index,
			"requested": br.Requested,
			"fetched":   br.Fetched,
			"abandoned": br.Abandoned,
			"written":   br.EntitiesWritten,
		}).Debug("批次完成")
		if d.obs != nil {
			d.obs.OnBatchDone(name, i+1, len(plan.Batches), br, time.Since(bStarted))
		}
	}

	rep.Status = domain.StatusCompleted
	return rep
}

// fetchBatch 抓取一个批次的全部 id，返回成功的 payload（按 id 在批次中的顺序）与按原因统计的放弃数。
// 执行中 ctx 被取消时返回 ctx.Err()，调用方丢弃整个批次。
func (d *driver) fetchBatch(ctx context.Context, cat catalog.Category, ids []domain.EntityID) ([]domain.RawPayload, map[string]int, error) {
	workers := d.eff.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	type fetchResult struct {
		idx     int
		payload domain.RawPayload
		err     error
	}

	jobs := make(chan int)
	results := make(chan fetchResult, len(ids))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				p, err := d.fetcher.GetJSON(ctx, cat.DetailURL(d.eff.APIBaseURL, d.eff.APIKey, ids[i]))
				results <- fetchResult{idx: i, payload: p, err: err}
			}
		}()
	}

	go func() {
	feed:
		for i := range ids {
			select {
			case jobs <- i:
			case <-ctx.Done():
				break feed
			}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	got := make([]domain.RawPayload, len(ids))
	abandoned := map[string]int{}
	for r := range results {
		if r.err == nil {
			got[r.idx] = r.payload
			continue
		}
		var ae *httpx.AbandonError
		switch {
		case errors.As(r.err, &ae):
			abandoned[string(ae.Reason)]++
		case ctx.Err() == nil:
			abandoned[string(httpx.ReasonTransport)]++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	out := make([]domain.RawPayload, 0, len(ids))
	for _, p := range got {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, abandoned, nil
}

func (d *driver) recordPlan(rep *domain.CategoryReport, plan domain.CategoryPlan, dur time.Duration) {
	rep.AlreadySeen = plan.AlreadySeen
	rep.Pending = plan.Pending
	rep.Planned = plan.Planned
	rep.BatchesPlanned = len(plan.Batches)
	d.phase(plan.Category, "plan", map[string]any{
		"pending": plan.Pending,
		"planned": plan.Planned,
		"batches": len(plan.Batches),
	}, dur)
}

func isCSV(driver string) bool {
	return driver == "" || driver == sink.DriverCSV
}

func (d *driver) phase(category, name string, fields map[string]any, dur time.Duration) {
	d.log.WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"category": category,
		"phase":    name,
	}).Debug("阶段完成")
	if d.obs != nil {
		d.obs.OnPhaseDone(category, name, fields, dur)
	}
}

func markFailed(rep *domain.CategoryReport, code, msg string) {
	rep.Status = domain.StatusFailed
	rep.ErrorCode = code
	rep.ErrorMsg = msg
}

func markInterrupted(rep *domain.CategoryReport) {
	rep.Status = domain.StatusInterrupted
	rep.ErrorCode = domain.ErrCodeInterrupted
	rep.ErrorMsg = "运行被中断"
}
