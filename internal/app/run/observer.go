package run

import (
	"time"

	"github.com/John-Robertt/tmdbsync/internal/config"
	"github.com/John-Robertt/tmdbsync/internal/domain"
)

// BatchResult 是单个批次的执行结果（已持久化之后的计数）。
type BatchResult struct {
	Requested       int
	Fetched         int
	Abandoned       int
	Invalid         int
	EntitiesWritten int
	CreditsWritten  int
}

// Observer 用于把“运行进度/阶段/批次结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在某个类别的阶段（universe/resume/plan）结束时调用。
	OnPhaseDone(category, name string, fields map[string]any, dur time.Duration)
	// OnBatchDone 在批次持久化完成后调用；idx 从 1 开始。
	OnBatchDone(category string, idx, total int, res BatchResult, dur time.Duration)
	// OnCategoryDone 在类别结束（任何状态）时调用。
	OnCategoryDone(rep domain.CategoryReport, dur time.Duration)
	// OnProgress 用于 keepalive（通常由 CLI 自己 ticker 触发；run 层不强制调用）。
	OnProgress(category string, batchesDone, batchesTotal, fetched, abandoned int, elapsed time.Duration)
}
