package domain

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
)

const (
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
	StatusPlanned     = "planned"
)

const (
	ErrCodeUniverseUnavailable = "universe_unavailable"
	ErrCodeUnknownCategory     = "unknown_category"
	ErrCodeIOFailed            = "io_failed"
	ErrCodeSinkFailed          = "sink_failed"
	ErrCodeLockHeld            = "lock_held"
	ErrCodeInterrupted         = "interrupted"
	ErrCodeConfigNotFound      = "config_not_found"
	ErrCodeConfigInvalid       = "config_invalid"
	ErrCodeConfigMissingAPIKey = "config_missing_api_key"
)

// RunReport 是对外稳定输出（report.json / stdout JSON）的结构。
type RunReport struct {
	RunID  string `json:"run_id"`
	OutDir string `json:"out_dir"`
	DryRun bool   `json:"dry_run"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary    ReportSummary    `json:"summary"`
	Categories []CategoryReport `json:"categories"`

	// ErrorCode/ErrorMsg 描述与类别无关的失败（配置、锁）。
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

type ReportSummary struct {
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
	Planned     int `json:"planned"`

	Fetched         int `json:"fetched"`
	Abandoned       int `json:"abandoned"`
	EntitiesWritten int `json:"entities_written"`
	CreditsWritten  int `json:"credits_written"`
}

type CategoryReport struct {
	Category string `json:"category"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	UniverseSize   int `json:"universe_size"`
	AlreadySeen    int `json:"already_seen"`
	Pending        int `json:"pending"`
	Planned        int `json:"planned"`
	BatchesPlanned int `json:"batches_planned"`
	BatchesDone    int `json:"batches_done"`

	Fetched int `json:"fetched"`
	// Abandoned 按放弃原因计数（rejected / rate_limited / transport）。
	Abandoned       map[string]int `json:"abandoned"`
	Invalid         int            `json:"invalid"`
	EntitiesWritten int            `json:"entities_written"`
	CreditsWritten  int            `json:"credits_written"`
}

// AbandonedTotal 返回所有原因的放弃数之和。
func (c CategoryReport) AbandonedTotal() int {
	n := 0
	for _, v := range c.Abandoned {
		n += v
	}
	return n
}

// OK 表示整次运行没有失败或中断的类别，也没有全局错误。
func (r RunReport) OK() bool {
	return r.ErrorCode == "" && r.Summary.Failed == 0 && r.Summary.Interrupted == 0
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) categories 按名称稳定排序
// 3) summary 由 categories 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Categories, func(i, j int) bool {
		return r.Categories[i].Category < r.Categories[j].Category
	})

	var s ReportSummary
	for i := range r.Categories {
		c := &r.Categories[i]
		if c.Abandoned == nil {
			c.Abandoned = map[string]int{}
		}
		switch c.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusInterrupted:
			s.Interrupted++
		case StatusPlanned:
			s.Planned++
		}
		s.Fetched += c.Fetched
		s.Abandoned += c.AbandonedTotal()
		s.EntitiesWritten += c.EntitiesWritten
		s.CreditsWritten += c.CreditsWritten
	}
	r.Summary = s
}

// MarshalJSON 集中约束输出：categories 为空时输出 [] 而不是 null。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	if r.Categories == nil {
		r.Categories = []CategoryReport{}
	}
	return json.Marshal(Alias(r))
}
