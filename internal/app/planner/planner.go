package planner

import (
	"fmt"

	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/resume"
)

// PlanBatches 把 pending 切分为连续批次（最后一批可以更短）。
//
// 本轮最多处理 min(maxBatches*batchSize, len(pending)) 个 ID；maxBatches<=0 表示不限。
// 返回的批次共享 pending 的底层数组，调用方不得修改。
func PlanBatches(pending []domain.EntityID, batchSize, maxBatches int) ([]domain.BatchPlan, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size 必须为正数：%d", batchSize)
	}
	total := len(pending)
	// 比较批次数而不是 ID 数，避免 maxBatches*batchSize 溢出。
	if maxBatches > 0 && maxBatches < (total+batchSize-1)/batchSize {
		total = maxBatches * batchSize
	}

	plans := make([]domain.BatchPlan, 0, (total+batchSize-1)/batchSize)
	for start := 0; start < total; start += batchSize {
		end := start + batchSize
		if end > total {
			end = total
		}
		plans = append(plans, domain.BatchPlan{Index: len(plans), IDs: pending[start:end:end]})
	}
	return plans, nil
}

// PlanCategory 基于 ID 全集与已见集合生成确定性的类别计划（不做任何网络或写入）。
func PlanCategory(category string, universe []domain.EntityID, seen map[string]struct{}, batchSize, maxBatches int) (domain.CategoryPlan, error) {
	return PlanPending(category, universe, resume.Unseen(universe, seen), batchSize, maxBatches)
}

// PlanPending 与 PlanCategory 相同，但 pending 已由调用方过滤（例如直接读取输出表）。
func PlanPending(category string, universe, pending []domain.EntityID, batchSize, maxBatches int) (domain.CategoryPlan, error) {
	batches, err := PlanBatches(pending, batchSize, maxBatches)
	if err != nil {
		return domain.CategoryPlan{}, err
	}
	planned := 0
	for _, b := range batches {
		planned += len(b.IDs)
	}
	return domain.CategoryPlan{
		Category:     category,
		UniverseSize: len(universe),
		AlreadySeen:  len(universe) - len(pending),
		Pending:      len(pending),
		Planned:      planned,
		Batches:      batches,
	}, nil
}
