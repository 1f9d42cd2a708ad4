package domain

// BatchPlan 是待抓取 ID 列表中的一个连续分片（批次即“原子进度单位”）。
type BatchPlan struct {
	// Index 从 0 开始，按计划顺序递增。
	Index int
	IDs   []EntityID
}

// CategoryPlan 汇总某个类别在 resume 过滤与批次切分后的计划。
type CategoryPlan struct {
	Category     string
	UniverseSize int
	AlreadySeen  int
	Pending      int
	// Planned 是本轮实际会处理的 ID 数（受 max batches 限制）。
	Planned int
	Batches []BatchPlan
}
