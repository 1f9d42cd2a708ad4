package resume

import (
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/sink"
)

// FilterUnseen 读取已有输出表 path 的 id 列，返回 ids 中尚未出现过的部分（保持原顺序）。
//
// path 不存在时原样返回 ids。id 以十进制字符串比较，容忍数字/字符串表示差异。
func FilterUnseen(path string, ids []domain.EntityID) ([]domain.EntityID, error) {
	values, ok, err := sink.ReadColumn(path, "id")
	if err != nil {
		return nil, err
	}
	if !ok {
		return ids, nil
	}
	return Unseen(ids, SeenSet(values)), nil
}

// SeenSet 把 id 列的取值转为集合；"12.0" 这类带零小数的写法按整数处理。
func SeenSet(values []string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = sink.CanonicalID(v)
		if v != "" {
			m[v] = struct{}{}
		}
	}
	return m
}

// Unseen 返回 ids 中不在 seen 里的部分，保持原顺序。
func Unseen(ids []domain.EntityID, seen map[string]struct{}) []domain.EntityID {
	if len(seen) == 0 {
		return ids
	}
	out := make([]domain.EntityID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id.String()]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}
