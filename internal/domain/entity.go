package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// EntityID 是目录条目的正整数 ID。
type EntityID int64

func (id EntityID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseEntityID 把 JSON 中的 id 值解析为 EntityID。
//
// 接受：json.Number / 纯数字字符串 / 整数值的数字类型。
// 拒绝：缺失（nil）、0、负数、小数、指数形式、空串与非数字字符串。
func ParseEntityID(v any) (EntityID, bool) {
	switch x := v.(type) {
	case json.Number:
		return parseDigits(string(x))
	case string:
		return parseDigits(strings.TrimSpace(x))
	case int:
		return positive(int64(x))
	case int64:
		return positive(x)
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			return 0, false
		}
		return positive(int64(x))
	default:
		return 0, false
	}
}

func parseDigits(s string) (EntityID, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return positive(n)
}

func positive(n int64) (EntityID, bool) {
	if n <= 0 {
		return 0, false
	}
	return EntityID(n), true
}

// RawPayload 是详情接口返回的原始 JSON 对象（以 UseNumber 解码）。
type RawPayload map[string]any

// EntityRecord 是扁平化后的一行：每个值都是标量（string/json.Number/bool/nil）。
type EntityRecord struct {
	ID     EntityID
	Fields map[string]any
}

// Cell 返回列 name 的单元格文本；不存在的列为空串。
func (r EntityRecord) Cell(name string) string {
	if name == "id" {
		return r.ID.String()
	}
	return CellString(r.Fields[name])
}

// Title 返回 title 字段（缺失时为空串）。
func (r EntityRecord) Title() string {
	s, _ := r.Fields["title"].(string)
	return s
}

// CreditRecord 是某个条目的演职员行（0 或 1 行/条目）。
type CreditRecord struct {
	MovieID    EntityID
	MovieTitle string
	Cast       string
	Crew       string
}

// CreditColumns 是演职员表的固定列顺序。
var CreditColumns = []string{"movie_id", "movie_title", "cast", "crew"}

// Row 按 CreditColumns 的顺序输出单元格。
func (c CreditRecord) Row() []string {
	return []string{c.MovieID.String(), c.MovieTitle, c.Cast, c.Crew}
}

// CellString 把标量值渲染为单元格文本。
func CellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
