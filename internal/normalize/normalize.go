package normalize

import (
	"bytes"

	"github.com/goccy/go-json"

	"github.com/John-Robertt/tmdbsync/internal/domain"
)

// DroppedFields 是不会进入实体表的顶层字段。
var DroppedFields = []string{"adult", "backdrop_path", "belongs_to_collection", "profile_path", "video"}

const (
	creditsField = "credits"
	personImage  = "profile_path"
)

// Stats 记录一次规范化的计数。
type Stats struct {
	Input   int
	Invalid int
	Credits int
}

// Result 是一个批次的规范化结果；len(Credits) <= len(Entities)。
type Result struct {
	Entities []domain.EntityRecord
	Credits  []domain.CreditRecord
	Stats    Stats
}

// Normalize 把一批原始 payload 拆为实体行与演职员行。
//
// 输入顺序会被保留；id 缺失或非数字的 payload 被丢弃（计入 Stats.Invalid）。
// 传入的 payload 不会被修改。
func Normalize(payloads []domain.RawPayload) Result {
	res := Result{Stats: Stats{Input: len(payloads)}}
	for _, p := range payloads {
		ent, cr, ok := normalizeOne(p)
		if !ok {
			res.Stats.Invalid++
			continue
		}
		res.Entities = append(res.Entities, ent)
		if cr != nil {
			res.Credits = append(res.Credits, *cr)
		}
	}
	res.Stats.Credits = len(res.Credits)
	return res
}

func normalizeOne(p domain.RawPayload) (domain.EntityRecord, *domain.CreditRecord, bool) {
	if p == nil {
		return domain.EntityRecord{}, nil, false
	}
	id, ok := domain.ParseEntityID(p["id"])
	if !ok {
		return domain.EntityRecord{}, nil, false
	}

	var cr *domain.CreditRecord
	if credits, ok := p[creditsField].(map[string]any); ok && len(credits) > 0 {
		c, err := buildCredits(id, p, credits)
		if err != nil {
			return domain.EntityRecord{}, nil, false
		}
		cr = &c
	}

	fields := make(map[string]any, len(p))
	for k, v := range p {
		if k == "id" || k == creditsField || isDropped(k) {
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return domain.EntityRecord{}, nil, false
		}
		fields[k] = enc
	}
	return domain.EntityRecord{ID: id, Fields: fields}, cr, true
}

func buildCredits(id domain.EntityID, p domain.RawPayload, credits map[string]any) (domain.CreditRecord, error) {
	title, _ := p["title"].(string)
	cast, err := Canonical(stripPeople(credits["cast"]))
	if err != nil {
		return domain.CreditRecord{}, err
	}
	crew, err := Canonical(stripPeople(credits["crew"]))
	if err != nil {
		return domain.CreditRecord{}, err
	}
	return domain.CreditRecord{MovieID: id, MovieTitle: title, Cast: cast, Crew: crew}, nil
}

// stripPeople 复制人员列表并去掉每个人员对象的头像字段；缺失时返回空列表。
func stripPeople(v any) any {
	if v == nil {
		return []any{}
	}
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		person, ok := item.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		cp := make(map[string]any, len(person))
		for k, pv := range person {
			if k != personImage {
				cp[k] = pv
			}
		}
		out = append(out, cp)
	}
	return out
}

func isDropped(k string) bool {
	for _, d := range DroppedFields {
		if k == d {
			return true
		}
	}
	return false
}

// encodeValue 把对象与数组编码为规范字符串；其它值原样返回。
func encodeValue(v any) (any, error) {
	switch v.(type) {
	case map[string]any, []any:
		return Canonical(v)
	default:
		return v, nil
	}
}

// Canonical 返回 v 的规范字符串编码：紧凑 JSON、对象键排序、不转义 HTML、数字原样保留。
// 字符串输入原样返回，因此重复编码是幂等的。
func Canonical(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
