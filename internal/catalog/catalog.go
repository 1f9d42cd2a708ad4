package catalog

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/John-Robertt/tmdbsync/internal/domain"
)

// Category 描述一个可同步的目录类别：导出文件前缀 + 详情接口路径。
type Category struct {
	Name string
	// ExportPrefix 是每日导出文件名前缀，例如 movie -> "movie"（movie_ids_…）。
	ExportPrefix string
	// DetailPath 是详情接口路径（不含 id），例如 "/3/movie"。
	DetailPath string
	// AppendToResponse 为空时不带 append_to_response 参数。
	AppendToResponse []string
}

// ExportFileName 返回 day 对应的导出文件名：<prefix>_ids_MM_DD_YYYY.json.gz。
func (c Category) ExportFileName(day time.Time) string {
	return fmt.Sprintf("%s_ids_%s.json.gz", c.ExportPrefix, day.Format("01_02_2006"))
}

// ExportURL 返回导出文件的完整 URL。
func (c Category) ExportURL(base string, day time.Time) string {
	return strings.TrimRight(base, "/") + "/p/exports/" + c.ExportFileName(day)
}

// DetailURL 拼出某个 id 的详情请求 URL；apiKey 原样放入查询串。
func (c Category) DetailURL(base, apiKey string, id domain.EntityID) string {
	q := url.Values{}
	q.Set("api_key", apiKey)
	if len(c.AppendToResponse) > 0 {
		q.Set("append_to_response", strings.Join(c.AppendToResponse, ","))
	}
	return strings.TrimRight(base, "/") + c.DetailPath + "/" + id.String() + "?" + q.Encode()
}

// EntitiesTable / CreditsTable 是该类别两张输出表的基础名。
func (c Category) EntitiesTable() string { return c.Name + "_data" }
func (c Category) CreditsTable() string  { return c.Name + "_credits" }

// Builtin 返回内置类别（与导出服务的文件命名约定一致）。
func Builtin() []Category {
	return []Category{
		{Name: "movie", ExportPrefix: "movie", DetailPath: "/3/movie", AppendToResponse: []string{"credits", "keywords"}},
		{Name: "tv", ExportPrefix: "tv_series", DetailPath: "/3/tv"},
		{Name: "person", ExportPrefix: "person", DetailPath: "/3/person"},
		{Name: "collection", ExportPrefix: "collection", DetailPath: "/3/collection"},
		{Name: "tv_network", ExportPrefix: "tv_network", DetailPath: "/3/network"},
		{Name: "keyword", ExportPrefix: "keyword", DetailPath: "/3/keyword"},
		{Name: "production_company", ExportPrefix: "production_company", DetailPath: "/3/company"},
	}
}

// Registry 是类别的只读注册表（按 name 索引）。
type Registry struct {
	byName map[string]Category
}

func NewRegistry(cats ...Category) (Registry, error) {
	byName := make(map[string]Category, len(cats))
	for _, c := range cats {
		name := normalizeName(c.Name)
		if name == "" {
			return Registry{}, fmt.Errorf("category.Name 不能为空")
		}
		if strings.TrimSpace(c.ExportPrefix) == "" || !strings.HasPrefix(c.DetailPath, "/") {
			return Registry{}, fmt.Errorf("category %q 缺少 ExportPrefix 或 DetailPath", name)
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 category：%q", name)
		}
		c.Name = name
		byName[name] = c
	}
	return Registry{byName: byName}, nil
}

// Default 返回包含全部内置类别的注册表。
func Default() Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Registry) Get(name string) (Category, bool) {
	if r.byName == nil {
		return Category{}, false
	}
	c, ok := r.byName[normalizeName(name)]
	return c, ok
}

// Names 返回已注册类别名（字典序）。
func (r Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
