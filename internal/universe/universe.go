package universe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/cache"
	"github.com/John-Robertt/tmdbsync/internal/infra/httpx"
)

const (
	maxExportBytes = 1 << 30
	maxLineBytes   = 1 << 20
	collectionMark = " Collection"
)

// nowFunc 可在测试中替换，用于固定“昨天”的日期。
var nowFunc = time.Now

// UnavailableError 表示导出文件无法获取（非 200 或传输失败）。对该类别是致命错误。
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ID 导出文件不可用：%s：%v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func IsUnavailable(err error) bool {
	var e *UnavailableError
	return errors.As(err, &e)
}

// Universe 是某个类别当日的候选 ID 全集（保持导出文件中的顺序）。
type Universe struct {
	FileName  string
	FromCache bool
	IDs       []domain.EntityID
	Stats     Stats
}

// Stats 记录解析过程中被跳过或过滤的行数。
type Stats struct {
	Lines      int
	Malformed  int
	Collection int
	Adult      int
	Duplicate  int
}

// Source 负责下载并解析每日 ID 导出文件。
type Source struct {
	Client  *http.Client
	BaseURL string
	// Cache 非空时优先读取本地快照，并把新下载的快照写回（只读缓存只读不写）。
	Cache *cache.Store
	Log   logrus.FieldLogger
}

// ExportDay 返回导出快照对应的日期：当前 UTC 日期的前一天。
func ExportDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// Fetch 获取类别 cat 的 ID 全集。
func (s *Source) Fetch(ctx context.Context, cat catalog.Category) (Universe, error) {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	day := ExportDay(nowFunc())
	name := cat.ExportFileName(day)
	url := cat.ExportURL(s.BaseURL, day)

	raw, fromCache, err := s.load(ctx, name, url, log)
	if err != nil {
		return Universe{}, err
	}

	u, err := Parse(bytes.NewReader(raw))
	if err != nil {
		return Universe{}, &UnavailableError{URL: url, Err: err}
	}
	u.FileName = name
	u.FromCache = fromCache

	if !fromCache && s.Cache != nil && !s.Cache.ReadOnly {
		if err := s.Cache.WriteExport(name, raw); err != nil {
			log.WithError(err).WithField("file", name).Warn("写入导出快照缓存失败")
		} else if n, err := s.Cache.PruneExports(cat.ExportPrefix, name); err == nil && n > 0 {
			log.WithFields(logrus.Fields{"prefix": cat.ExportPrefix, "removed": n}).Debug("已清理旧快照")
		}
	}
	return u, nil
}

func (s *Source) load(ctx context.Context, name, url string, log logrus.FieldLogger) ([]byte, bool, error) {
	if s.Cache != nil {
		b, ok, err := s.Cache.ReadExport(name)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("读取导出快照缓存失败，改为下载")
		} else if ok {
			return b, true, nil
		}
	}
	if s.Client == nil {
		return nil, false, &UnavailableError{URL: url, Err: errors.New("nil http client")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, &UnavailableError{URL: url, Err: err}
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &UnavailableError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, &UnavailableError{URL: url, Err: &httpx.HTTPStatusError{URL: url, StatusCode: resp.StatusCode}}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, &UnavailableError{URL: url, Err: err}
	}
	return b, false, nil
}

type exportLine struct {
	ID            any    `json:"id"`
	OriginalTitle string `json:"original_title"`
	Adult         any    `json:"adult"`
}

// Parse 解压并解析 gzip 压缩的 NDJSON 导出内容。
//
// 规则：
// - 空行跳过；无法解析或 id 非法的行计入 Malformed 并跳过
// - original_title 含 " Collection" 的行排除
// - adult 为 true 的行排除
// - 重复 id 只保留第一次出现
func Parse(r io.Reader) (Universe, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Universe{}, fmt.Errorf("gzip 解压失败：%w", err)
	}
	defer zr.Close()

	var (
		u    Universe
		seen = make(map[domain.EntityID]struct{})
	)
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		u.Stats.Lines++

		var e exportLine
		if err := json.Unmarshal(line, &e); err != nil {
			u.Stats.Malformed++
			continue
		}
		id, ok := domain.ParseEntityID(e.ID)
		if !ok {
			u.Stats.Malformed++
			continue
		}
		if strings.Contains(e.OriginalTitle, collectionMark) {
			u.Stats.Collection++
			continue
		}
		if isTrue(e.Adult) {
			u.Stats.Adult++
			continue
		}
		if _, dup := seen[id]; dup {
			u.Stats.Duplicate++
			continue
		}
		seen[id] = struct{}{}
		u.IDs = append(u.IDs, id)
	}
	if err := sc.Err(); err != nil {
		return Universe{}, fmt.Errorf("读取导出内容失败：%w", err)
	}
	return u, nil
}

func isTrue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(strings.TrimSpace(x), "true")
	default:
		return false
	}
}
