package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/fsx"
)

// movieColumns 是电影详情字段的自然顺序（已去掉丢弃字段与 credits）。
// 新建实体表时按此顺序排列已知列，其余列按字典序追加在后面。
var movieColumns = []string{
	"budget", "genres", "homepage", "id", "imdb_id", "origin_country", "original_language",
	"original_title", "overview", "popularity", "poster_path", "production_companies",
	"production_countries", "release_date", "revenue", "runtime", "spoken_languages",
	"status", "tagline", "title", "vote_average", "vote_count", "keywords",
}

// CSVFactory 在 Dir 下为每个类别打开一对 CSV 表。
type CSVFactory struct {
	Dir string
	Log logrus.FieldLogger
	// ReadOnly 时拒绝打开：打开会修复尾部并创建文件。只读场景直接读取 EntitiesPath。
	ReadOnly bool
}

func (f *CSVFactory) Open(_ context.Context, cat catalog.Category) (Sink, error) {
	if f.ReadOnly {
		return nil, ErrReadOnly
	}
	return OpenCSV(f.Dir, cat, f.Log)
}

// EntitiesPath / CreditsPath 返回类别 cat 在 dir 下的两张 CSV 表路径。
func EntitiesPath(dir string, cat catalog.Category) string {
	return filepath.Join(dir, cat.EntitiesTable()+".csv")
}

func CreditsPath(dir string, cat catalog.Category) string {
	return filepath.Join(dir, cat.CreditsTable()+".csv")
}

func (f *CSVFactory) Close() error { return nil }

// CSV 把实体与演职员写入 <dir>/<category>_data.csv 与 <dir>/<category>_credits.csv。
//
// 每批先写演职员表、再写实体表；演职员表按 movie_id 去重。
// 因此两次写入之间崩溃时，下次运行重新抓取该实体不会产生重复的演职员行。
type CSV struct {
	EntitiesPath string
	CreditsPath  string
	log          logrus.FieldLogger

	mu           sync.Mutex
	entityHeader []string
	seen         map[string]struct{}
	creditHeader []string
	creditIDs    map[string]struct{}
	warned       map[string]bool
}

// OpenCSV 打开（必要时修复）类别 cat 的两张表。文件不存在时在首次写入时创建。
func OpenCSV(dir string, cat catalog.Category, log logrus.FieldLogger) (*CSV, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := fsx.EnsureDir(dir); err != nil {
		return nil, err
	}
	s := &CSV{
		EntitiesPath: EntitiesPath(dir, cat),
		CreditsPath:  CreditsPath(dir, cat),
		log:          log.WithField("category", cat.Name),
		warned:       map[string]bool{},
	}

	ent, err := s.openTable(s.EntitiesPath, "id")
	if err != nil {
		return nil, err
	}
	s.entityHeader = ent.Header
	s.seen = toSet(ent.Values)

	cr, err := s.openTable(s.CreditsPath, "movie_id")
	if err != nil {
		return nil, err
	}
	s.creditHeader = cr.Header
	s.creditIDs = toSet(cr.Values)
	return s, nil
}

func (s *CSV) openTable(path, key string) (tableScan, error) {
	sc, err := scanTable(path, key)
	if err != nil {
		return sc, err
	}
	if sc.TornAt >= 0 {
		s.log.WithFields(logrus.Fields{"path": path, "offset": sc.TornAt}).Warn("发现未写完的尾部记录，截断到最后一条完整记录")
		if err := fsx.TruncateTo(path, sc.TornAt); err != nil {
			return sc, err
		}
	}
	if sc.Exists && sc.Header != nil && indexOf(sc.Header, key) < 0 {
		return sc, fmt.Errorf("%s 缺少 %s 列", path, key)
	}
	return sc, nil
}

func (s *CSV) SeenIDs(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.seen))
	for k := range s.seen {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *CSV) AppendBatch(_ context.Context, entities []domain.EntityRecord, credits []domain.CreditRecord) (Written, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w Written
	n, err := s.appendCredits(credits)
	if err != nil {
		return w, err
	}
	w.Credits = n
	n, err = s.appendEntities(entities)
	if err != nil {
		return w, err
	}
	w.Entities = n
	return w, nil
}

func (s *CSV) appendCredits(records []domain.CreditRecord) (int, error) {
	var rows [][]string
	var ids []string
	for _, c := range records {
		id := c.MovieID.String()
		if _, dup := s.creditIDs[id]; dup {
			continue
		}
		rows = append(rows, c.Row())
		ids = append(ids, id)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	header := s.creditHeader
	writeHeader := header == nil
	if writeHeader {
		header = domain.CreditColumns
	} else if !sameColumns(header, domain.CreditColumns) {
		rows = reorder(rows, domain.CreditColumns, header)
	}
	if err := appendRows(s.CreditsPath, header, writeHeader, rows); err != nil {
		return 0, err
	}
	s.creditHeader = header
	for _, id := range ids {
		s.creditIDs[id] = struct{}{}
	}
	return len(rows), nil
}

func (s *CSV) appendEntities(records []domain.EntityRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	header := s.entityHeader
	writeHeader := header == nil
	if writeHeader {
		header = entityColumns(records)
	}

	known := make(map[string]bool, len(header))
	for _, h := range header {
		known[h] = true
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		for k := range r.Fields {
			if !known[k] && !s.warned[k] {
				s.warned[k] = true
				s.log.WithFields(logrus.Fields{"path": s.EntitiesPath, "field": k}).Warn("表头中没有该字段，值被丢弃")
			}
		}
		row := make([]string, len(header))
		for i, h := range header {
			row[i] = r.Cell(h)
		}
		rows = append(rows, row)
	}
	if err := appendRows(s.EntitiesPath, header, writeHeader, rows); err != nil {
		return 0, err
	}
	s.entityHeader = header
	for _, r := range records {
		s.seen[r.ID.String()] = struct{}{}
	}
	return len(rows), nil
}

func (s *CSV) Close() error { return nil }

// appendRows 把（可选的表头 +）rows 编码为一次写入并 fsync。
func appendRows(path string, header []string, withHeader bool, rows [][]string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if withHeader {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return fsx.AppendSync(path, buf.Bytes())
}

// entityColumns 为新表确定列顺序：已知列按自然顺序在前，其余按字典序。
func entityColumns(records []domain.EntityRecord) []string {
	present := map[string]bool{"id": true}
	for _, r := range records {
		for k := range r.Fields {
			present[k] = true
		}
	}
	cols := make([]string, 0, len(present))
	for _, k := range movieColumns {
		if present[k] {
			cols = append(cols, k)
			delete(present, k)
		}
	}
	rest := make([]string, 0, len(present))
	for k := range present {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	if len(cols) == 0 {
		// 非电影类别：id 放在最前面。
		return append([]string{"id"}, without(rest, "id")...)
	}
	return append(cols, rest...)
}

func without(xs []string, x string) []string {
	out := xs[:0:0]
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reorder 把按 from 排列的行改为按 to 排列；to 中 from 没有的列为空。
func reorder(rows [][]string, from, to []string) [][]string {
	idx := make([]int, len(to))
	for i, c := range to {
		idx[i] = indexOf(from, c)
	}
	out := make([][]string, len(rows))
	for r, row := range rows {
		nr := make([]string, len(to))
		for i, j := range idx {
			if j >= 0 {
				nr[i] = row[j]
			}
		}
		out[r] = nr
	}
	return out
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if x = CanonicalID(x); x != "" {
			m[x] = struct{}{}
		}
	}
	return m
}
