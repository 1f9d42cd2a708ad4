package run

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/config"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/lock"
	"github.com/John-Robertt/tmdbsync/internal/sink"
)

// fakeTMDB 同时提供导出文件与详情接口。
type fakeTMDB struct {
	exports *httptest.Server
	api     *httptest.Server

	mu          sync.Mutex
	exportHits  int
	detailHits  map[string]int
	missingTV   bool
	rejectedIDs map[string]bool

	// detailAt 记录每次详情请求到达的时间；onDetail 在响应前调用（可为空）。
	detailAt []time.Time
	onDetail func(id string)
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, strings.Join(lines, "\n")+"\n"); err != nil {
		t.Fatalf("gzip 写入失败：%v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip 关闭失败：%v", err)
	}
	return buf.Bytes()
}

func newFakeTMDB(t *testing.T) *fakeTMDB {
	t.Helper()
	movieExport := gzipLines(t,
		`{"id":1,"original_title":"One","adult":false}`,
		`{"id":2,"original_title":"Two","adult":false}`,
		`{"id":3,"original_title":"Three","adult":false}`,
		`{"id":4,"original_title":"Four","adult":false}`,
		`{"id":5,"original_title":"Five","adult":false}`,
		`{"id":6,"original_title":"Hidden","adult":true}`,
		`{"id":7,"original_title":"Saga Collection","adult":false}`,
		`{"id":2,"original_title":"Two","adult":false}`,
	)
	tvExport := gzipLines(t, `{"id":10,"original_name":"Show"}`)

	f := &fakeTMDB{detailHits: map[string]int{}, rejectedIDs: map[string]bool{"3": true}}
	f.exports = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.exportHits++
		missingTV := f.missingTV
		f.mu.Unlock()
		switch {
		case strings.Contains(r.URL.Path, "/p/exports/movie_ids_"):
			_, _ = w.Write(movieExport)
		case strings.Contains(r.URL.Path, "/p/exports/tv_series_ids_") && !missingTV:
			_, _ = w.Write(tvExport)
		default:
			http.NotFound(w, r)
		}
	}))
	f.api = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		id := parts[len(parts)-1]
		f.mu.Lock()
		f.detailHits[id]++
		f.detailAt = append(f.detailAt, time.Now())
		rejected := f.rejectedIDs[id]
		hook := f.onDetail
		f.mu.Unlock()
		if hook != nil {
			hook(id)
		}
		if rejected {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if parts[1] == "tv" {
			fmt.Fprintf(w, `{"id":%s,"name":"Show %s","adult":false}`, id, id)
			return
		}
		fmt.Fprintf(w, `{"id":%s,"title":"Movie %s","adult":false,"video":false,"popularity":1.5,`+
			`"genres":[{"id":18,"name":"Drama"}],`+
			`"credits":{"cast":[{"name":"A","profile_path":"/a.jpg"}],"crew":[]}}`, id, id)
	}))
	t.Cleanup(func() {
		f.exports.Close()
		f.api.Close()
	})
	return f
}

func (f *fakeTMDB) totalDetailHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.detailHits {
		n += v
	}
	return n
}

func (f *fakeTMDB) config(outDir string, categories ...string) config.EffectiveConfig {
	return config.EffectiveConfig{
		APIKey:         "k",
		APIBaseURL:     f.api.URL,
		RequestTimeout: 5 * time.Second,
		ExportBaseURL:  f.exports.URL,
		CacheExports:   true,
		Categories:     categories,
		OutDir:         outDir,
		BatchSize:      2,
		MaxBatches:     0,
		Workers:        1,
		MaxAttempts:    1,
		SinkDriver:     sink.DriverCSV,
		LockDriver:     "file",
		LockTTL:        time.Minute,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func categoryReport(t *testing.T, rr domain.RunReport, name string) domain.CategoryReport {
	t.Helper()
	for _, c := range rr.Categories {
		if c.Category == name {
			return c
		}
	}
	t.Fatalf("报告中缺少类别 %q：%+v", name, rr.Categories)
	return domain.CategoryReport{}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取 %s 失败：%v", path, err)
	}
	return strings.Count(string(b), "\n")
}

func TestExecute_FetchesPersistsAndResumes(t *testing.T) {
	f := newFakeTMDB(t)
	out := t.TempDir()
	cfg := f.config(out, "movie")

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	if !rr.OK() {
		t.Fatalf("期望成功：%+v", rr)
	}
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusCompleted {
		t.Fatalf("期望 completed，实际 %+v", c)
	}
	// 6（adult）与 7（Collection）被过滤，重复的 2 只保留一次。
	if c.UniverseSize != 5 || c.Pending != 5 || c.BatchesPlanned != 3 || c.BatchesDone != 3 {
		t.Fatalf("规划计数不正确：%+v", c)
	}
	if c.Fetched != 4 || c.Abandoned["rejected"] != 1 || c.EntitiesWritten != 4 || c.CreditsWritten != 4 {
		t.Fatalf("抓取/写入计数不正确：%+v", c)
	}
	if rr.RunID == "" {
		t.Fatalf("期望生成 run_id")
	}

	entities := filepath.Join(out, "movie_data.csv")
	credits := filepath.Join(out, "movie_credits.csv")
	if n := countLines(t, entities); n != 5 {
		t.Fatalf("实体表期望 1 行表头 + 4 行数据，实际 %d 行", n)
	}
	if n := countLines(t, credits); n != 5 {
		t.Fatalf("演职员表期望 1 行表头 + 4 行数据，实际 %d 行", n)
	}
	b, _ := os.ReadFile(entities)
	header := strings.SplitN(string(b), "\n", 2)[0]
	if strings.Contains(header, "adult") || strings.Contains(header, "credits") || !strings.Contains(header, "id") {
		t.Fatalf("实体表表头不符合预期：%q", header)
	}
	cb, _ := os.ReadFile(credits)
	if strings.Contains(string(cb), "profile_path") {
		t.Fatalf("演职员表不应包含 profile_path：%s", string(cb))
	}
	if _, err := os.Stat(filepath.Join(out, LockFileName)); !os.IsNotExist(err) {
		t.Fatalf("运行结束后应释放锁文件，Stat err=%v", err)
	}

	// 第二次运行：只剩被拒绝的 3 需要重试，导出文件命中缓存。
	hitsBefore := f.totalDetailHits()
	rr2 := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c2 := categoryReport(t, rr2, "movie")
	if c2.Status != domain.StatusCompleted || c2.AlreadySeen != 4 || c2.Pending != 1 || c2.Fetched != 0 || c2.EntitiesWritten != 0 {
		t.Fatalf("第二次运行计数不正确：%+v", c2)
	}
	if got := f.totalDetailHits() - hitsBefore; got != 1 {
		t.Fatalf("第二次运行期望只请求 1 次详情，实际 %d", got)
	}
	f.mu.Lock()
	exportHits := f.exportHits
	f.mu.Unlock()
	if exportHits != 1 {
		t.Fatalf("导出文件应命中缓存，实际下载 %d 次", exportHits)
	}
	if n := countLines(t, entities); n != 5 {
		t.Fatalf("第二次运行不应追加重复行，实际 %d 行", n)
	}
}

func TestExecute_MaxBatchesCapsWork(t *testing.T) {
	f := newFakeTMDB(t)
	cfg := f.config(t.TempDir(), "movie")
	cfg.MaxBatches = 1

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "movie")
	if c.Pending != 5 || c.Planned != 2 || c.BatchesPlanned != 1 || c.Fetched != 2 {
		t.Fatalf("max_batches 限制未生效：%+v", c)
	}
	if got := f.totalDetailHits(); got != 2 {
		t.Fatalf("期望 2 次详情请求，实际 %d", got)
	}
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	f := newFakeTMDB(t)
	out := filepath.Join(t.TempDir(), "data")
	cfg := f.config(out, "movie")
	cfg.DryRun = true

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	if !rr.DryRun {
		t.Fatalf("报告应标记 dry_run")
	}
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusPlanned || c.Pending != 5 || c.Planned != 5 || c.Fetched != 0 {
		t.Fatalf("dry-run 计数不正确：%+v", c)
	}
	if got := f.totalDetailHits(); got != 0 {
		t.Fatalf("dry-run 不应请求详情，实际 %d 次", got)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建输出目录，Stat err=%v", err)
	}
	if !rr.OK() {
		t.Fatalf("dry-run 不应视为失败：%+v", rr.Summary)
	}
}

func TestExecute_UniverseFailureOnlyFailsThatCategory(t *testing.T) {
	f := newFakeTMDB(t)
	f.missingTV = true
	cfg := f.config(t.TempDir(), "tv", "movie")

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	tv := categoryReport(t, rr, "tv")
	if tv.Status != domain.StatusFailed || tv.ErrorCode != domain.ErrCodeUniverseUnavailable {
		t.Fatalf("tv 期望 universe_unavailable，实际 %+v", tv)
	}
	movie := categoryReport(t, rr, "movie")
	if movie.Status != domain.StatusCompleted || movie.EntitiesWritten != 4 {
		t.Fatalf("movie 不应受 tv 失败影响：%+v", movie)
	}
	if rr.OK() || rr.Summary.Failed != 1 || rr.Summary.Completed != 1 {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
}

func TestExecute_NonMovieCategoryHasNoCredits(t *testing.T) {
	f := newFakeTMDB(t)
	out := t.TempDir()
	rr := Execute(context.Background(), f.config(out, "tv"), catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "tv")
	if c.Status != domain.StatusCompleted || c.EntitiesWritten != 1 || c.CreditsWritten != 0 {
		t.Fatalf("tv 计数不正确：%+v", c)
	}
	if _, err := os.Stat(filepath.Join(out, "tv_credits.csv")); !os.IsNotExist(err) {
		t.Fatalf("没有演职员数据时不应创建 tv_credits.csv")
	}
}

func TestExecute_LockHeld(t *testing.T) {
	f := newFakeTMDB(t)
	out := t.TempDir()
	other := lock.NewFile(filepath.Join(out, LockFileName), time.Hour)
	if err := other.Acquire(context.Background()); err != nil {
		t.Fatalf("预先加锁失败：%v", err)
	}

	rr := Execute(context.Background(), f.config(out, "movie"), catalog.Default(), quietLogger())
	if rr.ErrorCode != domain.ErrCodeLockHeld {
		t.Fatalf("期望 lock_held，实际 %q（%s）", rr.ErrorCode, rr.ErrorMsg)
	}
	if len(rr.Categories) != 0 || f.totalDetailHits() != 0 {
		t.Fatalf("加锁失败时不应执行任何类别")
	}
}

func TestExecute_CanceledContextInterrupts(t *testing.T) {
	f := newFakeTMDB(t)
	out := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr := Execute(ctx, f.config(out, "movie", "tv"), catalog.Default(), quietLogger())
	for _, c := range rr.Categories {
		if c.Status != domain.StatusInterrupted || c.ErrorCode != domain.ErrCodeInterrupted {
			t.Fatalf("期望 interrupted，实际 %+v", c)
		}
	}
	if rr.Summary.Interrupted != 2 || rr.OK() {
		t.Fatalf("summary 不正确：%+v", rr.Summary)
	}
	if _, err := os.Stat(filepath.Join(out, "movie_data.csv")); !os.IsNotExist(err) {
		t.Fatalf("中断时不应写入实体表")
	}
}

func TestExecute_UnknownCategory(t *testing.T) {
	f := newFakeTMDB(t)
	rr := Execute(context.Background(), f.config(t.TempDir(), "anime"), catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "anime")
	if c.Status != domain.StatusFailed || c.ErrorCode != domain.ErrCodeUnknownCategory {
		t.Fatalf("期望 unknown_category，实际 %+v", c)
	}
}

func TestExecute_SQLiteSink(t *testing.T) {
	f := newFakeTMDB(t)
	out := t.TempDir()
	cfg := f.config(out, "movie")
	cfg.SinkDriver = sink.DriverSQLite
	cfg.SinkDSN = filepath.Join(out, "tmdb.db")
	cfg.Workers = 3

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusCompleted || c.EntitiesWritten != 4 || c.CreditsWritten != 4 {
		t.Fatalf("sqlite sink 计数不正确：%+v", c)
	}

	rr2 := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c2 := categoryReport(t, rr2, "movie")
	if c2.AlreadySeen != 4 || c2.EntitiesWritten != 0 {
		t.Fatalf("sqlite sink 续跑计数不正确：%+v", c2)
	}
}

// csvIDs 返回 CSV 表中 id 列的全部取值（按行顺序）。
func csvIDs(t *testing.T, path string) []string {
	t.Helper()
	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 %s 失败：%v", path, err)
	}
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	if err != nil {
		t.Fatalf("解析 %s 失败：%v", path, err)
	}
	if len(rows) == 0 {
		return nil
	}
	col := -1
	for i, h := range rows[0] {
		if strings.TrimPrefix(h, "\ufeff") == "id" {
			col = i
		}
	}
	if col < 0 {
		t.Fatalf("%s 缺少 id 列：%v", path, rows[0])
	}
	out := make([]string, 0, len(rows)-1)
	for _, r := range rows[1:] {
		out = append(out, r[col])
	}
	return out
}

func TestExecute_InterruptedMidRunKeepsOnlyFinishedBatches(t *testing.T) {
	f := newFakeTMDB(t)
	f.rejectedIDs = map[string]bool{}
	out := t.TempDir()
	cfg := f.config(out, "movie")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 第 2 批（3,4）的第一个请求到达时中断运行。
	f.onDetail = func(id string) {
		if id == "3" {
			cancel()
		}
	}

	rr := Execute(ctx, cfg, catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusInterrupted || c.ErrorCode != domain.ErrCodeInterrupted {
		t.Fatalf("期望 interrupted，实际 %+v", c)
	}
	if c.BatchesDone != 1 || c.EntitiesWritten != 2 {
		t.Fatalf("只有第 1 批应落盘：%+v", c)
	}
	entities := filepath.Join(out, "movie_data.csv")
	if got := csvIDs(t, entities); strings.Join(got, ",") != "1,2" {
		t.Fatalf("实体表应只包含第 1 批的 id，实际 %v", got)
	}
	if _, err := os.Stat(filepath.Join(out, LockFileName)); !os.IsNotExist(err) {
		t.Fatalf("中断后应释放锁文件，Stat err=%v", err)
	}

	f.mu.Lock()
	f.onDetail = nil
	f.detailHits = map[string]int{}
	f.mu.Unlock()

	rr2 := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c2 := categoryReport(t, rr2, "movie")
	if c2.Status != domain.StatusCompleted || c2.AlreadySeen != 2 || c2.Pending != 3 || c2.EntitiesWritten != 3 {
		t.Fatalf("续跑计数不正确：%+v", c2)
	}
	f.mu.Lock()
	hits := f.detailHits
	f.mu.Unlock()
	if hits["1"] != 0 || hits["2"] != 0 || len(hits) != 3 {
		t.Fatalf("续跑只应请求剩余的 id：%v", hits)
	}
	got := csvIDs(t, entities)
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("实体表出现重复 id %s：%v", id, got)
		}
		seen[id] = true
	}
	if len(got) != 5 {
		t.Fatalf("续跑后应有 5 个实体，实际 %v", got)
	}
}

func TestExecute_WorkersShareRateLimit(t *testing.T) {
	f := newFakeTMDB(t)
	const delay = 30 * time.Millisecond
	cfg := f.config(t.TempDir(), "movie")
	cfg.Workers = 3
	cfg.BatchSize = 5
	cfg.RateLimitDelay = delay

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusCompleted || c.BatchesDone != 1 {
		t.Fatalf("期望单批完成：%+v", c)
	}

	f.mu.Lock()
	at := append([]time.Time(nil), f.detailAt...)
	f.mu.Unlock()
	if len(at) != 5 {
		t.Fatalf("期望 5 次详情请求，实际 %d", len(at))
	}
	// 令牌按 delay 发放；单次到达时间允许调度抖动，总跨度必须体现共享的速率上限。
	for i := 1; i < len(at); i++ {
		if gap := at[i].Sub(at[i-1]); gap < delay/2 {
			t.Fatalf("第 %d 与第 %d 次请求间隔 %s，低于共享速率上限 %s", i, i+1, gap, delay)
		}
	}
	if span := at[len(at)-1].Sub(at[0]); span < 3*delay {
		t.Fatalf("5 次请求总跨度 %s 过短，限速未在 worker 间共享", span)
	}
}

func TestExecute_DryRunSQLiteCreatesNoDatabase(t *testing.T) {
	f := newFakeTMDB(t)
	out := filepath.Join(t.TempDir(), "data")
	cfg := f.config(out, "movie")
	cfg.DryRun = true
	cfg.SinkDriver = sink.DriverSQLite
	cfg.SinkDSN = filepath.Join(t.TempDir(), "tmdb.db")

	rr := Execute(context.Background(), cfg, catalog.Default(), quietLogger())
	c := categoryReport(t, rr, "movie")
	if c.Status != domain.StatusPlanned || c.Pending != 5 {
		t.Fatalf("sqlite dry-run 计数不正确：%+v", c)
	}
	if _, err := os.Stat(cfg.SinkDSN); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建数据库文件，Stat err=%v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("dry-run 不应创建输出目录，Stat err=%v", err)
	}
}
