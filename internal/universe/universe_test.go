package universe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/cache"
)

func gz(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := io.WriteString(zw, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func movieCategory(t *testing.T) catalog.Category {
	t.Helper()
	c, ok := catalog.Default().Get("movie")
	require.True(t, ok)
	return c
}

func TestParse_FiltersAndDedup(t *testing.T) {
	data := gz(t,
		`{"id":3,"original_title":"Plain","adult":false,"popularity":1.2}`,
		`{"id":10,"original_title":"Fast & Furious Collection"}`,
		`{"id":4,"original_title":"Grown Up","adult":true}`,
		``,
		`not json`,
		`{"id":"x"}`,
		`{"id":1,"original_title":"Another"}`,
		`{"id":3,"original_title":"Plain"}`,
		`{"id":2}`,
	)

	u, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, []domain.EntityID{3, 1, 2}, u.IDs)
	assert.Equal(t, Stats{Lines: 8, Malformed: 2, Collection: 1, Adult: 1, Duplicate: 1}, u.Stats)
}

func TestParse_NotGzip(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"id":1}`))
	require.Error(t, err)
}

func TestExportDay_UsesPreviousUTCDay(t *testing.T) {
	now := time.Date(2024, 1, 1, 2, 0, 0, 0, time.FixedZone("X", 8*3600)) // 2023-12-31T18:00Z
	assert.Equal(t, time.Date(2023, 12, 30, 0, 0, 0, 0, time.UTC), ExportDay(now))
}

func TestSource_FetchDownloadsAndCaches(t *testing.T) {
	old := nowFunc
	nowFunc = func() time.Time { return time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC) }
	defer func() { nowFunc = old }()

	body := gz(t, `{"id":7,"original_title":"Seven"}`, `{"id":8}`)
	var (
		hits    atomic.Int32
		mu      sync.Mutex
		gotPath string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	store := cache.New(t.TempDir(), false)
	src := &Source{Client: srv.Client(), BaseURL: srv.URL, Cache: &store, Log: quietLogger()}

	u, err := src.Fetch(context.Background(), movieCategory(t))
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, "/p/exports/movie_ids_05_01_2024.json.gz", gotPath)
	mu.Unlock()
	assert.Equal(t, []domain.EntityID{7, 8}, u.IDs)
	assert.False(t, u.FromCache)

	// 同一天再次获取：命中本地快照，不再请求。
	u2, err := src.Fetch(context.Background(), movieCategory(t))
	require.NoError(t, err)
	assert.True(t, u2.FromCache)
	assert.Equal(t, u.IDs, u2.IDs)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSource_FetchUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	src := &Source{Client: srv.Client(), BaseURL: srv.URL, Log: quietLogger()}
	_, err := src.Fetch(context.Background(), movieCategory(t))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestSource_ReadOnlyCacheDoesNotWrite(t *testing.T) {
	body := gz(t, `{"id":1}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	root := t.TempDir()
	store := cache.New(root, true)
	src := &Source{Client: srv.Client(), BaseURL: srv.URL, Cache: &store, Log: quietLogger()}
	cat := movieCategory(t)
	u, err := src.Fetch(context.Background(), cat)
	require.NoError(t, err)

	_, ok, err := store.ReadExport(u.FileName)
	require.NoError(t, err)
	assert.False(t, ok, "只读缓存不应写入快照")
}
