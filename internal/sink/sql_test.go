package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/John-Robertt/tmdbsync/internal/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接各自独立，固定为单连接。
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestSQL_AppendBatchAndSeenIDs(t *testing.T) {
	ctx := context.Background()
	f := NewSQLFactory(setupTestDB(t), quietLogger())
	defer f.Close()

	s, err := f.Open(ctx, movie(t))
	require.NoError(t, err)

	w, err := s.AppendBatch(ctx,
		[]domain.EntityRecord{entity(1, "One"), entity(2, "Two")},
		[]domain.CreditRecord{credit(2, "Two")})
	require.NoError(t, err)
	assert.Equal(t, Written{Entities: 2, Credits: 1}, w)

	seen, err := s.SeenIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"1": {}, "2": {}}, seen)

	// 已存在的主键不会被覆盖，也不会报错。
	w, err = s.AppendBatch(ctx, []domain.EntityRecord{entity(2, "Changed"), entity(3, "Three")}, []domain.CreditRecord{credit(2, "Changed")})
	require.NoError(t, err)
	assert.Equal(t, Written{Entities: 1, Credits: 0}, w)

	var row entityRow
	require.NoError(t, f.db.Table("movie_entities").Where("id = ?", 2).First(&row).Error)
	assert.Equal(t, "Two", row.Title)
	assert.JSONEq(t, `{"id":2,"title":"Two","budget":100,"genres":"[{\"id\":18,\"name\":\"Drama\"}]","overview":"line one\nline \"two\", with comma"}`, string(row.Payload))

	var cr creditRow
	require.NoError(t, f.db.Table("movie_credits").Where("movie_id = ?", 2).First(&cr).Error)
	assert.Equal(t, `[{"name":"a"}]`, cr.Cast)
}

func TestSQL_EmptyBatch(t *testing.T) {
	ctx := context.Background()
	f := NewSQLFactory(setupTestDB(t), quietLogger())
	defer f.Close()

	s, err := f.Open(ctx, movie(t))
	require.NoError(t, err)
	w, err := s.AppendBatch(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Written{}, w)
}

func TestNewFactory(t *testing.T) {
	f, err := NewFactory("", t.TempDir(), "", false, quietLogger())
	require.NoError(t, err)
	_, ok := f.(*CSVFactory)
	assert.True(t, ok)

	_, err = NewFactory("sqlite", t.TempDir(), "", false, quietLogger())
	assert.Error(t, err, "sqlite 缺少 dsn 应报错")

	_, err = NewFactory("mongo", t.TempDir(), "", false, quietLogger())
	assert.Error(t, err)
}

func TestSQL_ReadOnlyDoesNotCreateTables(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	f := NewSQLFactory(db, quietLogger())
	f.ReadOnly = true

	s, err := f.Open(ctx, movie(t))
	require.NoError(t, err)
	seen, err := s.SeenIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.False(t, db.Migrator().HasTable("movie_entities"), "只读模式不应建表")

	_, err = s.AppendBatch(ctx, []domain.EntityRecord{entity(1, "One")}, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestNewFactory_ReadOnlySQLiteCreatesNoFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "tmdb.db")

	ro, err := NewFactory(DriverSQLite, dir, dsn, true, quietLogger())
	require.NoError(t, err)
	s, err := ro.Open(ctx, movie(t))
	require.NoError(t, err)
	seen, err := s.SeenIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, seen)
	_, err = s.AppendBatch(ctx, []domain.EntityRecord{entity(1, "One")}, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, ro.Close())
	_, err = os.Stat(dsn)
	assert.True(t, os.IsNotExist(err), "只读模式不应创建数据库文件")

	rw, err := NewFactory(DriverSQLite, dir, dsn, false, quietLogger())
	require.NoError(t, err)
	ws, err := rw.Open(ctx, movie(t))
	require.NoError(t, err)
	_, err = ws.AppendBatch(ctx, []domain.EntityRecord{entity(1, "One")}, nil)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	// 已存在的库以只读方式打开，能读到已写入的 id。
	ro2, err := NewFactory(DriverSQLite, dir, dsn, true, quietLogger())
	require.NoError(t, err)
	defer ro2.Close()
	s2, err := ro2.Open(ctx, movie(t))
	require.NoError(t, err)
	seen, err = s2.SeenIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, seen, "1")
	_, err = s2.AppendBatch(ctx, []domain.EntityRecord{entity(2, "Two")}, nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}
