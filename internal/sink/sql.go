package sink

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/domain"
)

const sqlInsertBatch = 200

// entityRow 是实体表的一行：标题单独成列，其余字段以 JSON 对象保存。
type entityRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Title     string
	Payload   datatypes.JSON
	CreatedAt time.Time
}

type creditRow struct {
	MovieID    int64 `gorm:"primaryKey;autoIncrement:false"`
	MovieTitle string
	Cast       string `gorm:"type:text"`
	Crew       string `gorm:"type:text"`
	CreatedAt  time.Time
}

// SQLFactory 通过 gorm 把各类别写入 <category>_entities / <category>_credits 两张表。
type SQLFactory struct {
	// ReadOnly 时不建表、不写入；表不存在视为空表（dry-run）。
	ReadOnly bool

	db  *gorm.DB
	log logrus.FieldLogger
}

// OpenSQL 按 driver（sqlite/postgres）打开数据库。
//
// readOnly 时 sqlite 以 mode=ro 打开；数据库文件不存在则不打开，视为没有任何表，
// 因此 dry-run 不会创建数据库文件。
func OpenSQL(driver, dsn string, readOnly bool, log logrus.FieldLogger) (*SQLFactory, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sink.driver=%s 需要 sink.dsn", driver)
	}
	var dial gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		if readOnly {
			if _, err := os.Stat(sqlitePath(dsn)); os.IsNotExist(err) {
				return &SQLFactory{ReadOnly: true, log: log}, nil
			}
			dsn = readOnlySQLiteDSN(dsn)
		}
		dial = sqlite.Open(dsn)
	case DriverPostgres:
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("未知的 SQL driver：%q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败：%w", err)
	}
	f := NewSQLFactory(db, log)
	f.ReadOnly = readOnly
	return f, nil
}

// sqlitePath 从 sqlite DSN（路径或 file: URI）中取出文件路径。
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func readOnlySQLiteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&mode=ro"
	}
	return dsn + "?mode=ro"
}

// NewSQLFactory 使用已打开的 db（测试可传入内存 sqlite）。
func NewSQLFactory(db *gorm.DB, log logrus.FieldLogger) *SQLFactory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SQLFactory{db: db, log: log}
}

func (f *SQLFactory) Open(ctx context.Context, cat catalog.Category) (Sink, error) {
	s := &SQL{
		db:            f.db,
		entitiesTable: cat.Name + "_entities",
		creditsTable:  cat.Name + "_credits",
		readOnly:      f.ReadOnly,
		log:           f.log.WithField("category", cat.Name),
	}
	if f.ReadOnly {
		return s, nil
	}
	db := f.db.WithContext(ctx)
	if err := db.Table(s.entitiesTable).AutoMigrate(&entityRow{}); err != nil {
		return nil, fmt.Errorf("迁移 %s 失败：%w", s.entitiesTable, err)
	}
	if err := db.Table(s.creditsTable).AutoMigrate(&creditRow{}); err != nil {
		return nil, fmt.Errorf("迁移 %s 失败：%w", s.creditsTable, err)
	}
	return s, nil
}

func (f *SQLFactory) Close() error {
	if f.db == nil {
		return nil
	}
	sqlDB, err := f.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQL 是单个类别的 SQL 写入端。每个批次在一个事务内写入两张表，整批原子可见。
type SQL struct {
	db            *gorm.DB
	entitiesTable string
	creditsTable  string
	readOnly      bool
	log           logrus.FieldLogger
}

func (s *SQL) SeenIDs(ctx context.Context) (map[string]struct{}, error) {
	if s.db == nil {
		return map[string]struct{}{}, nil
	}
	if s.readOnly && !s.db.WithContext(ctx).Migrator().HasTable(s.entitiesTable) {
		return map[string]struct{}{}, nil
	}
	var ids []int64
	if err := s.db.WithContext(ctx).Table(s.entitiesTable).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[strconv.FormatInt(id, 10)] = struct{}{}
	}
	return out, nil
}

func (s *SQL) AppendBatch(ctx context.Context, entities []domain.EntityRecord, credits []domain.CreditRecord) (Written, error) {
	var w Written
	if len(entities) == 0 && len(credits) == 0 {
		return w, nil
	}
	if s.readOnly {
		return w, ErrReadOnly
	}
	ents := make([]entityRow, 0, len(entities))
	for _, e := range entities {
		payload, err := entityPayload(e)
		if err != nil {
			return w, err
		}
		ents = append(ents, entityRow{ID: int64(e.ID), Title: e.Title(), Payload: payload})
	}
	crs := make([]creditRow, 0, len(credits))
	for _, c := range credits {
		crs = append(crs, creditRow{MovieID: int64(c.MovieID), MovieTitle: c.MovieTitle, Cast: c.Cast, Crew: c.Crew})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(crs) > 0 {
			res := tx.Table(s.creditsTable).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&crs, sqlInsertBatch)
			if res.Error != nil {
				return res.Error
			}
			w.Credits = int(res.RowsAffected)
		}
		if len(ents) > 0 {
			res := tx.Table(s.entitiesTable).Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&ents, sqlInsertBatch)
			if res.Error != nil {
				return res.Error
			}
			w.Entities = int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return Written{}, err
	}
	return w, nil
}

func (s *SQL) Close() error { return nil }

// entityPayload 把实体行编码为 JSON 对象（含 id）。
func entityPayload(e domain.EntityRecord) (datatypes.JSON, error) {
	m := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["id"] = json.Number(e.ID.String())
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
