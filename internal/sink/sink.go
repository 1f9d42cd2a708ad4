package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/domain"
)

// Sink 是某个类别两张输出表的追加写入端。
//
// 约束：
// - 只追加，不改写、不删除、不重排已有行
// - AppendBatch 是一个批次的持久化单元；空批次不产生任何写入
type Sink interface {
	// SeenIDs 返回实体表中已有的 id（十进制字符串）。
	SeenIDs(ctx context.Context) (map[string]struct{}, error)
	AppendBatch(ctx context.Context, entities []domain.EntityRecord, credits []domain.CreditRecord) (Written, error)
	Close() error
}

// Written 是一次 AppendBatch 实际写入的行数。
type Written struct {
	Entities int
	Credits  int
}

// Factory 按类别打开 Sink；同一个 Factory 可在一次运行中服务多个类别。
type Factory interface {
	Open(ctx context.Context, cat catalog.Category) (Sink, error)
	Close() error
}

const (
	DriverCSV      = "csv"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrReadOnly 表示在只读（dry-run）模式下尝试写入。
var ErrReadOnly = errors.New("sink: read-only")

// NewFactory 根据 driver 构造 Factory。csv 写入 outDir；sqlite/postgres 使用 dsn。
// readOnly 时不创建任何文件或表：SQL 只提供 SeenIDs，CSV 拒绝打开（由调用方直接读表）。
func NewFactory(driver, outDir, dsn string, readOnly bool, log logrus.FieldLogger) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverCSV:
		return &CSVFactory{Dir: outDir, Log: log, ReadOnly: readOnly}, nil
	case DriverSQLite, DriverPostgres:
		f, err := OpenSQL(driver, dsn, readOnly, log)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("未知的 sink.driver：%q", driver)
	}
}
