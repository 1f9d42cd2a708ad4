package sink

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/John-Robertt/tmdbsync/internal/infra/fsx"
)

const utf8BOM = "\ufeff"

// CorruptTableError 表示表文件中间存在无法解析的行（不是崩溃留下的尾部残行）。
type CorruptTableError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptTableError) Error() string {
	return fmt.Sprintf("表文件损坏：%s（第 %d 行）：%v", e.Path, e.Line, e.Err)
}

func (e *CorruptTableError) Unwrap() error { return e.Err }

// tableScan 是一次全表扫描的结果。
type tableScan struct {
	Exists bool
	Header []string
	// Values 是指定列的全部取值（列不存在时为空）。
	Values []string
	// Rows 是数据行数（不含表头）。
	Rows int
	// TornAt>=0 表示从该偏移开始是崩溃留下的残行。
	TornAt int64
}

// scanTable 读取 path 的表头与 column 列。
//
// 每次追加都以换行结尾，所以“不以换行结尾”或“最后一条记录无法解析”都说明
// 上次写入被中断；此时 TornAt 指向最后一条不完整记录的起点。
// 中间行无法解析返回 *CorruptTableError。
func scanTable(path, column string) (tableScan, error) {
	res := tableScan{TornAt: -1}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	defer f.Close()
	res.Exists = true

	fi, err := f.Stat()
	if err != nil {
		return res, err
	}
	endsWithNL, err := fsx.EndsWithNewline(path)
	if err != nil {
		return res, err
	}

	r := csv.NewReader(bufio.NewReaderSize(f, 256<<10))
	r.ReuseRecord = true
	col := -1
	var lastStart int64
	for {
		start := r.InputOffset()
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return res, err
			}
			// 只有最后一条记录允许是残行。
			if _, next := r.Read(); !errors.Is(next, io.EOF) {
				return res, &CorruptTableError{Path: path, Line: pe.StartLine, Err: err}
			}
			res.TornAt = start
			return res, nil
		}
		lastStart = start
		if res.Header == nil {
			res.Header = make([]string, len(rec))
			copy(res.Header, rec)
			if len(res.Header) > 0 {
				res.Header[0] = strings.TrimPrefix(res.Header[0], utf8BOM)
			}
			col = indexOf(res.Header, column)
			continue
		}
		res.Rows++
		if col >= 0 && col < len(rec) {
			res.Values = append(res.Values, strings.TrimSpace(rec[col]))
		}
	}
	if fi.Size() > 0 && !endsWithNL {
		res.TornAt = lastStart
		if res.Header != nil && lastStart == 0 {
			res.Header = nil
		} else if res.Rows > 0 {
			res.Rows--
			if col >= 0 && len(res.Values) > 0 {
				res.Values = res.Values[:len(res.Values)-1]
			}
		}
	}
	return res, nil
}

// ReadColumn 读取 CSV 表 path 的 column 列；文件不存在返回 ok=false。
func ReadColumn(path, column string) (values []string, ok bool, err error) {
	s, err := scanTable(path, column)
	if err != nil {
		return nil, false, err
	}
	if !s.Exists {
		return nil, false, nil
	}
	return s.Values, true, nil
}

func indexOf(xs []string, x string) int {
	for i, v := range xs {
		if strings.TrimSpace(v) == x {
			return i
		}
	}
	return -1
}

// CanonicalID 规范化 id 列取值："12.0" 这类带零小数的写法按整数处理。
func CanonicalID(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '.'); i > 0 && strings.Trim(v[i+1:], "0") == "" {
		v = v[:i]
	}
	return v
}
