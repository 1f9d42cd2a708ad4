package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/tmdbsync/internal/infra/fsx"
)

// Store 提供 <out>/cache/ 下的文件缓存读写（导出快照与运行报告）。
//
// 约束：
// - dry-run：只允许读（ReadOnly=true）
// - 正常运行：允许写（ReadOnly=false）
type Store struct {
	Root     string // <out>（输出目录）
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

func (s Store) exportsDir() string { return filepath.Join(s.Root, "cache", "exports") }

// ExportPath 返回导出快照缓存的路径。
func (s Store) ExportPath(name string) (string, error) {
	n, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.exportsDir(), n), nil
}

// ReadExport 读取缓存的导出快照；未命中返回 ok=false。
func (s Store) ReadExport(name string) ([]byte, bool, error) {
	path, err := s.ExportPath(name)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// WriteExport 写入导出快照。同名快照只写一次，已存在视为成功。
func (s Store) WriteExport(name string, data []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	n, err := cleanName(name)
	if err != nil {
		return err
	}
	err = fsx.WriteFileAtomicNoOverwrite(s.exportsDir(), n, data)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

// PruneExports 删除同一前缀下除 keep 以外的旧快照，返回删除个数。
func (s Store) PruneExports(prefix, keep string) (int, error) {
	if s.ReadOnly {
		return 0, ErrReadOnly
	}
	entries, err := os.ReadDir(s.exportsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == keep || !strings.HasPrefix(name, prefix+"_ids_") {
			continue
		}
		if err := os.Remove(filepath.Join(s.exportsDir(), name)); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// WriteReport 原子覆盖写入 <out>/cache/report.json。
func (s Store) WriteReport(data []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	return fsx.WriteFileAtomicReplace(filepath.Join(s.Root, "cache"), "report.json", data)
}

var nameRE = regexp.MustCompile(`^[a-z0-9_]+_ids_[0-9]{2}_[0-9]{2}_[0-9]{4}\.json\.gz$`)

func cleanName(n string) (string, error) {
	n = strings.TrimSpace(n)
	if n == "" {
		return "", fmt.Errorf("快照文件名不能为空")
	}
	// 快照名由类别与日期生成，这里只做最小约束避免路径穿越。
	if !nameRE.MatchString(n) {
		return "", fmt.Errorf("非法快照文件名：%q", n)
	}
	return n, nil
}
