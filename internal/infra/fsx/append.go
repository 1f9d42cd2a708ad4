package fsx

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// AppendSync 把 data 一次性追加到 path 末尾并 fsync。
//
// 文件不存在时创建；新建文件后对目录做 best-effort fsync，保证目录项可见。
// 已有内容永不改写。
func AppendSync(path string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, statErr := os.Lstat(path)
	created := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if err := writeAll(f, data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if created {
		_ = syncDirBestEffort(filepath.Dir(path))
	}
	return nil
}

// TruncateTo 把 path 截断到 size 字节并 fsync，用于切掉崩溃时写了一半的尾部。
func TruncateTo(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}

// EndsWithNewline 报告非空文件的最后一个字节是否为 '\n'；空文件返回 true。
func EndsWithNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if fi.Size() == 0 {
		return true, nil
	}
	var b [1]byte
	if _, err := f.ReadAt(b[:], fi.Size()-1); err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return b[0] == '\n', nil
}
