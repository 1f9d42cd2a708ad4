package lock

import (
	"context"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// File 是基于 O_EXCL 锁文件的单写者锁。
//
// 锁文件 mtime 超过 TTL 视为持有者已死亡，可被接管；持有者通过 Refresh 更新 mtime。
// 锁文件内写入持有者的 token，只有 token 匹配时才续期或删除。
type File struct {
	Path string
	TTL  time.Duration

	token string
	now   func() time.Time
}

type fileLockBody struct {
	PID   int    `json:"pid"`
	Time  int64  `json:"time"`
	Token string `json:"token"`
}

func NewFile(path string, ttl time.Duration) *File {
	return &File{Path: path, TTL: ttl, token: uuid.NewString(), now: time.Now}
}

func (f *File) Acquire(_ context.Context) error {
	if f.token == "" {
		f.token = uuid.NewString()
	}
	now := f.clock()
	body, err := json.Marshal(fileLockBody{PID: os.Getpid(), Time: now.Unix(), Token: f.token})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		fh, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fh.Write(append(body, '\n'))
			cerr := fh.Close()
			if werr != nil {
				return werr
			}
			return cerr
		}
		if !os.IsExist(err) {
			return err
		}
		fi, err := os.Stat(f.Path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if f.TTL > 0 && now.Sub(fi.ModTime()) >= f.TTL {
			// 过期锁：删除后重试一次。
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		return ErrLocked
	}
	return ErrLocked
}

func (f *File) Refresh(_ context.Context) error {
	owned, err := f.owned()
	if err != nil {
		return err
	}
	if !owned {
		return ErrLocked
	}
	now := f.clock()
	if err := os.Chtimes(f.Path, now, now); err != nil {
		if os.IsNotExist(err) {
			return ErrLocked
		}
		return err
	}
	return nil
}

// Release 只删除自己持有的锁文件；锁已被他人接管时保持原样。
func (f *File) Release(_ context.Context) error {
	owned, err := f.owned()
	if err != nil || !owned {
		return err
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *File) owned() (bool, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	var body fileLockBody
	if err := json.Unmarshal(b, &body); err != nil {
		// 无法解析的锁文件不属于任何 token。
		return false, nil
	}
	return body.Token != "" && body.Token == f.token, nil
}

func (f *File) clock() time.Time {
	if f.now == nil {
		return time.Now()
	}
	return f.now()
}
