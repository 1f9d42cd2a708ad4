package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLocked 表示另一个写入者持有锁（输出文件集同一时间只允许一个写入者）。
var ErrLocked = errors.New("另一个写入者正在运行")

// Locker 是单写者锁。Acquire 失败且锁被占用时返回 ErrLocked。
type Locker interface {
	Acquire(ctx context.Context) error
	// Refresh 续期；锁已丢失时返回 ErrLocked。
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Hold 获取锁并在后台按 every 周期续期，返回的 release 停止续期并释放锁（可重复调用）。
func Hold(ctx context.Context, l Locker, every time.Duration, log logrus.FieldLogger) (release func(), err error) {
	if err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if every <= 0 {
		every = time.Minute
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := l.Refresh(context.Background()); err != nil {
					log.WithError(err).Warn("续期写入锁失败")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.Release(context.Background()); err != nil {
				log.WithError(err).Warn("释放写入锁失败")
			}
		})
	}, nil
}

// Nop 不做任何互斥（lock.driver=none）。
type Nop struct{}

func (Nop) Acquire(context.Context) error { return nil }
func (Nop) Refresh(context.Context) error { return nil }
func (Nop) Release(context.Context) error { return nil }
