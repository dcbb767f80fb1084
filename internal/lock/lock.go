package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/sirupsen/logrus"
)

// Lock 分布式锁接口，用于多实例部署时串行化同一抽奖的开奖
type Lock interface {
	// TryAcquire 尝试获取锁，不阻塞等待
	// 返回值：bool表示是否成功获取锁，error表示获取过程中的错误
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)

	// Release 释放当前实例持有的锁，未持有时直接返回
	Release(ctx context.Context, name string) error

	// ReleaseAll 释放所有持有的锁
	ReleaseAll()

	// Close 关闭分布式锁客户端
	Close() error
}

// New 根据 lock.backend 创建锁实现
func New(cfg *config.Config, log logrus.FieldLogger) (Lock, error) {
	switch cfg.Lock.Backend {
	case "", "local":
		return NewLocalLock(), nil
	case "etcd":
		return NewETCDLock(cfg.ETCD, log)
	case "redis":
		return NewRedLock(cfg.Redis, log)
	default:
		return nil, fmt.Errorf("未知的锁实现: %q", cfg.Lock.Backend)
	}
}

// LocalLock 进程内锁，单实例部署使用
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]time.Time // 锁名 -> 过期时间
	now   func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (l *LocalLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiresAt, ok := l.locks[name]; ok && (expiresAt.IsZero() || now.Before(expiresAt)) {
		return false, nil
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	l.locks[name] = expiresAt
	return true, nil
}

func (l *LocalLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locks, name)
	return nil
}

func (l *LocalLock) ReleaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[string]time.Time)
}

func (l *LocalLock) Close() error {
	l.ReleaseAll()
	return nil
}
