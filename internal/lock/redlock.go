package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/sirupsen/logrus"
)

const (
	redlockRetries    = 3
	redlockRetryDelay = 100 * time.Millisecond
	redlockKeyPrefix  = "fairdraw:lock:"

	// 只刷新自己持有的锁
	refreshScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
	// 只释放自己持有的锁
	unlockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// RedLock 多个独立Redis节点上的Redlock实现
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	log     logrus.FieldLogger

	mu    sync.Mutex
	locks map[string]*redlockEntry
}

type redlockEntry struct {
	token  string
	cancel context.CancelFunc
}

// NewRedLock 创建新的分布式锁客户端
func NewRedLock(cfg config.RedisConfig, log logrus.FieldLogger) (*RedLock, error) {
	if len(cfg.LockAddresses) == 0 {
		return nil, fmt.Errorf("未配置 redis.lock_addresses")
	}

	ctx := context.Background()
	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, fmt.Errorf("Redis锁节点 %s 连接测试失败: %w", addr, err)
		}
		clients = append(clients, client)
	}

	return &RedLock{
		clients: clients,
		addrs:   cfg.LockAddresses,
		log:     log.WithField("component", "redlock"),
		locks:   make(map[string]*redlockEntry),
	}, nil
}

// quorum 多数派节点数
func quorum(n int) int {
	return n/2 + 1
}

// TryAcquire 在多数节点上 SETNX 成功且剩余有效期为正时视为获取成功
func (r *RedLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[name]; ok {
		return false, nil
	}

	key := redlockKeyPrefix + name
	token := uuid.NewString()

	for attempt := 0; attempt < redlockRetries; attempt++ {
		start := time.Now()
		success := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, key, token, ttl).Result()
			if err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{"node": r.addrs[i], "lock": name}).Warn("获取锁失败")
				continue
			}
			if ok {
				success++
			}
		}

		if success >= quorum(len(r.clients)) && ttl-time.Since(start) > 0 {
			refreshCtx, cancel := context.WithCancel(context.Background())
			r.locks[name] = &redlockEntry{token: token, cancel: cancel}
			go r.refreshLoop(refreshCtx, name, key, token, ttl)
			return true, nil
		}

		// 未达到多数派，回滚已写入的节点
		r.unlockAll(context.Background(), key, token)

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(redlockRetryDelay):
		}
	}
	return false, nil
}

// refreshLoop 每 ttl/3 刷新一次过期时间，失去多数派后停止
func (r *RedLock) refreshLoop(ctx context.Context, name, key, token string, ttl time.Duration) {
	every := ttl / 3
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			success := 0
			for i, client := range r.clients {
				res, err := client.Eval(ctx, refreshScript, []string{key}, token, ttl.Milliseconds()).Int64()
				if err != nil {
					r.log.WithError(err).WithFields(logrus.Fields{"node": r.addrs[i], "lock": name}).Warn("刷新锁失败")
					continue
				}
				if res == 1 {
					success++
				}
			}
			if success < quorum(len(r.clients)) {
				r.log.WithField("lock", name).Warn("锁已失去多数派节点")
				return
			}
		}
	}
}

// unlockAll 在所有节点上释放锁
func (r *RedLock) unlockAll(ctx context.Context, key, token string) {
	for i, client := range r.clients {
		if err := client.Eval(ctx, unlockScript, []string{key}, token).Err(); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{"node": r.addrs[i], "key": key}).Warn("释放锁失败")
		}
	}
}

func (r *RedLock) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[name]
	if !ok {
		return nil
	}
	entry.cancel()
	r.unlockAll(ctx, redlockKeyPrefix+name, entry.token)
	delete(r.locks, name)
	return nil
}

// ReleaseAll 释放所有持有的锁
func (r *RedLock) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.locks {
		entry.cancel()
		r.unlockAll(context.Background(), redlockKeyPrefix+name, entry.token)
	}
	r.locks = make(map[string]*redlockEntry)
}

// Close 关闭分布式锁客户端
func (r *RedLock) Close() error {
	r.ReleaseAll()

	for i, client := range r.clients {
		if err := client.Close(); err != nil {
			r.log.WithError(err).WithField("node", r.addrs[i]).Warn("关闭Redis客户端失败")
		}
	}
	return nil
}
