package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdKeyPrefix = "/fairdraw/locks/"

// EtcdLock 基于租约的分布式锁，持有期间自动续约
type EtcdLock struct {
	client *clientv3.Client
	log    logrus.FieldLogger
	mu     sync.Mutex            // 保护locks的互斥锁
	locks  map[string]*lockEntry // 当前持有的锁
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc // 用于停止自动续约
}

func NewETCDLock(cfg config.ETCDConfig, log logrus.FieldLogger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &EtcdLock{
		client: cli,
		log:    log.WithField("component", "etcdlock"),
		locks:  make(map[string]*lockEntry),
	}, nil
}

// leaseSeconds 租约按秒计，不足1秒按1秒
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (el *EtcdLock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	// 检查是否已持有锁
	if _, ok := el.locks[name]; ok {
		return false, nil
	}

	key := etcdKeyPrefix + name
	secs := leaseSeconds(ttl)

	// 创建租约
	grantResp, err := el.client.Grant(ctx, secs)
	if err != nil {
		return false, fmt.Errorf("创建租约失败: %w", err)
	}

	// 键不存在时才写入
	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, fmt.Errorf("事务执行失败: %w", err)
	}

	if !txnResp.Succeeded {
		el.client.Revoke(context.Background(), grantResp.ID)
		return false, nil
	}

	// 启动自动续约
	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, name, grantResp.ID, time.Duration(secs)*time.Second/2)

	el.locks[name] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	return true, nil
}

func (el *EtcdLock) Release(ctx context.Context, name string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.release(ctx, name)
}

func (el *EtcdLock) ReleaseAll() {
	el.mu.Lock()
	defer el.mu.Unlock()

	for name := range el.locks {
		if err := el.release(context.Background(), name); err != nil {
			el.log.WithError(err).WithField("lock", name).Warn("释放锁失败")
		}
	}
}

func (el *EtcdLock) Close() error {
	el.ReleaseAll()
	return el.client.Close()
}

// keepAlive 周期续约，租约丢失后退出
func (el *EtcdLock) keepAlive(ctx context.Context, name string, leaseID clientv3.LeaseID, every time.Duration) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := el.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if errors.Is(err, rpctypes.ErrLeaseNotFound) {
					el.log.WithField("lock", name).Warn("锁租约已失效")
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// release 调用方持有 el.mu
func (el *EtcdLock) release(ctx context.Context, name string) error {
	entry, ok := el.locks[name]
	if !ok {
		return nil
	}

	entry.cancel()
	delete(el.locks, name)

	// 撤销租约会同时删除绑定的键
	if _, err := el.client.Revoke(ctx, entry.leaseID); err != nil {
		if _, derr := el.client.Delete(ctx, entry.key); derr != nil {
			return fmt.Errorf("释放锁 %s 失败: %w", name, derr)
		}
		return fmt.Errorf("释放租约失败: %w", err)
	}
	return nil
}
