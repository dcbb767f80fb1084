package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/model"
)

// Redis键前缀
const ReportKey = "giveaway:report:"

// RedisReportCache 开奖报告缓存，按抽奖ID存储JSON并设置过期时间
type RedisReportCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisReportCache(ctx context.Context) (*RedisReportCache, error) {
	cfg := config.AppConfig.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis数据节点连接测试失败: %w", err)
	}
	return NewRedisReportCacheWithClient(client, cfg.ReportTTL), nil
}

// NewRedisReportCacheWithClient 使用已有客户端，ttl<=0 表示不过期
func NewRedisReportCacheWithClient(client *redis.Client, ttl time.Duration) *RedisReportCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisReportCache{client: client, ttl: ttl}
}

func reportKey(giveawayID string) string {
	return ReportKey + giveawayID
}

// SetReport 写入报告缓存
func (c *RedisReportCache) SetReport(ctx context.Context, giveawayID string, report *model.AuditReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化开奖报告失败: %w", err)
	}
	if err := c.client.Set(ctx, reportKey(giveawayID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("设置开奖报告缓存失败: %w", err)
	}
	return nil
}

// GetReport 读取报告缓存，未命中时 found 为 false
func (c *RedisReportCache) GetReport(ctx context.Context, giveawayID string) (*model.AuditReport, bool, error) {
	data, err := c.client.Get(ctx, reportKey(giveawayID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("获取开奖报告缓存失败: %w", err)
	}

	var report model.AuditReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, false, fmt.Errorf("解析开奖报告缓存失败: %w", err)
	}
	return &report, true, nil
}

// DeleteReport 删除报告缓存
func (c *RedisReportCache) DeleteReport(ctx context.Context, giveawayID string) error {
	if err := c.client.Del(ctx, reportKey(giveawayID)).Err(); err != nil {
		return fmt.Errorf("删除开奖报告缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (c *RedisReportCache) Close() error {
	return c.client.Close()
}
