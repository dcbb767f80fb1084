package entropy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	nowBlockPath   = "/wallet/getnowblock"
	blockByNumPath = "/wallet/getblockbynum"
	maxBodyBytes   = 4 << 20
)

var (
	// 区块高度字段，按顺序尝试
	heightPaths = []string{"block_header.raw_data.number", "number"}
	// 区块哈希字段，按顺序尝试
	hashPaths = []string{"blockID", "block_id", "blockHash", "hash"}
)

// TronSource 基于TRON HTTP接口的熵源：
// 读取当前高度 head，等待 head+K 出块后取该区块哈希作为客户端种子。
type TronSource struct {
	baseURL      string
	client       *http.Client
	increment    int64
	pollInterval time.Duration
	maxAttempts  int
	log          logrus.FieldLogger
}

// NewTronSource 创建熵源，配置非法时返回 ErrConfig
func NewTronSource(cfg config.EntropyConfig, log logrus.FieldLogger) (*TronSource, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: 未配置 entropy.api_url", ErrConfig)
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: entropy.api_url 非法: %q", ErrConfig, cfg.APIURL)
	}
	if cfg.TargetIncrement < 1 {
		return nil, fmt.Errorf("%w: target_increment 必须大于0", ErrConfig)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max_attempts 必须大于0", ErrConfig)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &TronSource{
		baseURL:      base,
		client:       &http.Client{Timeout: timeout},
		increment:    cfg.TargetIncrement,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		log:          log.WithField("component", "entropy"),
	}, nil
}

// AcquireEntropy 获取目标区块哈希
func (s *TronSource) AcquireEntropy(ctx context.Context) (seed string, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ObserveEntropy(result, time.Since(start).Seconds())
	}()

	body, height, ok, err := s.fetchNowBlock(ctx)
	if err != nil {
		return "", fmt.Errorf("获取当前区块失败: %w", err)
	}

	if !ok {
		// 部分链只返回区块ID而没有高度，直接使用
		direct, found := firstString(body, hashPaths)
		if !found {
			return "", fmt.Errorf("%w: 无法从 getnowblock 响应中确定区块高度", ErrProtocol)
		}
		return validateHash(direct)
	}

	target := height + s.increment
	s.log.WithFields(logrus.Fields{"head": height, "target": target}).Info("等待目标区块产生")

	if err := s.waitForHeight(ctx, target); err != nil {
		return "", err
	}

	hash, err := s.fetchBlockHash(ctx, target)
	if err != nil {
		return "", err
	}
	s.log.WithFields(logrus.Fields{"target": target, "hash": hash}).Info("已获取目标区块哈希")
	return hash, nil
}

// waitForHeight 轮询直到高度 >= target；单次失败只记录日志
func (s *TronSource) waitForHeight(ctx context.Context, target int64) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		_, height, ok, err := s.fetchNowBlock(ctx)
		switch {
		case err != nil:
			metrics.RecordEntropyPoll("error")
			s.log.WithError(err).WithField("attempt", attempt).Warn("轮询当前区块失败")
		case ok && height >= target:
			metrics.RecordEntropyPoll("reached")
			return nil
		default:
			metrics.RecordEntropyPoll("pending")
		}

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(s.pollInterval):
		}
	}
	return fmt.Errorf("%w: 区块高度在 %d 次轮询内未达到 %d", ErrTimeout, s.maxAttempts, target)
}

// fetchNowBlock 返回响应体、区块高度以及是否存在数字高度
func (s *TronSource) fetchNowBlock(ctx context.Context) ([]byte, int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+nowBlockPath, nil)
	if err != nil {
		return nil, 0, false, fmt.Errorf("%w: 创建请求失败: %v", ErrNetwork, err)
	}

	body, err := s.do(req)
	if err != nil {
		return nil, 0, false, err
	}

	for _, path := range heightPaths {
		if res := gjson.GetBytes(body, path); res.Type == gjson.Number {
			return body, res.Int(), true, nil
		}
	}
	return body, 0, false, nil
}

// fetchBlockHash 按高度获取区块并读取哈希，失败不重试
func (s *TronSource) fetchBlockHash(ctx context.Context, num int64) (string, error) {
	payload, err := json.Marshal(map[string]int64{"num": num})
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+blockByNumPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: 创建请求失败: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("获取目标区块 %d 失败: %w", num, err)
	}

	hash, found := firstString(body, hashPaths)
	if !found {
		return "", fmt.Errorf("%w: 目标区块 %d 响应缺少区块哈希", ErrProtocol, num)
	}
	return validateHash(hash)
}

func (s *TronSource) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s 返回状态码 %d: %s", ErrNetwork, req.URL.Path, resp.StatusCode, truncate(body, 200))
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: %s 响应不是JSON对象", ErrProtocol, req.URL.Path)
	}
	return body, nil
}

// firstString 依次尝试字段路径，返回第一个非空值
func firstString(body []byte, paths []string) (string, bool) {
	for _, path := range paths {
		res := gjson.GetBytes(body, path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		if v := res.String(); v != "" {
			return v, true
		}
	}
	return "", false
}

func validateHash(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	if !IsHex(clean) {
		return "", fmt.Errorf("%w: 区块哈希不是十六进制: %q", ErrProtocol, truncate([]byte(clean), 80))
	}
	return clean, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
