// Package entropy 从公开区块链获取开奖后才产生的随机值（目标区块哈希）。
package entropy

import (
	"context"
	"errors"
)

var (
	// ErrConfig 熵源配置缺失或非法
	ErrConfig = errors.New("熵源配置错误")
	// ErrNetwork 请求熵源失败（网络错误或非2xx响应）
	ErrNetwork = errors.New("熵源网络错误")
	// ErrProtocol 熵源返回的数据格式不符合预期
	ErrProtocol = errors.New("熵源协议错误")
	// ErrTimeout 轮询次数耗尽仍未到达目标高度
	ErrTimeout = errors.New("等待目标区块超时")
)

// Source 获取客户端种子
type Source interface {
	// AcquireEntropy 阻塞直到目标区块产生，返回其十六进制哈希
	AcquireEntropy(ctx context.Context) (string, error)
}

// IsHex 判断是否为非空十六进制字符串
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
