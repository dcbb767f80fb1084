package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/lvdashuaibi/fairdraw/internal/model"
)

var (
	ErrNotFound       = errors.New("记录不存在")
	ErrAlreadyDrawn   = errors.New("抽奖已开奖")
	ErrClosed         = errors.New("抽奖已截止")
	ErrNotClosed      = errors.New("抽奖尚未截止")
	ErrDuplicateEntry = errors.New("参与者已加入")
	ErrSetupExists    = errors.New("同名模板已存在")
)

// GiveawayRepository 抽奖存储。
// 写入方随后的读取必须能读到自己的写入；状态相关的写操作在存储内部完成检查与修改。
type GiveawayRepository interface {
	// Load 返回全部抽奖
	Load(ctx context.Context) ([]*model.Giveaway, error)
	// Get 按ID读取，找不到返回 ErrNotFound
	Get(ctx context.Context, id string) (*model.Giveaway, error)
	// Append 新增抽奖
	Append(ctx context.Context, g *model.Giveaway) error
	// Replace 覆盖抽奖配置，仅 open 状态允许，不触碰报名与开奖字段
	Replace(ctx context.Context, g *model.Giveaway) error
	// AddEntry 在 open 且 entry.JoinedAt 早于截止时间时追加报名
	AddEntry(ctx context.Context, id string, entry model.Entry) error
	// MarkClosed open → closed，返回是否发生了状态变化
	MarkClosed(ctx context.Context, id string) (bool, error)
	// CommitDraw closed → drawn，原子写入种子、中奖者、报告
	CommitDraw(ctx context.Context, id string, outcome model.DrawOutcome) error
	// Delete 删除抽奖及其报名
	Delete(ctx context.Context, id string) error
}

// SetupRepository 抽奖模板存储
type SetupRepository interface {
	CreateSetup(ctx context.Context, s *model.Setup) error
	ListSetups(ctx context.Context, guildID string) ([]*model.Setup, error)
	FindSetup(ctx context.Context, guildID, name string) (*model.Setup, error)
	DeleteSetup(ctx context.Context, id string) error
}

// ReportCache 开奖报告的临时缓存，供“详情”下载使用
type ReportCache interface {
	SetReport(ctx context.Context, giveawayID string, report *model.AuditReport) error
	GetReport(ctx context.Context, giveawayID string) (*model.AuditReport, bool, error)
	DeleteReport(ctx context.Context, giveawayID string) error
}

// sortSetups 按服务器、名称排序，保证列表输出稳定
func sortSetups(setups []*model.Setup) {
	sort.Slice(setups, func(i, j int) bool {
		if setups[i].GuildID != setups[j].GuildID {
			return setups[i].GuildID < setups[j].GuildID
		}
		return setups[i].Name < setups[j].Name
	})
}
