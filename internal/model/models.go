package model

import (
	"time"
)

// Status 抽奖生命周期状态
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusDrawn  Status = "drawn"
)

// WeightRule 角色额外权重规则
type WeightRule struct {
	RoleID string `json:"roleId"`
	Bonus  int    `json:"extra"`
}

// Entry 参与记录，roles 为加入时的角色快照
type Entry struct {
	ParticipantID string    `json:"userId"`
	DisplayName   string    `json:"username"`
	JoinedAt      time.Time `json:"joinedAt"`
	Roles         []string  `json:"roles"`
}

// Giveaway 抽奖活动
type Giveaway struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	ChannelID        string         `json:"channelId"`
	MessageID        string         `json:"messageId,omitempty"`
	BaseAmount       int            `json:"basedAmount"`
	Rules            []WeightRule   `json:"extras"`
	WinnerCount      int            `json:"winnersCount"`
	CreatedBy        string         `json:"createdBy,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	ClosesAt         time.Time      `json:"endsAt"`
	Entries          []Entry        `json:"entries"`
	Status           Status         `json:"status"`
	ServerSeedPublic string         `json:"serverSeedPublic"`
	ClientSeed       string         `json:"clientSeed,omitempty"`
	Winners          []WinnerRecord `json:"winners,omitempty"`
	Report           *AuditReport   `json:"rollReport,omitempty"`
	DrawnAt          *time.Time     `json:"drawnAt,omitempty"`
}

// HasEntry 判断参与者是否已加入
func (g *Giveaway) HasEntry(participantID string) bool {
	for _, e := range g.Entries {
		if e.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// AcceptsEntries 只有在 open 状态且未到截止时间时才接受报名
func (g *Giveaway) AcceptsEntries(now time.Time) bool {
	return g.Status == StatusOpen && now.Before(g.ClosesAt)
}

// Clone 深拷贝，仓库层返回副本避免外部修改共享状态
func (g *Giveaway) Clone() *Giveaway {
	if g == nil {
		return nil
	}
	c := *g
	c.Rules = append([]WeightRule(nil), g.Rules...)
	c.Entries = make([]Entry, len(g.Entries))
	for i, e := range g.Entries {
		e.Roles = append([]string(nil), e.Roles...)
		c.Entries[i] = e
	}
	c.Winners = append([]WinnerRecord(nil), g.Winners...)
	if g.Report != nil {
		r := g.Report.Clone()
		c.Report = &r
	}
	if g.DrawnAt != nil {
		t := *g.DrawnAt
		c.DrawnAt = &t
	}
	return &c
}

// ScoredRow 权重展开后的一行，只在计算时存在
type ScoredRow struct {
	ParticipantID string
	DisplayName   string
	Index         int
	Digest        string
	Score         float64
}

// EntrantSummary 报告中的参与者明细
type EntrantSummary struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	EntryCount    int       `json:"entryCount"`
	Scores        []float64 `json:"scores"`
}

// WinnerRecord 中奖者
type WinnerRecord struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName"`
	Score         float64 `json:"score"`
	Digest        string  `json:"digest"`
	RowIndex      int     `json:"rowIndex"`
}

// AuditReport 可独立复算的开奖报告
type AuditReport struct {
	ClientSeed     string           `json:"clientSeed"`
	TotalEntrants  int              `json:"totalEntrants"`
	TotalEntryRows int              `json:"totalEntryRows"`
	Entrants       []EntrantSummary `json:"entrants"`
	Winners        []WinnerRecord   `json:"winners"`
}

// Clone 深拷贝报告
func (r AuditReport) Clone() AuditReport {
	c := r
	c.Entrants = make([]EntrantSummary, len(r.Entrants))
	for i, e := range r.Entrants {
		e.Scores = append([]float64(nil), e.Scores...)
		c.Entrants[i] = e
	}
	c.Winners = append([]WinnerRecord(nil), r.Winners...)
	return c
}

// DrawOutcome 一次开奖需要原子提交的全部结果
type DrawOutcome struct {
	ClientSeed string
	Winners    []WinnerRecord
	Report     AuditReport
	DrawnAt    time.Time
}

// Setup 保存的抽奖模板
type Setup struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Title           string       `json:"title"`
	GuildID         string       `json:"guildId"`
	ChannelID       string       `json:"channelId,omitempty"`
	BaseAmount      int          `json:"basedAmount"`
	DurationMinutes int          `json:"durationMinutes"`
	WinnerCount     int          `json:"winnersCount"`
	Rules           []WeightRule `json:"extras"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// EventType 推送给展示层的事件类型
type EventType string

const (
	EventCreated    EventType = "giveaway.created"
	EventEntryAdded EventType = "giveaway.entry_added"
	EventClosed     EventType = "giveaway.closed"
	EventDrawn      EventType = "giveaway.drawn"
	EventDrawFailed EventType = "giveaway.draw_failed"
	EventDeleted    EventType = "giveaway.deleted"
)

// GiveawayEvent Kafka抽奖事件
type GiveawayEvent struct {
	Type         EventType      `json:"type"`
	GiveawayID   string         `json:"giveawayId"`
	Title        string         `json:"title"`
	ChannelID    string         `json:"channelId"`
	MessageID    string         `json:"messageId,omitempty"`
	ClosesAt     time.Time      `json:"endsAt"`
	Participants int            `json:"participants"`
	TotalEntries int            `json:"totalEntries"`
	ClientSeed   string         `json:"clientSeed,omitempty"`
	Winners      []WinnerRecord `json:"winners,omitempty"`
	Error        string         `json:"error,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// CommandType 聊天平台发来的指令类型
type CommandType string

const (
	CommandJoin  CommandType = "join"
	CommandDraw  CommandType = "draw"
	CommandStart CommandType = "start"
)

// GiveawayCommand Kafka指令
type GiveawayCommand struct {
	Type          CommandType `json:"type"`
	GiveawayID    string      `json:"giveawayId,omitempty"`
	ParticipantID string      `json:"userId,omitempty"`
	DisplayName   string      `json:"username,omitempty"`
	Roles         []string    `json:"roles,omitempty"`
	GuildID       string      `json:"guildId,omitempty"`
	SetupName     string      `json:"setup,omitempty"`
	ChannelID     string      `json:"channelId,omitempty"`
	RequestedBy   string      `json:"requestedBy,omitempty"`
}
