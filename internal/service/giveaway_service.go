package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/draw"
	"github.com/lvdashuaibi/fairdraw/internal/entropy"
	"github.com/lvdashuaibi/fairdraw/internal/lock"
	"github.com/lvdashuaibi/fairdraw/internal/metrics"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/lvdashuaibi/fairdraw/internal/repository"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound       = errors.New("抽奖不存在")
	ErrAlreadyDrawn   = errors.New("抽奖已开奖")
	ErrClosed         = errors.New("抽奖已截止，不再接受报名")
	ErrNotClosed      = errors.New("抽奖尚未截止")
	ErrDrawInProgress = errors.New("抽奖正在开奖中")
	ErrAlreadyJoined  = errors.New("已参与该抽奖")
	ErrReportMismatch = errors.New("复算结果与已公布的中奖者不一致")
	ErrInvalidInput   = errors.New("参数非法")
)

// Repository 生命周期依赖的存储
type Repository interface {
	repository.GiveawayRepository
	repository.SetupRepository
}

// EventPublisher 展示层事件出口
type EventPublisher interface {
	Publish(ctx context.Context, event model.GiveawayEvent) error
}

// Scheduler 截止定时器
type Scheduler interface {
	Arm(id string, at time.Time, fn func())
	After(id string, d time.Duration, fn func())
	Cancel(id string) bool
	Armed(id string) (time.Time, bool)
}

// Options 开奖相关参数
type Options struct {
	ServerSeedPublic string
	DefaultWinners   int
	RetryDelay       time.Duration
	MaxRetries       int
	LockTTL          time.Duration
}

// OptionsFromConfig 从全局配置读取参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ServerSeedPublic: cfg.Draw.ServerSeedPublic,
		DefaultWinners:   cfg.Draw.DefaultWinners,
		RetryDelay:       cfg.Draw.RetryDelay,
		MaxRetries:       cfg.Draw.MaxRetries,
		LockTTL:          cfg.Lock.TTL,
	}
}

// Deps 服务依赖
type Deps struct {
	Repo      Repository
	Entropy   entropy.Source
	Events    EventPublisher
	Scheduler Scheduler
	Reports   repository.ReportCache
	Lock      lock.Lock
	Log       logrus.FieldLogger
}

// GiveawayService 抽奖生命周期：open → closed → drawn
type GiveawayService struct {
	repo    Repository
	entropy entropy.Source
	events  EventPublisher
	sched   Scheduler
	reports repository.ReportCache
	lock    lock.Lock
	opts    Options
	log     logrus.FieldLogger

	now   func() time.Time
	newID func() string

	// 定时开奖与指令开奖使用的上下文，Close 时取消
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // 指令触发的后台开奖

	mu      sync.Mutex
	guards  map[string]*sync.Mutex // 报名与截止互斥
	drawing map[string]struct{}    // 正在开奖的抽奖
	retries map[string]int         // 定时开奖失败次数
}

func NewGiveawayService(deps Deps, opts Options) *GiveawayService {
	if opts.DefaultWinners < 1 {
		opts.DefaultWinners = 1
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 90 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GiveawayService{
		repo:    deps.Repo,
		entropy: deps.Entropy,
		events:  deps.Events,
		sched:   deps.Scheduler,
		reports: deps.Reports,
		lock:    deps.Lock,
		opts:    opts,
		log:     deps.Log.WithField("component", "giveaway"),
		now:     time.Now,
		newID:   uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
		guards:  make(map[string]*sync.Mutex),
		drawing: make(map[string]struct{}),
		retries: make(map[string]int),
	}
}

// Close 停止后续的定时开奖，并等待指令触发的开奖退出
func (s *GiveawayService) Close() {
	s.cancel()
	s.wg.Wait()
}

// guard 返回抽奖的互斥锁，报名与截止在其保护下串行
func (s *GiveawayService) guard(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guards[id]
	if !ok {
		g = &sync.Mutex{}
		s.guards[id] = g
	}
	return g
}

// mapRepoErr 把存储层错误转换为服务层错误
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrAlreadyDrawn):
		return fmt.Errorf("%w: %v", ErrAlreadyDrawn, err)
	case errors.Is(err, repository.ErrClosed):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	case errors.Is(err, repository.ErrNotClosed):
		return fmt.Errorf("%w: %v", ErrNotClosed, err)
	case errors.Is(err, repository.ErrDuplicateEntry):
		return fmt.Errorf("%w: %v", ErrAlreadyJoined, err)
	case errors.Is(err, repository.ErrSetupExists):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return err
	}
}

// CreateInput 创建抽奖参数。Duration 与 ClosesAt 二选一
type CreateInput struct {
	Title       string
	ChannelID   string
	BaseAmount  int
	Rules       []model.WeightRule
	WinnerCount int
	Duration    time.Duration
	ClosesAt    time.Time
	CreatedBy   string
}

// CreateGiveaway 创建抽奖并设置截止定时器
func (s *GiveawayService) CreateGiveaway(ctx context.Context, in CreateInput) (*model.Giveaway, error) {
	now := s.now()

	if strings.TrimSpace(in.ChannelID) == "" {
		return nil, fmt.Errorf("%w: 频道不能为空", ErrInvalidInput)
	}
	closesAt := in.ClosesAt
	if closesAt.IsZero() {
		if in.Duration <= 0 {
			return nil, fmt.Errorf("%w: 持续时间必须大于0", ErrInvalidInput)
		}
		closesAt = now.Add(in.Duration)
	}
	if !closesAt.After(now) {
		return nil, fmt.Errorf("%w: 截止时间必须晚于当前时间", ErrInvalidInput)
	}
	if in.BaseAmount < 0 || in.WinnerCount < 0 {
		return nil, fmt.Errorf("%w: 基础权重与中奖人数不能为负数", ErrInvalidInput)
	}
	rules, err := normalizeRules(in.Rules)
	if err != nil {
		return nil, err
	}

	g := &model.Giveaway{
		ID:               s.newID(),
		Title:            strings.TrimSpace(in.Title),
		ChannelID:        in.ChannelID,
		BaseAmount:       in.BaseAmount,
		Rules:            rules,
		WinnerCount:      in.WinnerCount,
		CreatedBy:        in.CreatedBy,
		CreatedAt:        now,
		ClosesAt:         closesAt,
		Status:           model.StatusOpen,
		ServerSeedPublic: s.opts.ServerSeedPublic,
	}
	if g.BaseAmount == 0 {
		g.BaseAmount = 1
	}
	if g.WinnerCount == 0 {
		g.WinnerCount = s.opts.DefaultWinners
	}
	if g.Title == "" {
		g.Title = "Giveaway " + shortID(g.ID)
	}

	if err := s.repo.Append(ctx, g); err != nil {
		return nil, fmt.Errorf("保存抽奖失败: %w", err)
	}
	s.arm(g)

	s.log.WithFields(logrus.Fields{
		"giveaway": g.ID,
		"closesAt": g.ClosesAt.Format(time.RFC3339),
		"winners":  g.WinnerCount,
	}).Info("抽奖已创建")
	s.publish(ctx, eventFor(model.EventCreated, g, s.now()))
	return g, nil
}

func normalizeRules(rules []model.WeightRule) ([]model.WeightRule, error) {
	out := make([]model.WeightRule, 0, len(rules))
	for _, r := range rules {
		if strings.TrimSpace(r.RoleID) == "" {
			return nil, fmt.Errorf("%w: 权重规则缺少角色", ErrInvalidInput)
		}
		out = append(out, model.WeightRule{RoleID: strings.TrimSpace(r.RoleID), Bonus: r.Bonus})
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Get 读取抽奖
func (s *GiveawayService) Get(ctx context.Context, id string) (*model.Giveaway, error) {
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return g, nil
}

// List 全部抽奖
func (s *GiveawayService) List(ctx context.Context) ([]*model.Giveaway, error) {
	return s.repo.Load(ctx)
}

// JoinResult 报名结果
type JoinResult struct {
	Weight       int
	Participants int
	TotalEntries int
}

// Join 报名。截止时间以服务端当前时间判断，与定时器是否已触发无关
func (s *GiveawayService) Join(ctx context.Context, id, participantID, displayName string, roles []string) (*JoinResult, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, fmt.Errorf("%w: 参与者不能为空", ErrInvalidInput)
	}

	guard := s.guard(id)
	guard.Lock()
	defer guard.Unlock()

	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	now := s.now()
	if !g.AcceptsEntries(now) {
		return nil, ErrClosed
	}
	if g.HasEntry(participantID) {
		return nil, ErrAlreadyJoined
	}

	entry := model.Entry{
		ParticipantID: participantID,
		DisplayName:   displayName,
		JoinedAt:      now,
		Roles:         append([]string(nil), roles...),
	}
	if err := s.repo.AddEntry(ctx, id, entry); err != nil {
		return nil, mapRepoErr(err)
	}
	metrics.RecordEntry()

	g.Entries = append(g.Entries, entry)
	participants, total := draw.Totals(g)
	result := &JoinResult{
		Weight:       draw.WeightFor(g.BaseAmount, entry.Roles, g.Rules),
		Participants: participants,
		TotalEntries: total,
	}

	s.log.WithFields(logrus.Fields{"giveaway": id, "participant": participantID, "weight": result.Weight}).Info("参与者已加入")
	s.publish(ctx, eventFor(model.EventEntryAdded, g, now))
	return result, nil
}

// UpdateInput 修改抽奖参数，nil 表示不修改
type UpdateInput struct {
	Title       *string
	MessageID   *string
	BaseAmount  *int
	Rules       *[]model.WeightRule
	WinnerCount *int
	ClosesAt    *time.Time
}

// UpdateGiveaway 只允许修改未截止的抽奖；截止时间变化时重新设置定时器
func (s *GiveawayService) UpdateGiveaway(ctx context.Context, id string, in UpdateInput) (*model.Giveaway, error) {
	guard := s.guard(id)
	guard.Lock()
	defer guard.Unlock()

	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	now := s.now()
	if !g.AcceptsEntries(now) {
		return nil, ErrClosed
	}

	if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
		g.Title = strings.TrimSpace(*in.Title)
	}
	if in.MessageID != nil {
		g.MessageID = *in.MessageID
	}
	if in.BaseAmount != nil {
		if *in.BaseAmount < 0 {
			return nil, fmt.Errorf("%w: 基础权重不能为负数", ErrInvalidInput)
		}
		g.BaseAmount = max(*in.BaseAmount, 1)
	}
	if in.WinnerCount != nil {
		if *in.WinnerCount < 1 {
			return nil, fmt.Errorf("%w: 中奖人数必须大于0", ErrInvalidInput)
		}
		g.WinnerCount = *in.WinnerCount
	}
	if in.Rules != nil {
		rules, err := normalizeRules(*in.Rules)
		if err != nil {
			return nil, err
		}
		g.Rules = rules
	}
	rearm := false
	if in.ClosesAt != nil && !in.ClosesAt.Equal(g.ClosesAt) {
		if !in.ClosesAt.After(now) {
			return nil, fmt.Errorf("%w: 截止时间必须晚于当前时间", ErrInvalidInput)
		}
		g.ClosesAt = *in.ClosesAt
		rearm = true
	}

	if err := s.repo.Replace(ctx, g); err != nil {
		return nil, mapRepoErr(err)
	}
	if rearm {
		s.arm(g)
	}
	s.log.WithFields(logrus.Fields{"giveaway": id, "closesAt": g.ClosesAt.Format(time.RFC3339)}).Info("抽奖已修改")
	return g, nil
}

// Totals 参与人数与总抽奖行数
func (s *GiveawayService) Totals(g *model.Giveaway) (participants, totalEntries int) {
	return draw.Totals(g)
}

// Delete 删除抽奖并取消定时器
func (s *GiveawayService) Delete(ctx context.Context, id string) error {
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return mapRepoErr(err)
	}

	s.sched.Cancel(id)
	if err := s.repo.Delete(ctx, id); err != nil {
		return mapRepoErr(err)
	}
	for _, key := range []string{id, previewKey(id)} {
		if err := s.reports.DeleteReport(ctx, key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("删除报告缓存失败")
		}
	}

	s.mu.Lock()
	delete(s.guards, id)
	delete(s.retries, id)
	s.mu.Unlock()

	s.log.WithField("giveaway", id).Info("抽奖已删除")
	s.publish(ctx, eventFor(model.EventDeleted, g, s.now()))
	return nil
}

// SetupInput 模板参数
type SetupInput struct {
	Name            string
	Title           string
	GuildID         string
	ChannelID       string
	BaseAmount      int
	DurationMinutes int
	WinnerCount     int
	Rules           []model.WeightRule
}

// CreateSetup 保存模板，同一服务器内名称唯一
func (s *GiveawayService) CreateSetup(ctx context.Context, in SetupInput) (*model.Setup, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || strings.TrimSpace(in.GuildID) == "" {
		return nil, fmt.Errorf("%w: 模板名称与服务器不能为空", ErrInvalidInput)
	}
	if in.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: 持续时间必须大于0", ErrInvalidInput)
	}
	if in.BaseAmount < 0 || in.WinnerCount < 0 {
		return nil, fmt.Errorf("%w: 基础权重与中奖人数不能为负数", ErrInvalidInput)
	}
	rules, err := normalizeRules(in.Rules)
	if err != nil {
		return nil, err
	}

	setup := &model.Setup{
		ID:              s.newID(),
		Name:            name,
		Title:           strings.TrimSpace(in.Title),
		GuildID:         in.GuildID,
		ChannelID:       in.ChannelID,
		BaseAmount:      in.BaseAmount,
		DurationMinutes: in.DurationMinutes,
		WinnerCount:     in.WinnerCount,
		Rules:           rules,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreateSetup(ctx, setup); err != nil {
		return nil, mapRepoErr(err)
	}
	s.log.WithFields(logrus.Fields{"setup": setup.ID, "name": name, "guild": in.GuildID}).Info("模板已保存")
	return setup, nil
}

func (s *GiveawayService) ListSetups(ctx context.Context, guildID string) ([]*model.Setup, error) {
	return s.repo.ListSetups(ctx, guildID)
}

func (s *GiveawayService) DeleteSetup(ctx context.Context, id string) error {
	return mapRepoErr(s.repo.DeleteSetup(ctx, id))
}

// StartFromSetup 按模板创建抽奖，channelID 非空时覆盖模板频道
func (s *GiveawayService) StartFromSetup(ctx context.Context, guildID, name, channelID, createdBy string) (*model.Giveaway, error) {
	setup, err := s.repo.FindSetup(ctx, guildID, name)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if channelID == "" {
		channelID = setup.ChannelID
	}
	return s.CreateGiveaway(ctx, CreateInput{
		Title:       setup.Title,
		ChannelID:   channelID,
		BaseAmount:  setup.BaseAmount,
		Rules:       setup.Rules,
		WinnerCount: setup.WinnerCount,
		Duration:    time.Duration(setup.DurationMinutes) * time.Minute,
		CreatedBy:   createdBy,
	})
}

// HandleCommand 处理聊天平台指令。
// 开奖要等待区块链熵，指令只做前置检查，开奖本身在后台执行，不阻塞同一分区的后续指令。
func (s *GiveawayService) HandleCommand(ctx context.Context, cmd *model.GiveawayCommand) error {
	switch cmd.Type {
	case model.CommandJoin:
		_, err := s.Join(ctx, cmd.GiveawayID, cmd.ParticipantID, cmd.DisplayName, cmd.Roles)
		return err
	case model.CommandDraw:
		return s.drawInBackground(ctx, cmd.GiveawayID)
	case model.CommandStart:
		_, err := s.StartFromSetup(ctx, cmd.GuildID, cmd.SetupName, cmd.ChannelID, cmd.RequestedBy)
		return err
	default:
		return fmt.Errorf("%w: 未知指令 %q", ErrInvalidInput, cmd.Type)
	}
}

func (s *GiveawayService) drawInBackground(ctx context.Context, id string) error {
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return mapRepoErr(err)
	}
	if err := s.drawable(g); err != nil {
		return err
	}
	if s.inFlight(id) {
		return ErrDrawInProgress
	}
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Draw(s.ctx, id, TriggerManual); err != nil {
			s.log.WithError(err).WithField("giveaway", id).Warn("指令开奖失败")
		}
	}()
	return nil
}

func eventFor(t model.EventType, g *model.Giveaway, at time.Time) model.GiveawayEvent {
	participants, total := draw.Totals(g)
	return model.GiveawayEvent{
		Type:         t,
		GiveawayID:   g.ID,
		Title:        g.Title,
		ChannelID:    g.ChannelID,
		MessageID:    g.MessageID,
		ClosesAt:     g.ClosesAt,
		Participants: participants,
		TotalEntries: total,
		ClientSeed:   g.ClientSeed,
		Winners:      g.Winners,
		OccurredAt:   at,
	}
}

// publish 事件发送失败不影响抽奖状态
func (s *GiveawayService) publish(ctx context.Context, event model.GiveawayEvent) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"giveaway": event.GiveawayID, "type": event.Type}).Warn("发送抽奖事件失败")
	}
}
