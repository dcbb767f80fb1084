package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/fairdraw/internal/draw"
	"github.com/lvdashuaibi/fairdraw/internal/entropy"
	"github.com/lvdashuaibi/fairdraw/internal/metrics"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/sirupsen/logrus"
)

// 开奖触发来源，用于指标与日志
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerRetry     = "retry"
)

const drawLockPrefix = "draw:"

// previewKey 预览报告与正式报告分开缓存
func previewKey(id string) string {
	return id + ":preview"
}

// drawable 开奖前置检查
func (s *GiveawayService) drawable(g *model.Giveaway) error {
	if g.Status == model.StatusDrawn {
		return ErrAlreadyDrawn
	}
	if g.Status == model.StatusOpen && s.now().Before(g.ClosesAt) {
		return ErrNotClosed
	}
	return nil
}

// Draw 手动与定时开奖的唯一入口。
// 熵源失败时抽奖保持 closed，不写入任何中奖信息。
func (s *GiveawayService) Draw(ctx context.Context, id, trigger string) (g *model.Giveaway, err error) {
	defer func() {
		metrics.RecordDraw(trigger, drawResult(err))
	}()

	g, err = s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if err := s.drawable(g); err != nil {
		return nil, err
	}

	if !s.beginDraw(id) {
		return nil, ErrDrawInProgress
	}
	defer s.endDraw(id)

	held, err := s.lock.TryAcquire(ctx, drawLockPrefix+id, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("获取开奖锁失败: %w", err)
	}
	if !held {
		return nil, ErrDrawInProgress
	}
	defer func() {
		if rerr := s.lock.Release(context.Background(), drawLockPrefix+id); rerr != nil {
			s.log.WithError(rerr).WithField("giveaway", id).Warn("释放开奖锁失败")
		}
	}()

	g, err = s.closeEntries(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status == model.StatusDrawn {
		return nil, ErrAlreadyDrawn
	}

	log := s.log.WithFields(logrus.Fields{"giveaway": id, "trigger": trigger})
	log.WithField("entries", len(g.Entries)).Info("开始开奖，等待区块链熵")

	seed, err := s.entropy.AcquireEntropy(ctx)
	if err != nil {
		log.WithError(err).Error("获取客户端种子失败，抽奖保持截止状态")
		failed := eventFor(model.EventDrawFailed, g, s.now())
		failed.Error = err.Error()
		s.publish(ctx, failed)
		return nil, fmt.Errorf("获取客户端种子失败: %w", err)
	}

	result, err := draw.Run(draw.Input{
		Entries:          g.Entries,
		Rules:            g.Rules,
		BaseAmount:       g.BaseAmount,
		ClientSeed:       seed,
		ServerSeedPublic: g.ServerSeedPublic,
		WinnerCount:      g.WinnerCount,
	})
	if err != nil {
		log.WithError(err).Error("开奖计算失败")
		return nil, fmt.Errorf("开奖计算失败: %w", err)
	}

	outcome := model.DrawOutcome{
		ClientSeed: seed,
		Winners:    result.Report.Winners,
		Report:     result.Report,
		DrawnAt:    s.now(),
	}
	if err := s.repo.CommitDraw(ctx, id, outcome); err != nil {
		return nil, mapRepoErr(err)
	}

	g.Status = model.StatusDrawn
	g.ClientSeed = outcome.ClientSeed
	g.Winners = outcome.Winners
	report := outcome.Report.Clone()
	g.Report = &report
	drawnAt := outcome.DrawnAt
	g.DrawnAt = &drawnAt

	s.sched.Cancel(id)
	s.clearRetries(id)
	s.cacheReport(ctx, id, &report)
	if err := s.reports.DeleteReport(ctx, previewKey(id)); err != nil {
		log.WithError(err).Warn("删除预览报告缓存失败")
	}

	log.WithFields(logrus.Fields{"seed": seed, "winners": len(g.Winners)}).Info("开奖完成")
	s.publish(ctx, eventFor(model.EventDrawn, g, drawnAt))
	return g, nil
}

// closeEntries 在抽奖互斥锁内 open → closed，之后的报名都会被拒绝
func (s *GiveawayService) closeEntries(ctx context.Context, id string) (*model.Giveaway, error) {
	guard := s.guard(id)
	guard.Lock()
	defer guard.Unlock()

	changed, err := s.repo.MarkClosed(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if changed {
		s.log.WithFields(logrus.Fields{"giveaway": id, "entries": len(g.Entries)}).Info("抽奖已截止")
		s.publish(ctx, eventFor(model.EventClosed, g, s.now()))
	}
	return g, nil
}

func (s *GiveawayService) beginDraw(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.drawing[id]; ok {
		return false
	}
	s.drawing[id] = struct{}{}
	return true
}

func (s *GiveawayService) endDraw(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drawing, id)
}

func (s *GiveawayService) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.drawing[id]
	return ok
}

func drawResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyDrawn):
		return "already_drawn"
	case errors.Is(err, ErrDrawInProgress):
		return "in_progress"
	case errors.Is(err, ErrNotClosed):
		return "not_closed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Verify 复算开奖报告。
// 已开奖：使用已保存的种子复算，并要求与已公布的中奖者一致；
// 已截止未开奖：获取新种子预览，不保存、不改变状态。
func (s *GiveawayService) Verify(ctx context.Context, id string) (*model.AuditReport, error) {
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	seed := g.ClientSeed
	switch {
	case g.Status == model.StatusDrawn:
	case g.Status == model.StatusOpen && s.now().Before(g.ClosesAt):
		return nil, ErrNotClosed
	default:
		seed, err = s.entropy.AcquireEntropy(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取客户端种子失败: %w", err)
		}
	}

	result, err := draw.Run(draw.Input{
		Entries:          g.Entries,
		Rules:            g.Rules,
		BaseAmount:       g.BaseAmount,
		ClientSeed:       seed,
		ServerSeedPublic: g.ServerSeedPublic,
		WinnerCount:      g.WinnerCount,
	})
	if err != nil {
		return nil, fmt.Errorf("复算开奖报告失败: %w", err)
	}

	if g.Status == model.StatusDrawn && !draw.SameWinners(result.Report.Winners, g.Winners) {
		s.log.WithField("giveaway", id).Error("复算结果与已保存的中奖者不一致")
		return nil, ErrReportMismatch
	}

	report := result.Report
	if g.Status == model.StatusDrawn {
		s.cacheReport(ctx, id, &report)
	} else {
		s.cacheReport(ctx, previewKey(id), &report)
	}
	return &report, nil
}

// Details 优先返回缓存的报告，未命中时复算。
// 已开奖的抽奖只接受种子与已保存种子一致的缓存。
func (s *GiveawayService) Details(ctx context.Context, id string) (*model.AuditReport, error) {
	g, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	if g.Status != model.StatusDrawn {
		if report, ok := s.cachedReport(ctx, previewKey(id)); ok {
			return report, nil
		}
		return s.Verify(ctx, id)
	}

	if report, ok := s.cachedReport(ctx, id); ok && report.ClientSeed == g.ClientSeed {
		return report, nil
	}
	if g.Report != nil && g.Report.ClientSeed == g.ClientSeed {
		report := g.Report.Clone()
		s.cacheReport(ctx, id, &report)
		return &report, nil
	}
	return s.Verify(ctx, id)
}

func (s *GiveawayService) cachedReport(ctx context.Context, key string) (*model.AuditReport, bool) {
	report, ok, err := s.reports.GetReport(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("读取报告缓存失败")
		return nil, false
	}
	return report, ok
}

func (s *GiveawayService) cacheReport(ctx context.Context, id string, report *model.AuditReport) {
	if err := s.reports.SetReport(ctx, id, report); err != nil {
		s.log.WithError(err).WithField("giveaway", id).Warn("写入报告缓存失败")
	}
}

// arm 为未开奖的抽奖设置截止定时器
func (s *GiveawayService) arm(g *model.Giveaway) {
	id := g.ID
	s.sched.Arm(id, g.ClosesAt, func() { s.onDeadline(id, TriggerScheduled) })
}

// onDeadline 定时器回调：开奖失败时按 retry_delay 重试，最多 max_retries 次
func (s *GiveawayService) onDeadline(id, trigger string) {
	if s.ctx.Err() != nil {
		return
	}

	_, err := s.Draw(s.ctx, id, trigger)
	log := s.log.WithFields(logrus.Fields{"giveaway": id, "trigger": trigger})
	switch {
	case err == nil,
		errors.Is(err, ErrAlreadyDrawn),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDrawInProgress):
		return
	case errors.Is(err, ErrNotClosed):
		// 截止时间被调整过，按新的时间重新设置
		if g, gerr := s.repo.Get(s.ctx, id); gerr == nil {
			s.arm(g)
		}
		return
	case errors.Is(err, entropy.ErrProtocol):
		// 重试不会改变熵源的响应格式
		s.exhaustRetries(id)
		log.WithError(err).Error("熵源协议错误，停止定时开奖，等待手动开奖")
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	attempt := s.recordFailure(id)
	if attempt > s.opts.MaxRetries {
		log.WithError(err).WithField("attempts", attempt).Error("定时开奖重试次数已用尽，等待手动开奖")
		return
	}
	log.WithError(err).WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   s.opts.RetryDelay.String(),
	}).Warn("定时开奖失败，稍后重试")
	s.sched.After(id, s.opts.RetryDelay, func() { s.onDeadline(id, TriggerRetry) })
}

func (s *GiveawayService) recordFailure(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id]++
	return s.retries[id]
}

func (s *GiveawayService) exhaustRetries(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id] = s.opts.MaxRetries + 1
}

func (s *GiveawayService) clearRetries(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, id)
}

func (s *GiveawayService) retriesExhausted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[id] > s.opts.MaxRetries
}

// RestoreSchedules 进程启动时按已保存的截止时间重新设置定时器，已过期的立即触发
func (s *GiveawayService) RestoreSchedules(ctx context.Context) (int, error) {
	all, err := s.repo.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载抽奖失败: %w", err)
	}

	armed := 0
	for _, g := range all {
		if g.Status == model.StatusDrawn {
			continue
		}
		s.arm(g)
		armed++
	}
	s.log.WithField("armed", armed).Info("已恢复截止定时器")
	return armed, nil
}

// Sweep 周期兜底：已过截止时间、未开奖且没有定时器的抽奖重新触发
func (s *GiveawayService) Sweep(ctx context.Context) int {
	all, err := s.repo.Load(ctx)
	if err != nil {
		s.log.WithError(err).Warn("周期扫描加载抽奖失败")
		return 0
	}

	now := s.now()
	rearmed := 0
	for _, g := range all {
		if g.Status == model.StatusDrawn || now.Before(g.ClosesAt) {
			continue
		}
		if _, ok := s.sched.Armed(g.ID); ok || s.inFlight(g.ID) || s.retriesExhausted(g.ID) {
			continue
		}
		s.arm(g)
		rearmed++
	}
	if rearmed > 0 {
		s.log.WithField("rearmed", rearmed).Info("周期扫描重新触发过期抽奖")
	}
	return rearmed
}

// ScheduledAt 返回定时器触发时间
func (s *GiveawayService) ScheduledAt(id string) (time.Time, bool) {
	return s.sched.Armed(id)
}
