// Package scheduler 管理每个抽奖的截止定时器，以及兜底的周期扫描任务。
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/fairdraw/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type timerEntry struct {
	timer *time.Timer
	seq   uint64
	at    time.Time
}

// Scheduler 同一抽奖只保留一个定时器，重复 Arm 会替换旧的
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	seq     uint64
	cron    *cron.Cron
	log     logrus.FieldLogger
	stopped bool
}

func New(log logrus.FieldLogger) *Scheduler {
	log = log.WithField("component", "scheduler")
	return &Scheduler{
		timers: make(map[string]*timerEntry),
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		)),
		log: log,
	}
}

// Arm 在 at 时刻执行 fn，at 已过去时立即执行
func (s *Scheduler) Arm(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}

	s.seq++
	seq := s.seq
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	entry := &timerEntry{seq: seq, at: at}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if cur, ok := s.timers[id]; ok && cur.seq == seq {
			delete(s.timers, id)
			metrics.SetArmedTimers(len(s.timers))
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = entry
	metrics.SetArmedTimers(len(s.timers))
	s.log.WithFields(logrus.Fields{"giveaway": id, "at": at.Format(time.RFC3339)}).Debug("已设置截止定时器")
}

// After 在 d 之后执行 fn，用于开奖失败后的重试
func (s *Scheduler) After(id string, d time.Duration, fn func()) {
	s.Arm(id, time.Now().Add(d), fn)
}

// Cancel 取消定时器，返回是否存在
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	metrics.SetArmedTimers(len(s.timers))
	return true
}

// Armed 返回定时器的触发时间
func (s *Scheduler) Armed(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// Count 当前定时器数量
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StartSweep 按 cron 表达式周期执行 fn，上一轮未结束时跳过本轮
func (s *Scheduler) StartSweep(spec string, fn func()) error {
	if spec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("解析扫描周期 %q 失败: %w", spec, err)
	}
	s.cron.Start()
	s.log.WithField("spec", spec).Info("周期扫描已启动")
	return nil
}

// Stop 停止全部定时器与扫描任务，等待正在执行的扫描结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	metrics.SetArmedTimers(0)
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("调度器已停止")
}
