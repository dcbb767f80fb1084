package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/fairdraw/internal/model"
)

// MemoryRepository 进程内存储，单实例部署和测试使用
type MemoryRepository struct {
	mu        sync.RWMutex
	giveaways map[string]*model.Giveaway
	order     []string
	setups    map[string]*model.Setup
	reports   map[string]cachedReport
	reportTTL time.Duration
	now       func() time.Time
}

type cachedReport struct {
	report    model.AuditReport
	expiresAt time.Time
}

// NewMemoryRepository 创建内存仓库，reportTTL<=0 表示报告缓存不过期
func NewMemoryRepository(reportTTL time.Duration) *MemoryRepository {
	return &MemoryRepository{
		giveaways: make(map[string]*model.Giveaway),
		setups:    make(map[string]*model.Setup),
		reports:   make(map[string]cachedReport),
		reportTTL: reportTTL,
		now:       time.Now,
	}
}

func (r *MemoryRepository) Load(ctx context.Context) ([]*model.Giveaway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Giveaway, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.giveaways[id].Clone())
	}
	return out, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*model.Giveaway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.giveaways[id]
	if !ok {
		return nil, fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

func (r *MemoryRepository) Append(ctx context.Context, g *model.Giveaway) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.giveaways[g.ID]; ok {
		return fmt.Errorf("抽奖 %s 已存在", g.ID)
	}
	r.giveaways[g.ID] = g.Clone()
	r.order = append(r.order, g.ID)
	return nil
}

func (r *MemoryRepository) Replace(ctx context.Context, g *model.Giveaway) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.giveaways[g.ID]
	if !ok {
		return fmt.Errorf("抽奖 %s: %w", g.ID, ErrNotFound)
	}
	if stored.Status != model.StatusOpen {
		return fmt.Errorf("抽奖 %s: %w", g.ID, ErrClosed)
	}

	next := g.Clone()
	next.CreatedAt = stored.CreatedAt
	next.ServerSeedPublic = stored.ServerSeedPublic
	next.Entries = stored.Entries
	next.Status = stored.Status
	next.ClientSeed, next.Winners, next.Report, next.DrawnAt = "", nil, nil, nil
	r.giveaways[g.ID] = next
	return nil
}

func (r *MemoryRepository) AddEntry(ctx context.Context, id string, entry model.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.giveaways[id]
	if !ok {
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	if !g.AcceptsEntries(entry.JoinedAt) {
		return fmt.Errorf("抽奖 %s: %w", id, ErrClosed)
	}
	if g.HasEntry(entry.ParticipantID) {
		return fmt.Errorf("参与者 %s: %w", entry.ParticipantID, ErrDuplicateEntry)
	}
	entry.Roles = append([]string(nil), entry.Roles...)
	g.Entries = append(g.Entries, entry)
	return nil
}

func (r *MemoryRepository) MarkClosed(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.giveaways[id]
	if !ok {
		return false, fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	if g.Status != model.StatusOpen {
		return false, nil
	}
	g.Status = model.StatusClosed
	return true, nil
}

func (r *MemoryRepository) CommitDraw(ctx context.Context, id string, outcome model.DrawOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.giveaways[id]
	if !ok {
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	switch g.Status {
	case model.StatusDrawn:
		return fmt.Errorf("抽奖 %s: %w", id, ErrAlreadyDrawn)
	case model.StatusOpen:
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotClosed)
	}

	report := outcome.Report.Clone()
	drawnAt := outcome.DrawnAt
	g.ClientSeed = outcome.ClientSeed
	g.Winners = append([]model.WinnerRecord(nil), outcome.Winners...)
	g.Report = &report
	g.DrawnAt = &drawnAt
	g.Status = model.StatusDrawn
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.giveaways[id]; !ok {
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	delete(r.giveaways, id)
	delete(r.reports, id)
	for i, gid := range r.order {
		if gid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *MemoryRepository) CreateSetup(ctx context.Context, s *model.Setup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.setups {
		if existing.GuildID == s.GuildID && existing.Name == s.Name {
			return fmt.Errorf("模板 %s: %w", s.Name, ErrSetupExists)
		}
	}
	c := *s
	c.Rules = append([]model.WeightRule(nil), s.Rules...)
	r.setups[s.ID] = &c
	return nil
}

func (r *MemoryRepository) ListSetups(ctx context.Context, guildID string) ([]*model.Setup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Setup
	for _, s := range r.setups {
		if guildID != "" && s.GuildID != guildID {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sortSetups(out)
	return out, nil
}

func (r *MemoryRepository) FindSetup(ctx context.Context, guildID, name string) (*model.Setup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.setups {
		if s.GuildID == guildID && s.Name == name {
			c := *s
			return &c, nil
		}
	}
	return nil, fmt.Errorf("模板 %s: %w", name, ErrNotFound)
}

func (r *MemoryRepository) DeleteSetup(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.setups[id]; !ok {
		return fmt.Errorf("模板 %s: %w", id, ErrNotFound)
	}
	delete(r.setups, id)
	return nil
}

func (r *MemoryRepository) SetReport(ctx context.Context, giveawayID string, report *model.AuditReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := cachedReport{report: report.Clone()}
	if r.reportTTL > 0 {
		entry.expiresAt = r.now().Add(r.reportTTL)
	}
	r.reports[giveawayID] = entry
	return nil
}

func (r *MemoryRepository) GetReport(ctx context.Context, giveawayID string) (*model.AuditReport, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.reports[giveawayID]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	report := entry.report.Clone()
	return &report, true, nil
}

func (r *MemoryRepository) DeleteReport(ctx context.Context, giveawayID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reports, giveawayID)
	return nil
}
