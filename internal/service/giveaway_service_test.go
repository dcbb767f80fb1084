package service

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/fairdraw/internal/draw"
	"github.com/lvdashuaibi/fairdraw/internal/entropy"
	"github.com/lvdashuaibi/fairdraw/internal/lock"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/lvdashuaibi/fairdraw/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = "00000000033a1f2bdeadbeef"

type fakeEntropy struct {
	mu      sync.Mutex
	calls   int
	seed    string
	err     error
	started chan struct{} // 非空时每次调用先通知
	gate    chan struct{} // 非空时阻塞到关闭
}

func (f *fakeEntropy) AcquireEntropy(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	started, gate, seed, err := f.started, f.gate, f.seed, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return seed, err
}

// reset 换成新的种子并解除阻塞设置
func (f *fakeEntropy) reset(seed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seed, f.started, f.gate = seed, nil, nil
}

func (f *fakeEntropy) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []model.GiveawayEvent
}

func (p *fakePublisher) Publish(ctx context.Context, e model.GiveawayEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *fakePublisher) last() model.GiveawayEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type fakeTimer struct {
	at time.Time
	fn func()
}

// fakeScheduler 只记录定时器，由测试手动触发
type fakeScheduler struct {
	mu     sync.Mutex
	timers map[string]fakeTimer
	afters []time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[string]fakeTimer)}
}

func (f *fakeScheduler) Arm(id string, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers[id] = fakeTimer{at: at, fn: fn}
}

func (f *fakeScheduler) After(id string, d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, d)
	f.timers[id] = fakeTimer{fn: fn}
}

func (f *fakeScheduler) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	delete(f.timers, id)
	return ok
}

func (f *fakeScheduler) Armed(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.timers[id]
	return t.at, ok
}

// fire 触发并移除定时器
func (f *fakeScheduler) fire(id string) bool {
	f.mu.Lock()
	t, ok := f.timers[id]
	delete(f.timers, id)
	f.mu.Unlock()
	if ok {
		t.fn()
	}
	return ok
}

func (f *fakeScheduler) retryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.afters)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *GiveawayService
	repo  *repository.MemoryRepository
	src   *fakeEntropy
	sched *fakeScheduler
	pub   *fakePublisher
	clock *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	h := &harness{
		repo:  repository.NewMemoryRepository(0),
		src:   &fakeEntropy{seed: testSeed},
		sched: newFakeScheduler(),
		pub:   &fakePublisher{},
		clock: &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.svc = NewGiveawayService(Deps{
		Repo:      h.repo,
		Entropy:   h.src,
		Events:    h.pub,
		Scheduler: h.sched,
		Reports:   h.repo,
		Lock:      lock.NewLocalLock(),
		Log:       log,
	}, Options{
		ServerSeedPublic: "S",
		DefaultWinners:   1,
		RetryDelay:       30 * time.Second,
		MaxRetries:       2,
		LockTTL:          time.Minute,
	})
	h.svc.now = h.clock.Now
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) create(t *testing.T, in CreateInput) *model.Giveaway {
	t.Helper()
	if in.ChannelID == "" {
		in.ChannelID = "channel-1"
	}
	if in.Duration == 0 && in.ClosesAt.IsZero() {
		in.Duration = time.Hour
	}
	g, err := h.svc.CreateGiveaway(context.Background(), in)
	require.NoError(t, err)
	return g
}

func TestCreateGiveaway_DefaultsAndArms(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{Duration: 10 * time.Minute})

	assert.Equal(t, model.StatusOpen, g.Status)
	assert.Equal(t, 1, g.BaseAmount)
	assert.Equal(t, 1, g.WinnerCount)
	assert.Equal(t, "S", g.ServerSeedPublic)
	assert.Equal(t, "Giveaway "+g.ID[:8], g.Title)
	assert.Equal(t, h.clock.Now().Add(10*time.Minute), g.ClosesAt)

	at, ok := h.sched.Armed(g.ID)
	require.True(t, ok)
	assert.Equal(t, g.ClosesAt, at)
	assert.Equal(t, []model.EventType{model.EventCreated}, h.pub.types())
}

func TestCreateGiveaway_InvalidInput(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	cases := map[string]CreateInput{
		"no channel":      {Duration: time.Hour},
		"no duration":     {ChannelID: "c"},
		"past close":      {ChannelID: "c", ClosesAt: now.Add(-time.Second)},
		"negative winner": {ChannelID: "c", Duration: time.Hour, WinnerCount: -1},
		"blank role":      {ChannelID: "c", Duration: time.Hour, Rules: []model.WeightRule{{RoleID: " ", Bonus: 2}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.CreateGiveaway(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestJoin_WeightAndTotals(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{
		BaseAmount: 1,
		Rules:      []model.WeightRule{{RoleID: "booster", Bonus: 3}, {RoleID: "vip", Bonus: 5}},
	})
	ctx := context.Background()

	res, err := h.svc.Join(ctx, g.ID, "u1", "Alice", []string{"booster", "vip"})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Weight, "best tier, not additive")

	res, err = h.svc.Join(ctx, g.ID, "u2", "Bob", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Weight)
	assert.Equal(t, 2, res.Participants)
	assert.Equal(t, 7, res.TotalEntries)

	_, err = h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	last := h.pub.last()
	assert.Equal(t, model.EventEntryAdded, last.Type)
	assert.Equal(t, 7, last.TotalEntries)

	_, err = h.svc.Join(ctx, "missing", "u1", "Alice", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Join(ctx, g.ID, "", "nobody", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestJoin_AfterCloseTimeRejectedBeforeTimerFires(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{Duration: time.Minute})

	h.clock.Advance(time.Minute)
	_, err := h.svc.Join(context.Background(), g.ID, "late", "Late", nil)
	assert.ErrorIs(t, err, ErrClosed)

	stored, err := h.svc.Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Entries)
}

func TestDraw_ManualBeforeCloseRejected(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{})

	_, err := h.svc.Draw(context.Background(), g.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrNotClosed)
	assert.Equal(t, 0, h.src.Calls())
}

func TestDraw_ScheduledTriggerDrawsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{WinnerCount: 2})
	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := h.svc.Join(ctx, g.ID, u, "name-"+u, nil)
		require.NoError(t, err)
	}

	h.clock.Advance(time.Hour)
	require.True(t, h.sched.fire(g.ID))

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDrawn, stored.Status)
	assert.Equal(t, testSeed, stored.ClientSeed)
	require.Len(t, stored.Winners, 2)
	assert.NotEqual(t, stored.Winners[0].ParticipantID, stored.Winners[1].ParticipantID)
	require.NotNil(t, stored.Report)
	assert.Equal(t, 3, stored.Report.TotalEntrants)
	require.NotNil(t, stored.DrawnAt)

	expected, err := draw.Run(draw.Input{
		Entries: stored.Entries, BaseAmount: 1, ClientSeed: testSeed, ServerSeedPublic: "S", WinnerCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, expected.Report.Winners, stored.Winners)

	types := h.pub.types()
	assert.Contains(t, types, model.EventClosed)
	assert.Equal(t, model.EventDrawn, types[len(types)-1])

	cached, ok, err := h.repo.GetReport(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored.Winners, cached.Winners)

	// 已开奖后再次触发不产生任何副作用
	_, err = h.svc.Draw(ctx, g.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyDrawn)
	assert.Equal(t, 1, h.src.Calls())

	again, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.ClientSeed, again.ClientSeed)
	assert.Equal(t, stored.Winners, again.Winners)
	assert.Equal(t, stored.DrawnAt, again.DrawnAt)
}

func TestDraw_NoEntriesYieldsNoWinners(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{})
	h.clock.Advance(2 * time.Hour)

	drawn, err := h.svc.Draw(context.Background(), g.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDrawn, drawn.Status)
	assert.Empty(t, drawn.Winners)
	assert.Equal(t, 0, drawn.Report.TotalEntryRows)
}

func TestDraw_EntropyFailureKeepsGiveawayClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)

	h.src.err = entropy.ErrTimeout
	h.clock.Advance(time.Hour)
	_, err = h.svc.Draw(ctx, g.ID, TriggerManual)
	assert.ErrorIs(t, err, entropy.ErrTimeout)

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, stored.Status)
	assert.Empty(t, stored.ClientSeed)
	assert.Nil(t, stored.Winners)
	assert.Nil(t, stored.Report)
	assert.Equal(t, model.EventDrawFailed, h.pub.last().Type)

	// 截止后报名仍被拒绝，时间倒回也一样
	h.clock.Advance(-2 * time.Hour)
	_, err = h.svc.Join(ctx, g.ID, "u2", "Bob", nil)
	assert.ErrorIs(t, err, ErrClosed)

	// 熵源恢复后可以再次开奖
	h.clock.Advance(2 * time.Hour)
	h.src.err = nil
	drawn, err := h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "u1", drawn.Winners[0].ParticipantID)
}

func TestDraw_ConcurrentTriggersFetchEntropyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	h.src.started = make(chan struct{}, 4)
	h.src.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Draw(ctx, g.ID, TriggerScheduled)
		done <- err
	}()

	select {
	case <-h.src.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first draw never reached the entropy source")
	}

	_, err = h.svc.Draw(ctx, g.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrDrawInProgress)

	close(h.src.gate)
	require.NoError(t, <-done)

	_, err = h.svc.Draw(ctx, g.ID, TriggerManual)
	assert.ErrorIs(t, err, ErrAlreadyDrawn)
	assert.Equal(t, 1, h.src.Calls())
}

func TestDraw_ConcurrentJoinsAndCloseAreLinearizable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{Duration: time.Minute})

	var wg sync.WaitGroup
	accepted := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "u" + strconv.Itoa(i)
			if _, err := h.svc.Join(ctx, g.ID, id, id, nil); err == nil {
				accepted <- id
			}
		}(i)
		if i == 25 {
			h.clock.Advance(time.Minute)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = h.svc.Draw(ctx, g.ID, TriggerScheduled)
			}()
		}
	}
	wg.Wait()
	close(accepted)

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDrawn, stored.Status)

	var joined []string
	for id := range accepted {
		joined = append(joined, id)
	}
	assert.Len(t, stored.Entries, len(joined), "every accepted entry is part of the draw")
	assert.Equal(t, len(joined), stored.Report.TotalEntrants)
}

func TestVerify_DrawnRecomputesStoredWinners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{WinnerCount: 3, Rules: []model.WeightRule{{RoleID: "vip", Bonus: 4}}})
	for i, u := range []string{"a", "b", "c", "d", "e"} {
		var roles []string
		if i%2 == 0 {
			roles = []string{"vip"}
		}
		_, err := h.svc.Join(ctx, g.ID, u, u, roles)
		require.NoError(t, err)
	}
	h.clock.Advance(time.Hour)
	drawn, err := h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)

	report, err := h.svc.Verify(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, drawn.Winners, report.Winners)
	assert.Equal(t, testSeed, report.ClientSeed)
	assert.Equal(t, 1, h.src.Calls(), "verify of a drawn giveaway uses the stored seed")
}

func TestVerify_DetectsTamperedWinners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)

	_, err = h.repo.MarkClosed(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, h.repo.CommitDraw(ctx, g.ID, model.DrawOutcome{
		ClientSeed: testSeed,
		Winners:    []model.WinnerRecord{{ParticipantID: "someone-else", Digest: "00"}},
		DrawnAt:    h.clock.Now(),
	}))

	_, err = h.svc.Verify(ctx, g.ID)
	assert.ErrorIs(t, err, ErrReportMismatch)
}

func TestVerify_ClosedPreviewDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotClosed)
	assert.Equal(t, 0, h.src.Calls())

	h.clock.Advance(time.Hour)
	report, err := h.svc.Verify(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", report.Winners[0].ParticipantID)
	assert.Equal(t, 1, h.src.Calls())

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.NotEqual(t, model.StatusDrawn, stored.Status)
	assert.Empty(t, stored.ClientSeed)
	assert.Nil(t, stored.Winners)

	// 详情命中缓存，不再请求熵源
	details, err := h.svc.Details(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Winners, details.Winners)
	assert.Equal(t, 1, h.src.Calls())
}

func TestDetails_PreviewFinishingAfterDrawDoesNotReplaceReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{WinnerCount: 2})
	for i := 1; i <= 6; i++ {
		id := "u" + strconv.Itoa(i)
		_, err := h.svc.Join(ctx, g.ID, id, id, nil)
		require.NoError(t, err)
	}
	h.clock.Advance(time.Hour)

	previewSeed := "00000000aaaaaaaaaaaaaaaa"
	drawSeed := "00000000bbbbbbbbbbbbbbbb"
	h.src.reset(previewSeed)
	h.src.started = make(chan struct{}, 1)
	gate := make(chan struct{})
	h.src.gate = gate

	previewed := make(chan *model.AuditReport, 1)
	go func() {
		report, err := h.svc.Verify(ctx, g.ID)
		assert.NoError(t, err)
		previewed <- report
	}()
	<-h.src.started

	h.src.reset(drawSeed)
	drawn, err := h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)

	close(gate)
	preview := <-previewed
	require.NotNil(t, preview)
	assert.Equal(t, previewSeed, preview.ClientSeed)

	details, err := h.svc.Details(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, drawSeed, details.ClientSeed)
	assert.Equal(t, drawn.Winners, details.Winners)
	assert.Equal(t, 2, h.src.Calls())
}

func TestDetails_DrawnIgnoresCachedReportWithOtherSeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	drawn, err := h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)

	require.NoError(t, h.repo.SetReport(ctx, g.ID, &model.AuditReport{ClientSeed: "stale"}))

	details, err := h.svc.Details(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, testSeed, details.ClientSeed)
	assert.Equal(t, drawn.Winners, details.Winners)

	cached, ok, err := h.repo.GetReport(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testSeed, cached.ClientSeed, "stale entry is replaced")
	assert.Equal(t, 1, h.src.Calls())
}

func TestOnDeadline_RetriesThenGivesUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	h.src.err = errors.New("node unreachable")
	h.clock.Advance(time.Hour)

	require.True(t, h.sched.fire(g.ID))
	assert.Equal(t, 1, h.sched.retryCount())
	require.True(t, h.sched.fire(g.ID))
	assert.Equal(t, 2, h.sched.retryCount())
	require.True(t, h.sched.fire(g.ID))

	assert.Equal(t, 2, h.sched.retryCount(), "max_retries reached")
	_, armed := h.sched.Armed(g.ID)
	assert.False(t, armed)
	assert.Equal(t, 3, h.src.Calls())
	assert.Equal(t, 0, h.svc.Sweep(ctx), "exhausted giveaways wait for a manual draw")

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, stored.Status)

	h.src.err = nil
	_, err = h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)
}

func TestOnDeadline_ProtocolErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)
	h.src.err = entropy.ErrProtocol
	h.clock.Advance(time.Hour)

	require.True(t, h.sched.fire(g.ID))
	assert.Equal(t, 0, h.sched.retryCount())
	_, armed := h.sched.Armed(g.ID)
	assert.False(t, armed)
	assert.Equal(t, 1, h.src.Calls())
	assert.Equal(t, 0, h.svc.Sweep(ctx), "sweep leaves it for a manual draw")
	assert.Equal(t, model.EventDrawFailed, h.pub.last().Type)

	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, stored.Status)

	h.src.err = nil
	drawn, err := h.svc.Draw(ctx, g.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, "u1", drawn.Winners[0].ParticipantID)
	assert.False(t, h.svc.retriesExhausted(g.ID))
}

func TestRestoreSchedulesAndSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.create(t, CreateInput{Duration: time.Hour})
	overdue := h.create(t, CreateInput{Duration: time.Minute})
	drawn := h.create(t, CreateInput{Duration: time.Minute})

	h.clock.Advance(2 * time.Minute)
	_, err := h.svc.Draw(ctx, drawn.ID, TriggerManual)
	require.NoError(t, err)

	// 模拟进程重启：定时器全部丢失
	h.sched.Cancel(open.ID)
	h.sched.Cancel(overdue.ID)

	assert.Equal(t, 1, h.svc.Sweep(ctx), "only the overdue giveaway is re-armed by the sweep")
	_, ok := h.sched.Armed(overdue.ID)
	assert.True(t, ok)
	_, ok = h.sched.Armed(open.ID)
	assert.False(t, ok)

	armed, err := h.svc.RestoreSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, armed)
	at, ok := h.sched.Armed(open.ID)
	require.True(t, ok)
	assert.Equal(t, open.ClosesAt, at)
	_, ok = h.sched.Armed(drawn.ID)
	assert.False(t, ok)
}

func TestDelete_CancelsTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})

	require.NoError(t, h.svc.Delete(ctx, g.ID))
	_, ok := h.sched.Armed(g.ID)
	assert.False(t, ok)
	assert.Equal(t, model.EventDeleted, h.pub.last().Type)

	_, err := h.svc.Get(ctx, g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.svc.Delete(ctx, g.ID), ErrNotFound)
}

func TestSetups_StartFromSetup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	setup, err := h.svc.CreateSetup(ctx, SetupInput{
		Name: "weekly", Title: "Weekly Nitro", GuildID: "guild-1", ChannelID: "c-1",
		BaseAmount: 2, DurationMinutes: 90, WinnerCount: 3,
		Rules: []model.WeightRule{{RoleID: "vip", Bonus: 1}},
	})
	require.NoError(t, err)

	_, err = h.svc.CreateSetup(ctx, SetupInput{Name: "weekly", GuildID: "guild-1", DurationMinutes: 5})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.svc.CreateSetup(ctx, SetupInput{Name: "x", GuildID: "guild-1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	list, err := h.svc.ListSetups(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	g, err := h.svc.StartFromSetup(ctx, "guild-1", "weekly", "", "admin")
	require.NoError(t, err)
	assert.Equal(t, "Weekly Nitro", g.Title)
	assert.Equal(t, "c-1", g.ChannelID)
	assert.Equal(t, 2, g.BaseAmount)
	assert.Equal(t, 3, g.WinnerCount)
	assert.Equal(t, h.clock.Now().Add(90*time.Minute), g.ClosesAt)

	g, err = h.svc.StartFromSetup(ctx, "guild-1", "weekly", "c-override", "admin")
	require.NoError(t, err)
	assert.Equal(t, "c-override", g.ChannelID)

	_, err = h.svc.StartFromSetup(ctx, "guild-1", "missing", "", "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.svc.DeleteSetup(ctx, setup.ID))
	assert.ErrorIs(t, h.svc.DeleteSetup(ctx, setup.ID), ErrNotFound)
}

func TestHandleCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{})

	require.NoError(t, h.svc.HandleCommand(ctx, &model.GiveawayCommand{
		Type: model.CommandJoin, GiveawayID: g.ID, ParticipantID: "u1", DisplayName: "Alice",
	}))
	err := h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: g.ID})
	assert.ErrorIs(t, err, ErrNotClosed)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: g.ID}))
	require.Eventually(t, func() bool {
		stored, err := h.svc.Get(ctx, g.ID)
		return err == nil && stored.Status == model.StatusDrawn
	}, 2*time.Second, 10*time.Millisecond)

	err = h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: g.ID})
	assert.ErrorIs(t, err, ErrAlreadyDrawn)
	err = h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	err = h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: "reroll"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHandleCommand_DrawWaitingForEntropyDoesNotBlockJoins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	closing := h.create(t, CreateInput{Duration: time.Minute})
	other := h.create(t, CreateInput{Duration: time.Hour})
	h.clock.Advance(time.Minute)

	h.src.started = make(chan struct{}, 1)
	gate := make(chan struct{})
	h.src.gate = gate

	require.NoError(t, h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: closing.ID}))
	select {
	case <-h.src.started:
	case <-time.After(2 * time.Second):
		t.Fatal("draw never reached the entropy source")
	}

	joined := make(chan error, 1)
	go func() {
		joined <- h.svc.HandleCommand(ctx, &model.GiveawayCommand{
			Type: model.CommandJoin, GiveawayID: other.ID, ParticipantID: "u1", DisplayName: "Alice",
		})
	}()
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join waited for the pending draw")
	}

	err := h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: closing.ID})
	assert.ErrorIs(t, err, ErrDrawInProgress)

	close(gate)
	require.Eventually(t, func() bool {
		stored, err := h.svc.Get(ctx, closing.ID)
		return err == nil && stored.Status == model.StatusDrawn
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.src.Calls())
}

func TestHandleCommand_CloseWaitsForBackgroundDraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{Duration: time.Minute})
	h.clock.Advance(time.Minute)

	h.src.started = make(chan struct{}, 1)
	h.src.gate = make(chan struct{})
	require.NoError(t, h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: g.ID}))
	<-h.src.started

	// 关闭时取消熵源等待，开奖失败，抽奖保持截止
	h.svc.Close()
	stored, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, stored.Status)

	err = h.svc.HandleCommand(ctx, &model.GiveawayCommand{Type: model.CommandDraw, GiveawayID: g.ID})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUpdateGiveaway_RearmsAndFreezesAfterClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.create(t, CreateInput{Duration: time.Hour})
	_, err := h.svc.Join(ctx, g.ID, "u1", "Alice", nil)
	require.NoError(t, err)

	later := g.ClosesAt.Add(time.Hour)
	title, msg, winners := "Bigger prize", "msg-42", 3
	updated, err := h.svc.UpdateGiveaway(ctx, g.ID, UpdateInput{
		Title: &title, MessageID: &msg, WinnerCount: &winners, ClosesAt: &later,
	})
	require.NoError(t, err)
	assert.Equal(t, "Bigger prize", updated.Title)
	assert.Equal(t, "msg-42", updated.MessageID)
	assert.Equal(t, 3, updated.WinnerCount)
	assert.Len(t, updated.Entries, 1, "entries are untouched")

	at, ok := h.sched.Armed(g.ID)
	require.True(t, ok)
	assert.Equal(t, later, at)

	past := h.clock.Now().Add(-time.Minute)
	_, err = h.svc.UpdateGiveaway(ctx, g.ID, UpdateInput{ClosesAt: &past})
	assert.ErrorIs(t, err, ErrInvalidInput)
	zero := 0
	_, err = h.svc.UpdateGiveaway(ctx, g.ID, UpdateInput{WinnerCount: &zero})
	assert.ErrorIs(t, err, ErrInvalidInput)

	h.clock.Advance(2 * time.Hour)
	_, err = h.svc.UpdateGiveaway(ctx, g.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOnDeadline_ClosesAtMovedRearms(t *testing.T) {
	h := newHarness(t)
	g := h.create(t, CreateInput{Duration: time.Hour})

	// 旧定时器在新的截止时间之前触发
	stale := h.sched.timers[g.ID].fn
	later := g.ClosesAt.Add(time.Hour)
	_, err := h.svc.UpdateGiveaway(context.Background(), g.ID, UpdateInput{ClosesAt: &later})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	stale()

	at, ok := h.sched.Armed(g.ID)
	require.True(t, ok)
	assert.Equal(t, later, at)
	assert.Equal(t, 0, h.src.Calls())
	assert.Equal(t, 0, h.sched.retryCount())
}
