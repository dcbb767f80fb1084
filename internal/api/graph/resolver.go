package graph

import (
	"context"
	"fmt"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/lvdashuaibi/fairdraw/internal/draw"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/lvdashuaibi/fairdraw/internal/service"
)

// Resolver GraphQL解析器
type Resolver struct {
	svc *service.GiveawayService
}

// NewResolver 创建解析器
func NewResolver(svc *service.GiveawayService) *Resolver {
	return &Resolver{svc: svc}
}

func (r *Resolver) Giveaway(ctx context.Context, args struct{ ID graphql.ID }) (*GiveawayResolver, error) {
	g, err := r.svc.Get(ctx, string(args.ID))
	if err != nil {
		return nil, err
	}
	return r.giveaway(g), nil
}

func (r *Resolver) Giveaways(ctx context.Context) ([]*GiveawayResolver, error) {
	all, err := r.svc.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*GiveawayResolver, len(all))
	for i, g := range all {
		out[i] = r.giveaway(g)
	}
	return out, nil
}

func (r *Resolver) Verify(ctx context.Context, args struct{ ID graphql.ID }) (*ReportResolver, error) {
	report, err := r.svc.Verify(ctx, string(args.ID))
	if err != nil {
		return nil, err
	}
	return &ReportResolver{report: report}, nil
}

func (r *Resolver) Details(ctx context.Context, args struct{ ID graphql.ID }) (*ReportResolver, error) {
	report, err := r.svc.Details(ctx, string(args.ID))
	if err != nil {
		return nil, err
	}
	return &ReportResolver{report: report}, nil
}

func (r *Resolver) Setups(ctx context.Context, args struct{ GuildID string }) ([]*SetupResolver, error) {
	setups, err := r.svc.ListSetups(ctx, args.GuildID)
	if err != nil {
		return nil, err
	}
	out := make([]*SetupResolver, len(setups))
	for i, s := range setups {
		out[i] = &SetupResolver{setup: s}
	}
	return out, nil
}

// WeightRuleInput 角色权重输入
type WeightRuleInput struct {
	RoleID string
	Bonus  int32
}

// CreateGiveawayInput 创建抽奖输入，closesAt 为 RFC3339
type CreateGiveawayInput struct {
	Title           *string
	ChannelID       string
	BaseAmount      *int32
	Rules           *[]WeightRuleInput
	WinnerCount     *int32
	DurationMinutes *int32
	ClosesAt        *string
	CreatedBy       *string
}

// UpdateGiveawayInput 修改抽奖输入
type UpdateGiveawayInput struct {
	Title       *string
	MessageID   *string
	BaseAmount  *int32
	Rules       *[]WeightRuleInput
	WinnerCount *int32
	ClosesAt    *string
}

// CreateSetupInput 模板输入
type CreateSetupInput struct {
	Name            string
	Title           *string
	GuildID         string
	ChannelID       *string
	BaseAmount      *int32
	DurationMinutes int32
	WinnerCount     *int32
	Rules           *[]WeightRuleInput
}

func (r *Resolver) CreateGiveaway(ctx context.Context, args struct{ Input CreateGiveawayInput }) (*GiveawayResolver, error) {
	in := args.Input
	input := service.CreateInput{
		Title:       deref(in.Title),
		ChannelID:   in.ChannelID,
		BaseAmount:  derefInt(in.BaseAmount),
		Rules:       rulesFrom(in.Rules),
		WinnerCount: derefInt(in.WinnerCount),
		Duration:    time.Duration(derefInt(in.DurationMinutes)) * time.Minute,
		CreatedBy:   deref(in.CreatedBy),
	}
	if in.ClosesAt != nil && *in.ClosesAt != "" {
		closesAt, err := time.Parse(time.RFC3339, *in.ClosesAt)
		if err != nil {
			return nil, fmt.Errorf("%w: 解析截止时间失败: %v", service.ErrInvalidInput, err)
		}
		input.ClosesAt = closesAt
	}

	g, err := r.svc.CreateGiveaway(ctx, input)
	if err != nil {
		return nil, err
	}
	return r.giveaway(g), nil
}

func (r *Resolver) UpdateGiveaway(ctx context.Context, args struct {
	ID    graphql.ID
	Input UpdateGiveawayInput
}) (*GiveawayResolver, error) {
	in := args.Input
	update := service.UpdateInput{
		Title:       in.Title,
		MessageID:   in.MessageID,
		BaseAmount:  intPtr(in.BaseAmount),
		WinnerCount: intPtr(in.WinnerCount),
	}
	if in.Rules != nil {
		rules := rulesFrom(in.Rules)
		update.Rules = &rules
	}
	if in.ClosesAt != nil {
		closesAt, err := time.Parse(time.RFC3339, *in.ClosesAt)
		if err != nil {
			return nil, fmt.Errorf("%w: 解析截止时间失败: %v", service.ErrInvalidInput, err)
		}
		update.ClosesAt = &closesAt
	}

	g, err := r.svc.UpdateGiveaway(ctx, string(args.ID), update)
	if err != nil {
		return nil, err
	}
	return r.giveaway(g), nil
}

func (r *Resolver) JoinGiveaway(ctx context.Context, args struct {
	ID            graphql.ID
	ParticipantID string
	DisplayName   string
	Roles         *[]string
}) (*JoinResultResolver, error) {
	var roles []string
	if args.Roles != nil {
		roles = *args.Roles
	}
	res, err := r.svc.Join(ctx, string(args.ID), args.ParticipantID, args.DisplayName, roles)
	if err != nil {
		return nil, err
	}
	return &JoinResultResolver{result: res}, nil
}

func (r *Resolver) DrawGiveaway(ctx context.Context, args struct{ ID graphql.ID }) (*GiveawayResolver, error) {
	g, err := r.svc.Draw(ctx, string(args.ID), service.TriggerManual)
	if err != nil {
		return nil, err
	}
	return r.giveaway(g), nil
}

func (r *Resolver) DeleteGiveaway(ctx context.Context, args struct{ ID graphql.ID }) (bool, error) {
	if err := r.svc.Delete(ctx, string(args.ID)); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) CreateSetup(ctx context.Context, args struct{ Input CreateSetupInput }) (*SetupResolver, error) {
	in := args.Input
	setup, err := r.svc.CreateSetup(ctx, service.SetupInput{
		Name:            in.Name,
		Title:           deref(in.Title),
		GuildID:         in.GuildID,
		ChannelID:       deref(in.ChannelID),
		BaseAmount:      derefInt(in.BaseAmount),
		DurationMinutes: int(in.DurationMinutes),
		WinnerCount:     derefInt(in.WinnerCount),
		Rules:           rulesFrom(in.Rules),
	})
	if err != nil {
		return nil, err
	}
	return &SetupResolver{setup: setup}, nil
}

func (r *Resolver) DeleteSetup(ctx context.Context, args struct{ ID graphql.ID }) (bool, error) {
	if err := r.svc.DeleteSetup(ctx, string(args.ID)); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resolver) StartFromSetup(ctx context.Context, args struct {
	GuildID   string
	Name      string
	ChannelID *string
	CreatedBy *string
}) (*GiveawayResolver, error) {
	g, err := r.svc.StartFromSetup(ctx, args.GuildID, args.Name, deref(args.ChannelID), deref(args.CreatedBy))
	if err != nil {
		return nil, err
	}
	return r.giveaway(g), nil
}

func (r *Resolver) giveaway(g *model.Giveaway) *GiveawayResolver {
	return &GiveawayResolver{g: g, svc: r.svc}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int32) int {
	if n == nil {
		return 0
	}
	return int(*n)
}

func intPtr(n *int32) *int {
	if n == nil {
		return nil
	}
	v := int(*n)
	return &v
}

func rulesFrom(in *[]WeightRuleInput) []model.WeightRule {
	if in == nil {
		return nil
	}
	out := make([]model.WeightRule, len(*in))
	for i, r := range *in {
		out[i] = model.WeightRule{RoleID: r.RoleID, Bonus: int(r.Bonus)}
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// GiveawayResolver 抽奖解析器
type GiveawayResolver struct {
	g   *model.Giveaway
	svc *service.GiveawayService
}

func (r *GiveawayResolver) ID() graphql.ID           { return graphql.ID(r.g.ID) }
func (r *GiveawayResolver) Title() string            { return r.g.Title }
func (r *GiveawayResolver) ChannelID() string        { return r.g.ChannelID }
func (r *GiveawayResolver) MessageID() string        { return r.g.MessageID }
func (r *GiveawayResolver) BaseAmount() int32        { return int32(r.g.BaseAmount) }
func (r *GiveawayResolver) WinnerCount() int32       { return int32(r.g.WinnerCount) }
func (r *GiveawayResolver) CreatedBy() string        { return r.g.CreatedBy }
func (r *GiveawayResolver) CreatedAt() string        { return formatTime(r.g.CreatedAt) }
func (r *GiveawayResolver) ClosesAt() string         { return formatTime(r.g.ClosesAt) }
func (r *GiveawayResolver) Status() string           { return string(r.g.Status) }
func (r *GiveawayResolver) ServerSeedPublic() string { return r.g.ServerSeedPublic }

func (r *GiveawayResolver) Rules() []*WeightRuleResolver {
	return ruleResolvers(r.g.Rules)
}

func (r *GiveawayResolver) ClientSeed() *string {
	if r.g.ClientSeed == "" {
		return nil
	}
	return &r.g.ClientSeed
}

func (r *GiveawayResolver) Participants() int32 {
	participants, _ := draw.Totals(r.g)
	return int32(participants)
}

func (r *GiveawayResolver) TotalEntries() int32 {
	_, total := draw.Totals(r.g)
	return int32(total)
}

func (r *GiveawayResolver) Entries() []*EntryResolver {
	out := make([]*EntryResolver, len(r.g.Entries))
	for i := range r.g.Entries {
		out[i] = &EntryResolver{e: r.g.Entries[i]}
	}
	return out
}

func (r *GiveawayResolver) Winners() []*WinnerResolver {
	return winnerResolvers(r.g.Winners)
}

func (r *GiveawayResolver) DrawnAt() *string {
	if r.g.DrawnAt == nil {
		return nil
	}
	s := formatTime(*r.g.DrawnAt)
	return &s
}

func (r *GiveawayResolver) ScheduledAt() *string {
	at, ok := r.svc.ScheduledAt(r.g.ID)
	if !ok {
		return nil
	}
	s := formatTime(at)
	return &s
}

type WeightRuleResolver struct {
	rule model.WeightRule
}

func (r *WeightRuleResolver) RoleID() string { return r.rule.RoleID }
func (r *WeightRuleResolver) Bonus() int32   { return int32(r.rule.Bonus) }

func ruleResolvers(rules []model.WeightRule) []*WeightRuleResolver {
	out := make([]*WeightRuleResolver, len(rules))
	for i, rule := range rules {
		out[i] = &WeightRuleResolver{rule: rule}
	}
	return out
}

type EntryResolver struct {
	e model.Entry
}

func (r *EntryResolver) ParticipantID() string { return r.e.ParticipantID }
func (r *EntryResolver) DisplayName() string   { return r.e.DisplayName }
func (r *EntryResolver) JoinedAt() string      { return formatTime(r.e.JoinedAt) }
func (r *EntryResolver) Roles() []string {
	if r.e.Roles == nil {
		return []string{}
	}
	return r.e.Roles
}

type WinnerResolver struct {
	w model.WinnerRecord
}

func (r *WinnerResolver) ParticipantID() string { return r.w.ParticipantID }
func (r *WinnerResolver) DisplayName() string   { return r.w.DisplayName }
func (r *WinnerResolver) Score() float64        { return r.w.Score }
func (r *WinnerResolver) Digest() string        { return r.w.Digest }
func (r *WinnerResolver) RowIndex() int32       { return int32(r.w.RowIndex) }

func winnerResolvers(winners []model.WinnerRecord) []*WinnerResolver {
	out := make([]*WinnerResolver, len(winners))
	for i, w := range winners {
		out[i] = &WinnerResolver{w: w}
	}
	return out
}

type EntrantResolver struct {
	e model.EntrantSummary
}

func (r *EntrantResolver) ParticipantID() string { return r.e.ParticipantID }
func (r *EntrantResolver) DisplayName() string   { return r.e.DisplayName }
func (r *EntrantResolver) EntryCount() int32     { return int32(r.e.EntryCount) }
func (r *EntrantResolver) Scores() []float64 {
	if r.e.Scores == nil {
		return []float64{}
	}
	return r.e.Scores
}

// ReportResolver 开奖报告解析器
type ReportResolver struct {
	report *model.AuditReport
}

func (r *ReportResolver) ClientSeed() string    { return r.report.ClientSeed }
func (r *ReportResolver) TotalEntrants() int32  { return int32(r.report.TotalEntrants) }
func (r *ReportResolver) TotalEntryRows() int32 { return int32(r.report.TotalEntryRows) }

func (r *ReportResolver) Entrants() []*EntrantResolver {
	out := make([]*EntrantResolver, len(r.report.Entrants))
	for i, e := range r.report.Entrants {
		out[i] = &EntrantResolver{e: e}
	}
	return out
}

func (r *ReportResolver) Winners() []*WinnerResolver {
	return winnerResolvers(r.report.Winners)
}

type SetupResolver struct {
	setup *model.Setup
}

func (r *SetupResolver) ID() graphql.ID         { return graphql.ID(r.setup.ID) }
func (r *SetupResolver) Name() string           { return r.setup.Name }
func (r *SetupResolver) Title() string          { return r.setup.Title }
func (r *SetupResolver) GuildID() string        { return r.setup.GuildID }
func (r *SetupResolver) ChannelID() string      { return r.setup.ChannelID }
func (r *SetupResolver) BaseAmount() int32      { return int32(r.setup.BaseAmount) }
func (r *SetupResolver) DurationMinutes() int32 { return int32(r.setup.DurationMinutes) }
func (r *SetupResolver) WinnerCount() int32     { return int32(r.setup.WinnerCount) }
func (r *SetupResolver) CreatedAt() string      { return formatTime(r.setup.CreatedAt) }
func (r *SetupResolver) Rules() []*WeightRuleResolver {
	return ruleResolvers(r.setup.Rules)
}

// JoinResultResolver 报名结果解析器
type JoinResultResolver struct {
	result *service.JoinResult
}

func (r *JoinResultResolver) Weight() int32       { return int32(r.result.Weight) }
func (r *JoinResultResolver) Participants() int32 { return int32(r.result.Participants) }
func (r *JoinResultResolver) TotalEntries() int32 { return int32(r.result.TotalEntries) }
