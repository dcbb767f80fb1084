package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/fairdraw/config"
	"github.com/lvdashuaibi/fairdraw/internal/model"
	"github.com/sirupsen/logrus"
)

// mysqlDuplicateKey ER_DUP_ENTRY
const mysqlDuplicateKey = 1062

const giveawayColumns = `id, title, channel_id, message_id, base_amount, rules, winner_count, created_by,
	created_at, closes_at, status, server_seed, client_seed, winners, report, drawn_at`

// MySQLRepository 主库写、从库读；开奖相关读取走主库保证读到自己的写入
type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	log      logrus.FieldLogger
}

func NewMySQLRepository(log logrus.FieldLogger) (*MySQLRepository, error) {
	cfg := config.AppConfig.MySQL

	masterDB, err := openDB(cfg.Master, cfg)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}
	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" && cfg.Slave != cfg.Master {
		slaveDB, err = openDB(cfg.Slave, cfg)
		if err != nil {
			masterDB.Close()
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}
		if err = slaveDB.Ping(); err != nil {
			log.WithError(err).Warn("从数据库连接测试失败，将使用主数据库代替")
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return NewMySQLRepositoryWithDB(masterDB, slaveDB, log), nil
}

// NewMySQLRepositoryWithDB 使用已有连接创建仓库，slave 为空时读写都走主库
func NewMySQLRepositoryWithDB(master, slave *sql.DB, log logrus.FieldLogger) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{
		masterDB: master,
		slaveDB:  slave,
		log:      log.WithField("component", "mysql"),
	}
}

func openDB(dsn string, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// EnsureSchema 建表，已存在则跳过
func (r *MySQLRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化表结构失败: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGiveaway(row rowScanner) (*model.Giveaway, error) {
	var (
		g                           model.Giveaway
		status                      string
		rules                       string
		clientSeed, winners, report sql.NullString
		drawnAt                     sql.NullTime
	)
	err := row.Scan(&g.ID, &g.Title, &g.ChannelID, &g.MessageID, &g.BaseAmount, &rules, &g.WinnerCount,
		&g.CreatedBy, &g.CreatedAt, &g.ClosesAt, &status, &g.ServerSeedPublic,
		&clientSeed, &winners, &report, &drawnAt)
	if err != nil {
		return nil, err
	}
	g.Status = model.Status(status)
	g.ClientSeed = clientSeed.String

	if err := unmarshalColumn(rules, &g.Rules); err != nil {
		return nil, fmt.Errorf("解析权重规则失败: %w", err)
	}
	if winners.Valid {
		if err := unmarshalColumn(winners.String, &g.Winners); err != nil {
			return nil, fmt.Errorf("解析中奖者失败: %w", err)
		}
	}
	if report.Valid && report.String != "" {
		var rep model.AuditReport
		if err := json.Unmarshal([]byte(report.String), &rep); err != nil {
			return nil, fmt.Errorf("解析开奖报告失败: %w", err)
		}
		g.Report = &rep
	}
	if drawnAt.Valid {
		t := drawnAt.Time
		g.DrawnAt = &t
	}
	return &g, nil
}

func unmarshalColumn(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

// Load 列表查询走从库
func (r *MySQLRepository) Load(ctx context.Context) ([]*model.Giveaway, error) {
	rows, err := r.slaveDB.QueryContext(ctx, "SELECT "+giveawayColumns+" FROM giveaways ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("查询抽奖列表失败: %w", err)
	}
	defer rows.Close()

	var (
		out   []*model.Giveaway
		index = make(map[string]*model.Giveaway)
	)
	for rows.Next() {
		g, err := scanGiveaway(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描抽奖失败: %w", err)
		}
		out = append(out, g)
		index[g.ID] = g
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代抽奖失败: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	entryRows, err := r.slaveDB.QueryContext(ctx,
		"SELECT giveaway_id, participant_id, display_name, joined_at, roles FROM giveaway_entries ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("查询报名记录失败: %w", err)
	}
	defer entryRows.Close()

	for entryRows.Next() {
		var gid string
		e, err := scanEntry(entryRows, &gid)
		if err != nil {
			return nil, err
		}
		if g, ok := index[gid]; ok {
			g.Entries = append(g.Entries, e)
		}
	}
	if err := entryRows.Err(); err != nil {
		return nil, fmt.Errorf("迭代报名记录失败: %w", err)
	}
	return out, nil
}

func scanEntry(row rowScanner, giveawayID *string) (model.Entry, error) {
	var (
		e     model.Entry
		roles string
	)
	if err := row.Scan(giveawayID, &e.ParticipantID, &e.DisplayName, &e.JoinedAt, &roles); err != nil {
		return e, fmt.Errorf("扫描报名记录失败: %w", err)
	}
	if err := unmarshalColumn(roles, &e.Roles); err != nil {
		return e, fmt.Errorf("解析角色快照失败: %w", err)
	}
	return e, nil
}

// Get 读取主库
func (r *MySQLRepository) Get(ctx context.Context, id string) (*model.Giveaway, error) {
	g, err := scanGiveaway(r.masterDB.QueryRowContext(ctx,
		"SELECT "+giveawayColumns+" FROM giveaways WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("查询抽奖失败: %w", err)
	}

	rows, err := r.masterDB.QueryContext(ctx,
		"SELECT giveaway_id, participant_id, display_name, joined_at, roles FROM giveaway_entries WHERE giveaway_id = ? ORDER BY seq", id)
	if err != nil {
		return nil, fmt.Errorf("查询报名记录失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var gid string
		e, err := scanEntry(rows, &gid)
		if err != nil {
			return nil, err
		}
		g.Entries = append(g.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代报名记录失败: %w", err)
	}
	return g, nil
}

func (r *MySQLRepository) Append(ctx context.Context, g *model.Giveaway) error {
	rules, err := json.Marshal(nonNilRules(g.Rules))
	if err != nil {
		return fmt.Errorf("序列化权重规则失败: %w", err)
	}

	_, err = r.masterDB.ExecContext(ctx, `INSERT INTO giveaways
		(id, title, channel_id, message_id, base_amount, rules, winner_count, created_by, created_at, closes_at, status, server_seed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.ChannelID, g.MessageID, g.BaseAmount, string(rules), g.WinnerCount,
		g.CreatedBy, g.CreatedAt, g.ClosesAt, string(g.Status), g.ServerSeedPublic)
	if err != nil {
		return fmt.Errorf("保存抽奖失败: %w", err)
	}
	return nil
}

func (r *MySQLRepository) Replace(ctx context.Context, g *model.Giveaway) error {
	rules, err := json.Marshal(nonNilRules(g.Rules))
	if err != nil {
		return fmt.Errorf("序列化权重规则失败: %w", err)
	}

	res, err := r.masterDB.ExecContext(ctx, `UPDATE giveaways SET
		title = ?, channel_id = ?, message_id = ?, base_amount = ?, rules = ?, winner_count = ?, closes_at = ?
		WHERE id = ? AND status = ?`,
		g.Title, g.ChannelID, g.MessageID, g.BaseAmount, string(rules), g.WinnerCount, g.ClosesAt,
		g.ID, string(model.StatusOpen))
	if err != nil {
		return fmt.Errorf("更新抽奖失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if affected > 0 {
		return nil
	}

	status, err := r.status(ctx, g.ID)
	if err != nil {
		return err
	}
	if status != model.StatusOpen {
		return fmt.Errorf("抽奖 %s: %w", g.ID, ErrClosed)
	}
	// 内容未变化时 MySQL 返回0行
	return nil
}

// AddEntry 锁定抽奖行后检查状态与截止时间再插入
func (r *MySQLRepository) AddEntry(ctx context.Context, id string, entry model.Entry) error {
	roles, err := json.Marshal(nonNilRoles(entry.Roles))
	if err != nil {
		return fmt.Errorf("序列化角色失败: %w", err)
	}

	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	var (
		status   string
		closesAt time.Time
	)
	err = tx.QueryRowContext(ctx, "SELECT status, closes_at FROM giveaways WHERE id = ? FOR UPDATE", id).
		Scan(&status, &closesAt)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("查询抽奖状态失败: %w", err)
	}

	if model.Status(status) != model.StatusOpen || !entry.JoinedAt.Before(closesAt) {
		tx.Rollback()
		return fmt.Errorf("抽奖 %s: %w", id, ErrClosed)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO giveaway_entries (giveaway_id, participant_id, display_name, joined_at, roles) VALUES (?, ?, ?, ?, ?)",
		id, entry.ParticipantID, entry.DisplayName, entry.JoinedAt, string(roles))
	if err != nil {
		tx.Rollback()
		if isDuplicateKey(err) {
			return fmt.Errorf("参与者 %s: %w", entry.ParticipantID, ErrDuplicateEntry)
		}
		return fmt.Errorf("保存报名记录失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (r *MySQLRepository) MarkClosed(ctx context.Context, id string) (bool, error) {
	res, err := r.masterDB.ExecContext(ctx, "UPDATE giveaways SET status = ? WHERE id = ? AND status = ?",
		string(model.StatusClosed), id, string(model.StatusOpen))
	if err != nil {
		return false, fmt.Errorf("关闭抽奖失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取更新结果失败: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := r.status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CommitDraw 只有 closed 状态可以提交，并发提交时只有一个成功
func (r *MySQLRepository) CommitDraw(ctx context.Context, id string, outcome model.DrawOutcome) error {
	winners, err := json.Marshal(outcome.Winners)
	if err != nil {
		return fmt.Errorf("序列化中奖者失败: %w", err)
	}
	report, err := json.Marshal(outcome.Report)
	if err != nil {
		return fmt.Errorf("序列化开奖报告失败: %w", err)
	}

	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM giveaways WHERE id = ? FOR UPDATE", id).Scan(&status)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("查询抽奖状态失败: %w", err)
	}
	switch model.Status(status) {
	case model.StatusDrawn:
		tx.Rollback()
		return fmt.Errorf("抽奖 %s: %w", id, ErrAlreadyDrawn)
	case model.StatusOpen:
		tx.Rollback()
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotClosed)
	}

	_, err = tx.ExecContext(ctx, `UPDATE giveaways SET
		status = ?, client_seed = ?, winners = ?, report = ?, drawn_at = ?
		WHERE id = ? AND status <> ?`,
		string(model.StatusDrawn), outcome.ClientSeed, string(winners), string(report), outcome.DrawnAt,
		id, string(model.StatusDrawn))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("保存开奖结果失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	r.log.WithFields(logrus.Fields{"giveaway": id, "winners": len(outcome.Winners)}).Info("开奖结果已保存")
	return nil
}

func (r *MySQLRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始事务失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM giveaway_entries WHERE giveaway_id = ?", id); err != nil {
		tx.Rollback()
		return fmt.Errorf("删除报名记录失败: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM giveaways WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("删除抽奖失败: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		tx.Rollback()
		return fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

func (r *MySQLRepository) status(ctx context.Context, id string) (model.Status, error) {
	var status string
	err := r.masterDB.QueryRowContext(ctx, "SELECT status FROM giveaways WHERE id = ?", id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("抽奖 %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("查询抽奖状态失败: %w", err)
	}
	return model.Status(status), nil
}

func (r *MySQLRepository) CreateSetup(ctx context.Context, s *model.Setup) error {
	rules, err := json.Marshal(nonNilRules(s.Rules))
	if err != nil {
		return fmt.Errorf("序列化权重规则失败: %w", err)
	}
	_, err = r.masterDB.ExecContext(ctx, `INSERT INTO giveaway_setups
		(id, name, title, guild_id, channel_id, base_amount, duration_minutes, winner_count, rules, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Title, s.GuildID, s.ChannelID, s.BaseAmount, s.DurationMinutes, s.WinnerCount,
		string(rules), s.CreatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("模板 %s: %w", s.Name, ErrSetupExists)
		}
		return fmt.Errorf("保存模板失败: %w", err)
	}
	return nil
}

const setupColumns = "id, name, title, guild_id, channel_id, base_amount, duration_minutes, winner_count, rules, created_at"

func scanSetup(row rowScanner) (*model.Setup, error) {
	var (
		s     model.Setup
		rules string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Title, &s.GuildID, &s.ChannelID, &s.BaseAmount,
		&s.DurationMinutes, &s.WinnerCount, &rules, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(rules, &s.Rules); err != nil {
		return nil, fmt.Errorf("解析权重规则失败: %w", err)
	}
	return &s, nil
}

func (r *MySQLRepository) ListSetups(ctx context.Context, guildID string) ([]*model.Setup, error) {
	query := "SELECT " + setupColumns + " FROM giveaway_setups"
	var args []any
	if guildID != "" {
		query += " WHERE guild_id = ?"
		args = append(args, guildID)
	}
	query += " ORDER BY guild_id, name"

	rows, err := r.slaveDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	defer rows.Close()

	var out []*model.Setup
	for rows.Next() {
		s, err := scanSetup(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描模板失败: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代模板失败: %w", err)
	}
	return out, nil
}

func (r *MySQLRepository) FindSetup(ctx context.Context, guildID, name string) (*model.Setup, error) {
	s, err := scanSetup(r.slaveDB.QueryRowContext(ctx,
		"SELECT "+setupColumns+" FROM giveaway_setups WHERE guild_id = ? AND name = ?", guildID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("模板 %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return s, nil
}

func (r *MySQLRepository) DeleteSetup(ctx context.Context, id string) error {
	res, err := r.masterDB.ExecContext(ctx, "DELETE FROM giveaway_setups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("删除模板失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取删除结果失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("模板 %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateKey
}

func nonNilRules(rules []model.WeightRule) []model.WeightRule {
	if rules == nil {
		return []model.WeightRule{}
	}
	return rules
}

func nonNilRoles(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}
