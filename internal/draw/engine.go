// Package draw 实现可验证的加权抽奖：权重展开、HMAC打分、排序与去重选取。
//
// 打分方式固定为 HMAC-SHA256(key=serverSeedPublic, msg="participantId:clientSeed:index")，
// 取摘要前52位除以2^52得到[0,1)的分数。任何人拿到报告中的输入都能逐字节复算结果。
package draw

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/lvdashuaibi/fairdraw/internal/model"
)

const (
	scoreHexDigits = 13 // 52 bits
	scoreDenom     = float64(1 << 52)
)

var (
	// ErrEmptySeed 缺少客户端种子时不允许开奖
	ErrEmptySeed = errors.New("客户端种子为空")
	// ErrEmptyServerSeed 缺少公开服务端种子
	ErrEmptyServerSeed = errors.New("服务端种子为空")
)

// Input 一次开奖的全部输入
type Input struct {
	Entries          []model.Entry
	Rules            []model.WeightRule
	BaseAmount       int
	ClientSeed       string
	ServerSeedPublic string
	WinnerCount      int
}

// Result 开奖结果；Rows 为排序后的全部行，供详情展示使用
type Result struct {
	Report model.AuditReport
	Rows   []model.ScoredRow
}

// Digest 计算单行的 HMAC-SHA256 十六进制摘要
func Digest(serverSeed, participantID, clientSeed string, index int) string {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(participantID + ":" + clientSeed + ":" + strconv.Itoa(index)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ScoreFromDigest 将摘要前52位映射为[0,1)的分数
func ScoreFromDigest(digest string) (float64, error) {
	if len(digest) < scoreHexDigits {
		return 0, fmt.Errorf("摘要长度不足: %d", len(digest))
	}
	n, err := strconv.ParseUint(digest[:scoreHexDigits], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("解析摘要失败: %w", err)
	}
	return float64(n) / scoreDenom, nil
}

// ExpandRows 按权重为单个参与者生成打分行
func ExpandRows(serverSeed, clientSeed string, entry model.Entry, weight int) ([]model.ScoredRow, error) {
	rows := make([]model.ScoredRow, 0, weight)
	for i := 0; i < weight; i++ {
		digest := Digest(serverSeed, entry.ParticipantID, clientSeed, i)
		score, err := ScoreFromDigest(digest)
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.ScoredRow{
			ParticipantID: entry.ParticipantID,
			DisplayName:   entry.DisplayName,
			Index:         i,
			Digest:        digest,
			Score:         score,
		})
	}
	return rows, nil
}

// Run 执行开奖。没有参与者时返回零个中奖者，不视为错误。
func Run(in Input) (*Result, error) {
	if in.ClientSeed == "" {
		return nil, ErrEmptySeed
	}
	if in.ServerSeedPublic == "" {
		return nil, ErrEmptyServerSeed
	}

	var rows []model.ScoredRow
	entrants := make([]model.EntrantSummary, 0, len(in.Entries))

	for _, entry := range in.Entries {
		weight := WeightFor(in.BaseAmount, entry.Roles, in.Rules)
		userRows, err := ExpandRows(in.ServerSeedPublic, in.ClientSeed, entry, weight)
		if err != nil {
			return nil, fmt.Errorf("生成参与者 %s 的抽奖行失败: %w", entry.ParticipantID, err)
		}

		scores := make([]float64, len(userRows))
		for i, r := range userRows {
			scores[i] = r.Score
		}
		entrants = append(entrants, model.EntrantSummary{
			ParticipantID: entry.ParticipantID,
			DisplayName:   entry.DisplayName,
			EntryCount:    weight,
			Scores:        scores,
		})
		rows = append(rows, userRows...)
	}

	// 分数降序，相同分数保持原始行顺序
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Score > rows[j].Score
	})

	winners := selectWinners(rows, in.WinnerCount)

	return &Result{
		Report: model.AuditReport{
			ClientSeed:     in.ClientSeed,
			TotalEntrants:  len(in.Entries),
			TotalEntryRows: len(rows),
			Entrants:       entrants,
			Winners:        winners,
		},
		Rows: rows,
	}, nil
}

// selectWinners 依次取每个参与者的第一行，同一参与者最多中奖一次
func selectWinners(rows []model.ScoredRow, needed int) []model.WinnerRecord {
	winners := make([]model.WinnerRecord, 0, needed)
	if needed <= 0 {
		return winners
	}

	seen := make(map[string]struct{})
	for _, row := range rows {
		if _, ok := seen[row.ParticipantID]; ok {
			continue
		}
		seen[row.ParticipantID] = struct{}{}
		winners = append(winners, model.WinnerRecord{
			ParticipantID: row.ParticipantID,
			DisplayName:   row.DisplayName,
			Score:         row.Score,
			Digest:        row.Digest,
			RowIndex:      row.Index,
		})
		if len(winners) >= needed {
			break
		}
	}
	return winners
}

// SameWinners 比较两组中奖者是否完全一致（顺序、参与者、摘要）
func SameWinners(a, b []model.WinnerRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ParticipantID != b[i].ParticipantID || a[i].Digest != b[i].Digest || a[i].RowIndex != b[i].RowIndex {
			return false
		}
	}
	return true
}
