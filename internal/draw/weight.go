package draw

import (
	"github.com/lvdashuaibi/fairdraw/internal/model"
)

// WeightFor 计算参与者的抽奖行数。
// 多个角色命中时只取最高的额外权重，不累加；结果最少为1。
func WeightFor(baseAmount int, roles []string, rules []model.WeightRule) int {
	bonusByRole := make(map[string]int, len(rules))
	for _, r := range rules {
		if r.RoleID == "" {
			continue
		}
		bonusByRole[r.RoleID] = r.Bonus
	}

	maxBonus, matched := 0, false
	for _, role := range roles {
		bonus, ok := bonusByRole[role]
		if !ok {
			continue
		}
		if !matched || bonus > maxBonus {
			maxBonus, matched = bonus, true
		}
	}

	weight := baseAmount + maxBonus
	if weight < 1 {
		return 1
	}
	return weight
}

// Totals 返回参与人数与总抽奖行数
func Totals(g *model.Giveaway) (participants int, totalEntries int) {
	for _, e := range g.Entries {
		participants++
		totalEntries += WeightFor(g.BaseAmount, e.Roles, g.Rules)
	}
	return participants, totalEntries
}
