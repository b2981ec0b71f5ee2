// Package commission turns mirrored deposits into affiliate commissions.
package commission

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"panelsync.org/internal/ledger"
	"panelsync.org/internal/money"
)

// SelectContract picks the contract that applies to a deposit of tenantID
// made at the given time. Candidates must be active, scoped to the tenant
// (or to every tenant) and cover at. Among them, dated contracts beat
// open-ended ones, then the latest start wins, then the highest base percent,
// then the lowest id.
func SelectContract(contracts []ledger.Contract, tenantID string, at time.Time) (ledger.Contract, bool) {
	var candidates []ledger.Contract
	for _, c := range contracts {
		if !c.Active {
			continue
		}
		if c.TenantID != "" && c.TenantID != tenantID {
			continue
		}
		if !c.Covers(at) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return ledger.Contract{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.StartDate != nil) != (b.StartDate != nil) {
			return a.StartDate != nil
		}
		if a.StartDate != nil && !a.StartDate.Equal(*b.StartDate) {
			return a.StartDate.After(*b.StartDate)
		}
		if cmp := a.BasePercent.Cmp(b.BasePercent); cmp != 0 {
			return cmp > 0
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// Pays reports whether the contract pays for the deposit at all.
func Pays(c ledger.Contract, d ledger.Deposit) bool {
	return !c.FirstDepositOnly() || d.IsFirst
}

// Amount is deposit * (base + bonus) / 100 rounded to the nearest cent.
func Amount(deposit money.Cents, c ledger.Contract, bonus decimal.Decimal) money.Cents {
	return deposit.Percent(c.BasePercent.Add(bonus))
}
