// internal/domain/plan/entity.go
package plan

import (
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// ParseCycle accepts the cycle in any case.
func ParseCycle(s string) (BillingCycle, bool) {
	switch BillingCycle(strings.ToUpper(strings.TrimSpace(s))) {
	case CycleMonthly:
		return CycleMonthly, true
	case CycleYearly:
		return CycleYearly, true
	}
	return "", false
}

// PeriodEnd returns the end of a billing period starting at start.
func (c BillingCycle) PeriodEnd(start time.Time) time.Time {
	if c == CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is a catalog or custom plan. Name is unique.
type Plan struct {
	ID           string         `json:"id" db:"id"`
	Name         string         `json:"name" db:"name"`
	BillingCycle BillingCycle   `json:"billing_cycle" db:"billing_cycle"`
	BasePrice    int64          `json:"base_price" db:"base_price"`
	Currency     string         `json:"currency" db:"currency"`
	Modules      pq.StringArray `json:"modules" db:"modules"`
	IsCustom     bool           `json:"is_custom" db:"is_custom"`
	IsPublic     bool           `json:"is_public" db:"is_public"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Module is a sellable product module priced per billing cycle.
type Module struct {
	Key          string    `json:"key" db:"key"`
	Name         string    `json:"name" db:"name"`
	MonthlyPrice int64     `json:"monthly_price" db:"monthly_price"`
	YearlyPrice  int64     `json:"yearly_price" db:"yearly_price"`
	Currency     string    `json:"currency" db:"currency"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PriceFor returns the module price for the cycle in minor units.
func (m Module) PriceFor(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return m.YearlyPrice
	}
	return m.MonthlyPrice
}

// CustomPlanName is the deterministic name of the lazily created custom plan for a cycle.
func CustomPlanName(cycle BillingCycle) string {
	if cycle == CycleYearly {
		return "Custom Yearly"
	}
	return "Custom Monthly"
}

// NormalizeModuleKeys upper-cases, trims, dedupes and sorts module keys.
func NormalizeModuleKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToUpper(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
