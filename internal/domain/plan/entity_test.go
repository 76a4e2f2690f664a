package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModuleKeys(t *testing.T) {
	got := NormalizeModuleKeys([]string{" hr", "FINANCE", "Hr", "", "inv"})
	assert.Equal(t, []string{"FINANCE", "HR", "INV"}, got)
	assert.Empty(t, NormalizeModuleKeys(nil))
}

func TestCustomPlanName(t *testing.T) {
	assert.Equal(t, "Custom Yearly", CustomPlanName(CycleYearly))
	assert.Equal(t, "Custom Monthly", CustomPlanName(CycleMonthly))
}

func TestBillingCyclePeriodEnd(t *testing.T) {
	start := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 31, 10, 0, 0, 0, time.UTC), CycleYearly.PeriodEnd(start))
	assert.Equal(t, start.AddDate(0, 1, 0), CycleMonthly.PeriodEnd(start))
}

func TestParseCycle(t *testing.T) {
	c, ok := ParseCycle("yearly")
	assert.True(t, ok)
	assert.Equal(t, CycleYearly, c)

	_, ok = ParseCycle("weekly")
	assert.False(t, ok)
}

func TestModulePriceFor(t *testing.T) {
	m := Module{Key: "HR", MonthlyPrice: 100, YearlyPrice: 1000}
	assert.Equal(t, int64(1000), m.PriceFor(CycleYearly))
	assert.Equal(t, int64(100), m.PriceFor(CycleMonthly))
}
