// internal/provider/status.go
package provider

import (
	"strings"

	"billing-service/internal/domain/billing"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/pkg/metrics"

	"go.uber.org/zap"
)

// StatusTable maps a provider's subscription vocabulary onto the canonical states.
type StatusTable map[string]subscription.Status

// FallbackStatus is applied to statuses missing from a table. Unknown "good news"
// statuses must not lock out a paying tenant.
const FallbackStatus = subscription.StatusActive

// Map returns the canonical status for raw and whether raw was in the table.
func (t StatusTable) Map(raw string) (subscription.Status, bool) {
	s, ok := t[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return FallbackStatus, false
	}
	return s, true
}

// Resolve maps raw and reports unmapped statuses through logs and metrics.
func (t StatusTable) Resolve(p billing.Provider, raw string, logger *zap.Logger) subscription.Status {
	s, ok := t.Map(raw)
	if !ok && raw != "" {
		metrics.UnmappedProviderStatus.WithLabelValues(string(p), raw).Inc()
		if logger != nil {
			logger.Warn("unmapped provider subscription status, defaulting to ACTIVE",
				zap.String("provider", string(p)),
				zap.String("status", raw),
			)
		}
	}
	return s
}
