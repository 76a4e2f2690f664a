// internal/middleware/module_middleware.go
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"billing-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ModuleChecker answers whether a tenant has a module enabled.
type ModuleChecker interface {
	HasModule(ctx context.Context, tenantID, key string) (bool, error)
}

type ModuleMiddleware struct {
	checker ModuleChecker
	logger  *zap.Logger
}

func NewModuleMiddleware(checker ModuleChecker, logger *zap.Logger) *ModuleMiddleware {
	return &ModuleMiddleware{checker: checker, logger: logger}
}

// RequireModule rejects tenants whose entitlements lack key.
// MUST be used after Auth() middleware
func (m *ModuleMiddleware) RequireModule(key string) gin.HandlerFunc {
	key = strings.ToUpper(key)
	return func(c *gin.Context) {
		tenantID, ok := GetTenantID(c)
		if !ok || tenantID == "" {
			response.Error(c, http.StatusUnauthorized, "authentication required", nil)
			return
		}

		enabled, err := m.checker.HasModule(c.Request.Context(), tenantID, key)
		if err != nil {
			m.logger.Error("module check failed", zap.String("tenant_id", tenantID), zap.String("module", key), zap.Error(err))
			response.Error(c, http.StatusInternalServerError, "failed to check entitlements", err)
			return
		}
		if !enabled {
			response.Error(c, http.StatusForbidden, "module not enabled", fmt.Errorf("module %s is not part of the subscription", key), map[string]interface{}{
				"module": key,
			})
			return
		}

		c.Next()
	}
}
