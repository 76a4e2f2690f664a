// internal/middleware/helpers.go
package middleware

import "github.com/gin-gonic/gin"

// GetTenantID returns the authenticated tenant.
func GetTenantID(c *gin.Context) (string, bool) {
	return getString(c, KeyTenantID)
}

// MustGetTenantID gets tenant ID from context or panics
func MustGetTenantID(c *gin.Context) string {
	tenantID, ok := GetTenantID(c)
	if !ok || tenantID == "" {
		panic("tenant_id not found in context")
	}
	return tenantID
}

func GetUserID(c *gin.Context) (string, bool) {
	return getString(c, KeyUserID)
}

// GetRoles gets user roles from context
func GetRoles(c *gin.Context) []string {
	roles, exists := c.Get(KeyRoles)
	if !exists {
		return []string{}
	}

	rolesList, ok := roles.([]string)
	if !ok {
		return []string{}
	}

	return rolesList
}

// IsAuthenticated checks if request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(KeyTenantID)
	return exists
}

func getString(c *gin.Context, key string) (string, bool) {
	v, exists := c.Get(key)
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
