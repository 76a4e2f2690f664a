// internal/domain/tenant/entity.go
package tenant

import "time"

type Status string

const (
	StatusActive Status = "ACTIVE"
	// StatusOrphaned flags a tenant the reconciler could not relink.
	StatusOrphaned Status = "ORPHANED"
)

type Role string

const RoleAdmin Role = "ADMIN"

// Tenant is the organization root. ID is immutable, Name is not.
type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type User struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         Role      `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
