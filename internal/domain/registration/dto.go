// internal/domain/registration/dto.go
package registration

import "time"

type StartRequest struct {
	Email         string   `json:"email" binding:"required,email"`
	Password      string   `json:"password" binding:"required,min=8"`
	CompanyName   string   `json:"company_name" binding:"required,max=255"`
	PlanID        string   `json:"plan_id"`
	CustomModules []string `json:"custom_modules"`
	BillingCycle  string   `json:"billing_cycle" binding:"required"`
	Provider      string   `json:"provider" binding:"required"`
	Currency      string   `json:"currency"`
}

type StartResponse struct {
	PendingRegistrationID string    `json:"pending_registration_id"`
	PlanID                string    `json:"plan_id"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	ExpiresAt             time.Time `json:"expires_at"`
	CheckoutURL           string    `json:"checkout_url,omitempty"`
	OrderID               string    `json:"order_id,omitempty"`
}

// FinalizeRequest is the client-side confirmation after checkout.
type FinalizeRequest struct {
	Provider  string `json:"provider"`
	PaymentID string `json:"payment_id" binding:"required"`
}

type FinalizeResponse struct {
	TenantID       string    `json:"tenant_id"`
	SubscriptionID string    `json:"subscription_id"`
	AccessToken    string    `json:"access_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type StatusResponse struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	ExpiresAt time.Time  `json:"expires_at"`
	TenantID  *string    `json:"tenant_id,omitempty"`
	Completed *time.Time `json:"completed_at,omitempty"`
}
