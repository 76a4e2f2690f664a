// internal/domain/subscription/dto.go
package subscription

type PlanChangeRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Provider string `json:"provider"`
}

type PlanChangeResponse struct {
	SubscriptionID string `json:"subscription_id"`
	TargetPlanID   string `json:"target_plan_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	CheckoutURL    string `json:"checkout_url,omitempty"`
	OrderID        string `json:"order_id,omitempty"`
}

type CancelRequest struct {
	AtPeriodEnd bool   `json:"at_period_end"`
	Reason      string `json:"reason"`
}

// View is the read model returned to tenants.
type View struct {
	Subscription *Subscription `json:"subscription"`
	Items        []Item        `json:"items"`
	PlanName     string        `json:"plan_name"`
}
