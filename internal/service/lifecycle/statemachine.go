// internal/service/lifecycle/statemachine.go
package lifecycle

import (
	"fmt"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/webhook"
	xerrors "billing-service/internal/pkg/errors"
)

var transitions = map[subscription.Status][]subscription.Status{
	subscription.StatusTrialing: {subscription.StatusActive, subscription.StatusPastDue, subscription.StatusCanceled},
	subscription.StatusActive:   {subscription.StatusPastDue, subscription.StatusCanceled},
	subscription.StatusPastDue:  {subscription.StatusActive, subscription.StatusCanceled},
}

// CanTransition reports whether from may move to to. Staying put is always
// allowed except for invalid states; CANCELED is terminal.
func CanTransition(from, to subscription.Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next validates from -> to and reports whether the status changes.
func Next(from, to subscription.Status) (subscription.Status, bool, error) {
	if !CanTransition(from, to) {
		return from, false, fmt.Errorf("%s -> %s: %w", from, to, xerrors.ErrIllegalTransition)
	}
	return to, from != to, nil
}

// targetStatus is the status an event drives the subscription toward.
// ok is false when the event carries no status change.
func targetStatus(ev *webhook.NormalizedEvent, current subscription.Status) (subscription.Status, bool) {
	switch ev.Kind {
	case webhook.KindPaymentSucceeded, webhook.KindInvoicePaid, webhook.KindCheckoutCompleted, webhook.KindSubscriptionActivated:
		return subscription.StatusActive, true
	case webhook.KindInvoicePaymentFailed, webhook.KindSubscriptionPastDue:
		return subscription.StatusPastDue, true
	case webhook.KindSubscriptionCanceled:
		return subscription.StatusCanceled, true
	case webhook.KindSubscriptionUpdated:
		if ev.Status.Valid() {
			return ev.Status, true
		}
	}
	return current, false
}
