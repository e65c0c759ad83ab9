package models

import "time"

// SubscriptionStatus is the processor-side subscription lifecycle status.
type SubscriptionStatus string

const (
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
)

// SubscriptionItem is one line item of a processor subscription. Period ends
// can differ between items of the same subscription.
type SubscriptionItem struct {
	ID               string     `json:"id"`
	PriceID          string     `json:"price_id"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// Subscription is a transient snapshot of processor subscription state, taken
// either from a webhook payload or from a live API fetch. It is never
// persisted as its own entity; reconciliation folds it into the User record.
type Subscription struct {
	ID                string             `json:"id"`
	CustomerID        string             `json:"customer_id"`
	Status            SubscriptionStatus `json:"status"`
	Items             []SubscriptionItem `json:"items"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}
