package billing

import (
	"context"
	"errors"

	"github.com/quillchat/quillchat/app/models"
)

// ErrNotFound is returned by ProcessorClient implementations when the
// processor reports the referenced resource does not exist.
var ErrNotFound = errors.New("billing: resource not found")

// PaymentStatus is the checkout session payment state reported by the processor.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

// Customer is the processor-side customer record linked to a local user.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CheckoutSession is a snapshot of a processor-hosted checkout session. The
// embedded subscription is only populated when fetched with expansion.
type CheckoutSession struct {
	ID                string               `json:"id"`
	URL               string               `json:"url"`
	CustomerID        string               `json:"customer_id"`
	SubscriptionID    string               `json:"subscription_id"`
	Subscription      *models.Subscription `json:"subscription,omitempty"`
	ClientReferenceID string               `json:"client_reference_id"`
	PaymentStatus     PaymentStatus        `json:"payment_status"`
	Metadata          map[string]string    `json:"metadata,omitempty"`
}

// PortalSession is a processor-hosted self-service billing portal session.
type PortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	CustomerID        string
	PriceID           string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	UserID            string
	IdempotencyKey    string
}

// ProcessorClient is the injected payment-processor dependency. The concrete
// Stripe client lives in stripe.go; tests substitute a fake.
type ProcessorClient interface {
	CreateCustomer(ctx context.Context, email, userID, idempotencyKey string) (*Customer, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	ResolvePriceID(ctx context.Context, lookupKey string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL, idempotencyKey string) (*PortalSession, error)
}
