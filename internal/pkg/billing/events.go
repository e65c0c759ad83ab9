package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quillchat/quillchat/app/models"
)

// Event types this engine reacts to. Everything else is acknowledged and
// ignored so unexpected processor events never fail a delivery.
const (
	EventTypeCheckoutSessionCompleted = "checkout.session.completed"
	EventTypeSubscriptionCreated      = "customer.subscription.created"
	EventTypeSubscriptionUpdated      = "customer.subscription.updated"
	EventTypeSubscriptionDeleted      = "customer.subscription.deleted"
	EventTypeInvoicePaid              = "invoice.paid"
	EventTypeInvoicePaymentFailed     = "invoice.payment_failed"
)

// EventPayload is the closed set of decoded webhook payloads. The sealed
// marker method keeps the dispatch switch exhaustively checkable.
type EventPayload interface {
	isEventPayload()
}

// CheckoutCompletedPayload carries the completed checkout session.
type CheckoutCompletedPayload struct {
	Session CheckoutSession
}

// SubscriptionChangePayload carries a created/updated subscription snapshot.
// The snapshot is authoritative for this subscription's own fields only.
type SubscriptionChangePayload struct {
	Subscription models.Subscription
}

// SubscriptionDeletedPayload carries the deleted subscription snapshot.
type SubscriptionDeletedPayload struct {
	Subscription models.Subscription
}

// InvoicePayload is observed for logging only; subscription-status events are
// the entitlement source of truth.
type InvoicePayload struct {
	InvoiceID  string
	CustomerID string
	Paid       bool
}

// UnknownPayload marks an event type this engine does not handle.
type UnknownPayload struct{}

func (CheckoutCompletedPayload) isEventPayload()   {}
func (SubscriptionChangePayload) isEventPayload()  {}
func (SubscriptionDeletedPayload) isEventPayload() {}
func (InvoicePayload) isEventPayload()             {}
func (UnknownPayload) isEventPayload()             {}

// Event is a decoded webhook delivery.
type Event struct {
	ID      string
	Type    string
	Payload EventPayload
}

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook body into a typed Event.
func ParseEvent(raw []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if strings.TrimSpace(env.ID) == "" {
		return nil, errors.New("event is missing an id")
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, errors.New("event is missing a type")
	}

	ev := &Event{ID: env.ID, Type: env.Type}

	switch env.Type {
	case EventTypeCheckoutSessionCompleted:
		cs, err := decodeCheckoutSession(env.Data.Object)
		if err != nil {
			return nil, fmt.Errorf("invalid checkout session payload: %w", err)
		}
		ev.Payload = CheckoutCompletedPayload{Session: *cs}

	case EventTypeSubscriptionCreated, EventTypeSubscriptionUpdated:
		sub, err := decodeSubscription(env.Data.Object)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription payload: %w", err)
		}
		ev.Payload = SubscriptionChangePayload{Subscription: *sub}

	case EventTypeSubscriptionDeleted:
		sub, err := decodeSubscription(env.Data.Object)
		if err != nil {
			return nil, fmt.Errorf("invalid subscription payload: %w", err)
		}
		ev.Payload = SubscriptionDeletedPayload{Subscription: *sub}

	case EventTypeInvoicePaid, EventTypeInvoicePaymentFailed:
		var inv struct {
			ID       string     `json:"id"`
			Customer expandable `json:"customer"`
		}
		if err := json.Unmarshal(env.Data.Object, &inv); err != nil {
			return nil, fmt.Errorf("invalid invoice payload: %w", err)
		}
		ev.Payload = InvoicePayload{
			InvoiceID:  inv.ID,
			CustomerID: inv.Customer.ID,
			Paid:       env.Type == EventTypeInvoicePaid,
		}

	default:
		ev.Payload = UnknownPayload{}
	}

	return ev, nil
}
