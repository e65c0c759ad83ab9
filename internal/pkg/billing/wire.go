package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/quillchat/quillchat/app/models"
)

// Wire shapes for the processor's JSON API. Expandable references (customer,
// subscription) arrive either as a bare id string or as a full object; the
// expandable type accepts both.

type expandable struct {
	ID  string
	Raw json.RawMessage
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &e.ID)
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return err
	}
	e.ID = probe.ID
	e.Raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

type subscriptionItemWire struct {
	ID               string `json:"id"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Price            struct {
		ID string `json:"id"`
	} `json:"price"`
}

type subscriptionWire struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []subscriptionItemWire `json:"data"`
	} `json:"items"`
}

func (w *subscriptionWire) toSubscription() *models.Subscription {
	sub := &models.Subscription{
		ID:                w.ID,
		CustomerID:        w.Customer.ID,
		Status:            models.SubscriptionStatus(strings.ToLower(strings.TrimSpace(w.Status))),
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
		Metadata:          w.Metadata,
	}
	for _, item := range w.Items.Data {
		si := models.SubscriptionItem{
			ID:      item.ID,
			PriceID: item.Price.ID,
		}
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			si.CurrentPeriodEnd = &t
		}
		sub.Items = append(sub.Items, si)
	}
	return sub
}

func decodeSubscription(raw []byte) (*models.Subscription, error) {
	var w subscriptionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return w.toSubscription(), nil
}

type checkoutSessionWire struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

func (w *checkoutSessionWire) toCheckoutSession() (*CheckoutSession, error) {
	cs := &CheckoutSession{
		ID:                w.ID,
		URL:               w.URL,
		CustomerID:        w.Customer.ID,
		SubscriptionID:    w.Subscription.ID,
		ClientReferenceID: w.ClientReferenceID,
		PaymentStatus:     PaymentStatus(strings.ToLower(strings.TrimSpace(w.PaymentStatus))),
		Metadata:          w.Metadata,
	}
	if len(w.Subscription.Raw) > 0 {
		sub, err := decodeSubscription(w.Subscription.Raw)
		if err != nil {
			return nil, err
		}
		cs.Subscription = sub
	}
	return cs, nil
}

func decodeCheckoutSession(raw []byte) (*CheckoutSession, error) {
	var w checkoutSessionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return w.toCheckoutSession()
}
