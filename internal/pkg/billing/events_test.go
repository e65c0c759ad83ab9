package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quillchat/app/models"
)

func TestParseEventCheckoutCompleted(t *testing.T) {
	raw := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_1",
				"customer": "cus_1",
				"subscription": "sub_1",
				"client_reference_id": "user-1",
				"payment_status": "paid",
				"mode": "subscription",
				"metadata": {"userId": "user-1"}
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, EventTypeCheckoutSessionCompleted, ev.Type)

	payload, ok := ev.Payload.(CheckoutCompletedPayload)
	require.True(t, ok)
	assert.Equal(t, "cs_1", payload.Session.ID)
	assert.Equal(t, "cus_1", payload.Session.CustomerID)
	assert.Equal(t, "sub_1", payload.Session.SubscriptionID)
	assert.Equal(t, "user-1", payload.Session.ClientReferenceID)
	assert.Equal(t, PaymentStatusPaid, payload.Session.PaymentStatus)
	assert.Equal(t, "user-1", payload.Session.Metadata["userId"])
	assert.Nil(t, payload.Session.Subscription)
}

func TestParseEventCheckoutCompletedExpandedSubscription(t *testing.T) {
	raw := []byte(`{
		"id": "evt_2",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_2",
				"customer": {"id": "cus_2"},
				"subscription": {
					"id": "sub_2",
					"customer": "cus_2",
					"status": "active",
					"items": {"data": [{"id": "si_1", "current_period_end": 1781000000, "price": {"id": "price_1"}}]}
				},
				"payment_status": "paid"
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	payload, ok := ev.Payload.(CheckoutCompletedPayload)
	require.True(t, ok)
	assert.Equal(t, "cus_2", payload.Session.CustomerID)
	assert.Equal(t, "sub_2", payload.Session.SubscriptionID)

	require.NotNil(t, payload.Session.Subscription)
	sub := payload.Session.Subscription
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.Len(t, sub.Items, 1)
	require.NotNil(t, sub.Items[0].CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1781000000, 0).UTC(), *sub.Items[0].CurrentPeriodEnd)
	assert.Equal(t, "price_1", sub.Items[0].PriceID)
}

func TestParseEventSubscriptionChange(t *testing.T) {
	raw := []byte(`{
		"id": "evt_3",
		"type": "customer.subscription.updated",
		"data": {
			"object": {
				"id": "sub_3",
				"customer": "cus_3",
				"status": "PAST_DUE",
				"cancel_at_period_end": true,
				"metadata": {"userId": "user-3"},
				"items": {"data": [
					{"id": "si_1", "current_period_end": 1781000000, "price": {"id": "price_1"}},
					{"id": "si_2", "current_period_end": 1782000000, "price": {"id": "price_2"}}
				]}
			}
		}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	payload, ok := ev.Payload.(SubscriptionChangePayload)
	require.True(t, ok)
	sub := payload.Subscription
	assert.Equal(t, "sub_3", sub.ID)
	assert.Equal(t, "cus_3", sub.CustomerID)
	// status is normalized to lowercase
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, "user-3", sub.Metadata["userId"])
	assert.Len(t, sub.Items, 2)
}

func TestParseEventSubscriptionDeleted(t *testing.T) {
	raw := []byte(`{
		"id": "evt_4",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_4", "customer": "cus_4", "status": "canceled"}}
	}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)

	payload, ok := ev.Payload.(SubscriptionDeletedPayload)
	require.True(t, ok)
	assert.Equal(t, "sub_4", payload.Subscription.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, payload.Subscription.Status)
}

func TestParseEventInvoices(t *testing.T) {
	paid := []byte(`{
		"id": "evt_5",
		"type": "invoice.paid",
		"data": {"object": {"id": "in_1", "customer": "cus_5"}}
	}`)
	ev, err := ParseEvent(paid)
	require.NoError(t, err)
	payload, ok := ev.Payload.(InvoicePayload)
	require.True(t, ok)
	assert.Equal(t, "in_1", payload.InvoiceID)
	assert.Equal(t, "cus_5", payload.CustomerID)
	assert.True(t, payload.Paid)

	failed := []byte(`{
		"id": "evt_6",
		"type": "invoice.payment_failed",
		"data": {"object": {"id": "in_2", "customer": {"id": "cus_6"}}}
	}`)
	ev, err = ParseEvent(failed)
	require.NoError(t, err)
	payload, ok = ev.Payload.(InvoicePayload)
	require.True(t, ok)
	assert.Equal(t, "cus_6", payload.CustomerID)
	assert.False(t, payload.Paid)
}

func TestParseEventUnknownType(t *testing.T) {
	raw := []byte(`{"id": "evt_7", "type": "charge.refunded", "data": {"object": {"id": "ch_1"}}}`)

	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "charge.refunded", ev.Type)
	_, ok := ev.Payload.(UnknownPayload)
	assert.True(t, ok)
}

func TestParseEventRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing id", `{"type": "invoice.paid", "data": {"object": {}}}`},
		{"missing type", `{"id": "evt_8", "data": {"object": {}}}`},
		{"bad subscription object", `{"id": "evt_9", "type": "customer.subscription.updated", "data": {"object": []}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}
