package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quillchat/quillchat/app/models"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// StripeClient talks to the Stripe REST API. It is a thin form-encoded HTTP
// client; all entitlement decisions live in the service layer.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client
}

// NewStripeClient creates a Stripe API client for the given secret key.
func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{
		SecretKey:  strings.TrimSpace(secretKey),
		APIBaseURL: defaultStripeAPIBaseURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type stripeAPIError struct {
	Status  int
	Code    string
	Message string
}

func (e *stripeAPIError) Error() string {
	return fmt.Sprintf("stripe: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out interface{}) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("STRIPE_SECRET_KEY is not configured")
	}

	endpoint := strings.TrimRight(c.APIBaseURL, "/") + path

	var body io.Reader
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
	} else if form != nil {
		endpoint += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wrapper struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &wrapper)
		if wrapper.Error.Code == "resource_missing" || resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		return &stripeAPIError{Status: resp.StatusCode, Code: wrapper.Error.Code, Message: wrapper.Error.Message}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *StripeClient) CreateCustomer(ctx context.Context, email, userID, idempotencyKey string) (*Customer, error) {
	form := url.Values{}
	if strings.TrimSpace(email) != "" {
		form.Set("email", strings.TrimSpace(email))
	}
	form.Set("metadata[userId]", userID)

	var out Customer
	if err := c.do(ctx, http.MethodPost, "/customers", form, idempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("stripe customer create returned no id")
	}
	return &out, nil
}

func (c *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID), nil, "", &raw); err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (c *StripeClient) ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("status", "all")
	form.Set("limit", "100")

	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/subscriptions", form, "", &out); err != nil {
		return nil, err
	}

	subs := make([]*models.Subscription, 0, len(out.Data))
	for _, raw := range out.Data {
		sub, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(subscriptionID), nil, "", nil)
}

// ResolvePriceID looks up the active price for a configured lookup key.
func (c *StripeClient) ResolvePriceID(ctx context.Context, lookupKey string) (string, error) {
	form := url.Values{}
	form.Set("lookup_keys[]", lookupKey)
	form.Set("limit", "1")

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/prices", form, "", &out); err != nil {
		return "", err
	}
	if len(out.Data) == 0 || out.Data[0].ID == "" {
		return "", fmt.Errorf("%w: no price for lookup key %s", ErrNotFound, lookupKey)
	}
	return out.Data[0].ID, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", params.CustomerID)
	form.Set("client_reference_id", params.ClientReferenceID)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("automatic_tax[enabled]", "true")
	form.Set("billing_address_collection", "required")
	form.Set("customer_update[address]", "auto")
	form.Set("metadata[userId]", params.UserID)
	form.Set("subscription_data[metadata][userId]", params.UserID)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/checkout/sessions", form, params.IdempotencyKey, &raw); err != nil {
		return nil, err
	}
	cs, err := decodeCheckoutSession(raw)
	if err != nil {
		return nil, err
	}
	if cs.URL == "" {
		return nil, errors.New("stripe checkout session did not return a URL")
	}
	return cs, nil
}

func (c *StripeClient) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("expand[]", "subscription")

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/checkout/sessions/"+url.PathEscape(sessionID), form, "", &raw); err != nil {
		return nil, err
	}
	return decodeCheckoutSession(raw)
}

func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL, idempotencyKey string) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("return_url", returnURL)

	var out PortalSession
	if err := c.do(ctx, http.MethodPost, "/billing_portal/sessions", form, idempotencyKey, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		return nil, errors.New("stripe portal session did not return a URL")
	}
	return &out, nil
}
