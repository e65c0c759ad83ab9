package billing

import (
	"strconv"
	"strings"
	"time"

	"github.com/quillchat/quillchat/internal/pkg/env"
)

const (
	defaultFreeMessageLimit   = 3
	defaultGracePeriodHours   = 48
	defaultCheckoutPath       = "/billing/upgrade"
	defaultPortalPath         = "/billing/manage"
	defaultPortalReturnPath   = "/settings/billing"
	defaultSuccessPathFormat  = "/billing/success?session_id={CHECKOUT_SESSION_ID}"
	defaultCancelPath         = "/billing/cancel"
	checkoutIdempotencyWindow = 5 * time.Minute
)

// Config carries everything the billing engine reads from the environment.
type Config struct {
	SecretKey     string
	WebhookSecret string

	// Price resolution: a lookup key takes precedence, a direct price id is
	// the fallback. At least one must be configured for checkout to work.
	PriceLookupKey string
	PriceID        string

	// AppURL is the deployment's own origin for success/cancel/return URLs.
	AppURL string

	// CheckoutURL/PortalURL are the client-facing pages reported by the limits
	// endpoint. They may be absolute or app-relative.
	CheckoutURL      string
	PortalURL        string
	PortalReturnURL  string
	FreeMessageLimit int64
	GracePeriod      time.Duration
}

// LoadConfig reads billing configuration from the environment.
func LoadConfig() Config {
	limit := int64(defaultFreeMessageLimit)
	if raw := env.GetEnv("FREE_LIFETIME_MESSAGE_LIMIT", ""); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			limit = v
		}
	}

	graceHours := defaultGracePeriodHours
	if raw := env.GetEnv("BILLING_GRACE_PERIOD_HOURS", ""); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			graceHours = v
		}
	}

	return Config{
		SecretKey:        strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		WebhookSecret:    strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		PriceLookupKey:   strings.TrimSpace(env.GetEnv("STRIPE_PRICE_LOOKUP_KEY_PRO", "")),
		PriceID:          strings.TrimSpace(env.GetEnv("STRIPE_PRICE_ID", "")),
		AppURL:           strings.TrimRight(env.GetEnv("APP_URL", "http://localhost:4000"), "/"),
		CheckoutURL:      strings.TrimSpace(env.GetEnv("PUBLIC_STRIPE_CHECKOUT_URL", defaultCheckoutPath)),
		PortalURL:        strings.TrimSpace(env.GetEnv("PUBLIC_STRIPE_PORTAL_URL", defaultPortalPath)),
		PortalReturnURL:  strings.TrimSpace(env.GetEnv("STRIPE_PORTAL_RETURN_URL", defaultPortalReturnPath)),
		FreeMessageLimit: limit,
		GracePeriod:      time.Duration(graceHours) * time.Hour,
	}
}

// ResolveAppURL turns an app-relative path into an absolute URL on the
// deployment's own origin; absolute URLs pass through untouched.
func (c Config) ResolveAppURL(pathOrURL string) string {
	p := strings.TrimSpace(pathOrURL)
	if p == "" {
		return c.AppURL
	}
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return c.AppURL + p
}
