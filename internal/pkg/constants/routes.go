package constants

// Static route constants
const (
	PublicRoute = "/"

	StripeWebhookRoute = "/webhooks/stripe"
	// Old webhook path kept as an alias during endpoint migration
	LegacyWebhookRoute = "/webhook"

	BillingCheckoutRoute = "/billing/checkout"
	BillingPortalRoute   = "/billing/portal"
	BillingVerifyRoute   = "/billing/verify"
	BillingLimitsRoute   = "/billing/limits"
	BillingResyncRoute   = "/billing/resync"
)
