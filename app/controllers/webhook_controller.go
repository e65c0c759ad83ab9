package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/quillchat/quillchat/internal/pkg/billing"
)

// HandleStripeWebhook receives payment processor events. The processor
// retries any non-2xx response, so the status codes here are deliberate:
// verification and parse failures are 400 (retrying cannot fix them),
// processing failures are 500 (a retry may succeed).
func HandleStripeWebhook(c *fiber.Ctx) error {
	svc := getBillingService()
	secret := svc.Config().WebhookSecret
	if secret == "" {
		log.Error("[Billing] Webhook received but STRIPE_WEBHOOK_SECRET is not configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_not_configured"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	if !billing.VerifyStripeWebhookSignature(rawBody, signature, secret, time.Now(), billing.DefaultSignatureTolerance) {
		log.Warn("[Billing] Webhook signature rejected")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ev, err := billing.ParseEvent(rawBody)
	if err != nil {
		log.Warnf("[Billing] Webhook payload rejected: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	result, err := svc.ProcessEvent(ctx, ev, rawBody)
	if err != nil {
		log.Errorf("[Billing] Event %s (%s) failed: %v", ev.ID, ev.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}
	if result == billing.ResultDuplicate {
		return c.JSON(fiber.Map{"received": true, "duplicate": true})
	}
	return c.JSON(fiber.Map{"received": true})
}

// HandleStripeWebhookLegacy serves the old /webhook path during endpoint
// migration. Remove once the processor dashboard points at /webhooks/stripe.
func HandleStripeWebhookLegacy(c *fiber.Ctx) error {
	log.Warn("[Billing] Webhook delivered on deprecated /webhook path")
	return HandleStripeWebhook(c)
}
