package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/quillchat/quillchat/internal/pkg/billing"
	"github.com/quillchat/quillchat/internal/pkg/usercontext"
)

var billingService *billing.Service

// InitializeBillingController wires the shared billing service into the
// billing and webhook handlers. Must run before the router is installed.
func InitializeBillingController(svc *billing.Service) {
	billingService = svc
}

func getBillingService() *billing.Service {
	return billingService
}

// HandleBillingCheckout starts a checkout session for the pro plan and
// returns the processor-hosted URL to redirect to.
func HandleBillingCheckout(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	svc := getBillingService()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := svc.StartCheckout(ctx, userCtx.UserID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		case errors.Is(err, billing.ErrPriceNotConfigured):
			log.Errorf("[Billing] Checkout refused: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "billing_not_configured", "message": "Billing is not configured"})
		default:
			log.Errorf("[Billing] Checkout failed for user %s (%s): %v", userCtx.UserID, maskEmail(userCtx.Email), err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_failed", "message": "Could not start checkout"})
		}
	}

	return c.JSON(result)
}

// HandleBillingPortal creates a self-service billing portal session.
func HandleBillingPortal(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	svc := getBillingService()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	session, err := svc.OpenPortal(ctx, userCtx.UserID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		case errors.Is(err, billing.ErrNoCustomer):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no_billing_account", "message": "No billing account exists for this user"})
		default:
			log.Errorf("[Billing] Portal failed for user %s: %v", userCtx.UserID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "portal_failed", "message": "Could not open billing portal"})
		}
	}

	return c.JSON(fiber.Map{"url": session.URL})
}

// HandleBillingVerify confirms a checkout session from the success page and
// applies the entitlement without waiting for webhook delivery.
func HandleBillingVerify(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_session_id", "message": "session_id query parameter is required"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := svc.VerifyCheckout(ctx, userCtx.UserID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrSessionMismatch):
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "session_mismatch", "message": "Checkout session belongs to another user"})
		case errors.Is(err, billing.ErrUserNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		case errors.Is(err, billing.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session_not_found", "message": "Checkout session not found"})
		default:
			log.Errorf("[Billing] Verify failed for user %s session %s: %v", userCtx.UserID, sessionID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verify_failed", "message": "Could not verify checkout session"})
		}
	}

	return c.JSON(result)
}

// HandleBillingLimits reports the caller's tier and message allowance.
func HandleBillingLimits(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	svc := getBillingService()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := svc.Limits(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		log.Errorf("[Billing] Limits failed for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "limits_failed", "message": "Could not load usage limits"})
	}

	return c.JSON(result)
}

// HandleBillingResync forces a fresh reconciliation against the processor and
// returns the resulting limits.
func HandleBillingResync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	svc := getBillingService()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := svc.ResyncUser(ctx, userCtx.UserID); err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		log.Errorf("[Billing] Resync failed for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "resync_failed", "message": "Could not resync billing state"})
	}

	result, err := svc.Limits(ctx, userCtx.UserID)
	if err != nil {
		log.Errorf("[Billing] Limits after resync failed for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "limits_failed", "message": "Could not load usage limits"})
	}

	return c.JSON(result)
}
