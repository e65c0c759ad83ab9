package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/quillchat/quillchat/internal/pkg/billing"
	metrics "github.com/quillchat/quillchat/internal/pkg/metrics/counter"
	"github.com/quillchat/quillchat/internal/pkg/usercontext"
)

type chatMessageRequest struct {
	Content string `json:"content"`
}

// HandleChatMessage accepts a chat message. Free-tier users are cut off once
// their lifetime allowance is spent; the counter increments through Redis and
// is flushed to the database by the job queue.
func HandleChatMessage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req chatMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Could not parse request body"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "empty_message", "message": "Message content is required"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	limits, err := svc.Limits(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, billing.ErrUserNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		log.Errorf("[Chat] Limit check failed for user %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not check usage limits"})
	}

	if limits.Remaining != nil && *limits.Remaining <= 0 {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":      "limit_exceeded",
			"message":    "Free message limit reached",
			"upgradeUrl": limits.UpgradeURL,
		})
	}

	if err := metrics.AddMessageSent(userCtx.UserID); err != nil {
		log.Warnf("[Chat] Could not count message for user %s: %v", userCtx.UserID, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":      uuid.NewString(),
		"content": req.Content,
		"tier":    limits.Tier,
	})
}
