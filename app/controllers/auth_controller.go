package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/app/models"
	"github.com/quillchat/quillchat/app/repository"
	"github.com/quillchat/quillchat/internal/pkg/session"
	"github.com/quillchat/quillchat/internal/pkg/usercontext"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister creates a regular account. When the caller holds a guest
// session, the guest account is converted in place so its message history and
// usage count survive.
func HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Could not parse request body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	repo := repository.GetGlobalFactory().GetUserRepository()
	if existing, err := repo.GetByEmail(req.Email); err == nil && existing != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "email_taken", "message": "An account with this email already exists"})
	}

	userCtx := usercontext.GetUserContext(c)
	if userCtx.IsLoggedIn && userCtx.IsGuest {
		guest, err := repo.GetByID(userCtx.UserID)
		if err != nil || guest == nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not load guest account"})
		}
		guest.Email = req.Email
		guest.Password = req.Password
		guest.Role = models.ROLE_USER
		if err := guest.Validate(); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": err.Error()})
		}
		pw, err := models.HashPassword(req.Password)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create account"})
		}
		guest.Password = pw
		if err := repo.Update(guest); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not convert guest account"})
		}
		if err := establishSession(c, guest); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create session"})
		}
		log.Infof("[Auth] Guest %s converted to account %s", guest.ID, maskEmail(guest.Email))
		return c.JSON(fiber.Map{"id": guest.ID, "email": guest.Email, "role": guest.Role})
	}

	user, err := models.CreateUser(req.Email, req.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_input", "message": err.Error()})
	}
	if err := repo.Create(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create account"})
	}
	if err := establishSession(c, user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create session"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": user.ID, "email": user.Email, "role": user.Role})
}

// HandleLogin authenticates by email and password.
func HandleLogin(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Could not parse request body"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByEmail(req.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_credentials", "message": "Wrong email or password"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not load account"})
	}
	if !models.CheckPasswordHash(req.Password, user.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_credentials", "message": "Wrong email or password"})
	}

	if err := establishSession(c, user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create session"})
	}
	return c.JSON(fiber.Map{"id": user.ID, "email": user.Email, "role": user.Role, "tier": user.Tier, "proExpiresAt": formatTimePtr(user.ProExpiresAt)})
}

// HandleGuestSession creates a throwaway guest account and session so
// visitors can try the app before registering.
func HandleGuestSession(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if userCtx.IsLoggedIn {
		return c.JSON(fiber.Map{"id": userCtx.UserID, "guest": userCtx.IsGuest})
	}

	user, err := models.CreateGuestUser()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create guest account"})
	}
	if err := repository.GetGlobalFactory().GetUserRepository().Create(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create guest account"})
	}
	if err := establishSession(c, user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not create session"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": user.ID, "guest": true})
}

// HandleLogout destroys the caller's session.
func HandleLogout(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err == nil {
		_ = sess.Destroy()
	}
	return c.JSON(fiber.Map{"ok": true})
}

func establishSession(c *fiber.Ctx, user *models.User) error {
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return err
	}
	sess.Set(usercontext.KeyUserID, user.ID)
	sess.Set(usercontext.KeyUserEmail, user.Email)
	sess.Set(usercontext.KeyUserRole, user.Role)
	sess.Set(usercontext.KeyLoggedIn, "true")
	return sess.Save()
}
