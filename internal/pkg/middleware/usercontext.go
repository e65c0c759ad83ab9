package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/quillchat/quillchat/app/models"
	"github.com/quillchat/quillchat/internal/pkg/session"
	"github.com/quillchat/quillchat/internal/pkg/usercontext"
)

// UserContextMiddleware sets up the complete user context for every request.
// The login flow (out of band) stores user_id/user_email/user_role in the
// session; everything downstream reads the resolved UserContext from Locals.
func UserContextMiddleware(c *fiber.Ctx) error {
	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		// On error: treat as anonymous
		c.Locals("USER_CONTEXT", usercontext.UserContext{IsLoggedIn: false})
		return c.Next()
	}

	userID, _ := sess.Get(usercontext.KeyUserID).(string)
	if userID == "" {
		c.Locals("USER_CONTEXT", usercontext.UserContext{IsLoggedIn: false})
		return c.Next()
	}

	email, _ := sess.Get(usercontext.KeyUserEmail).(string)
	role, _ := sess.Get(usercontext.KeyUserRole).(string)

	c.Locals("USER_CONTEXT", usercontext.UserContext{
		UserID:     userID,
		Email:      email,
		IsLoggedIn: true,
		IsGuest:    role == models.ROLE_GUEST,
	})

	return c.Next()
}
