package middleware

import (
	"net/url"
	"strings"

	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/gorm"
)

const (
	currentUserKey   = "currentUser"
	DefaultLoginPath = "/accounts/login/"
)

type AuthMiddleware struct {
	DB        *gorm.DB
	Sessions  *session.Manager
	LoginPath string
}

func NewAuthMiddleware(db *gorm.DB, sessions *session.Manager) *AuthMiddleware {
	return &AuthMiddleware{DB: db, Sessions: sessions, LoginPath: DefaultLoginPath}
}

func CORS(origins []string) fiber.Handler {
	allow := "http://localhost:8080"
	if len(origins) > 0 {
		allow = strings.Join(origins, ",")
	}
	return cors.New(cors.Config{
		AllowOrigins:     allow,
		AllowHeaders:     "Origin, Content-Type, Accept, " + CSRFHeader,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowCredentials: true,
	})
}

// LoadUser resolves the session's authenticated user, if any, and exposes
// it to later handlers. A pending 2FA state never yields a current user.
// Sessions pointing at a deleted or deactivated account are reset.
func (a *AuthMiddleware) LoadUser(c *fiber.Ctx) error {
	authenticated, ok := a.Sessions.State(c).(session.Authenticated)
	if !ok {
		return c.Next()
	}

	var user models.User
	if err := a.DB.WithContext(c.UserContext()).First(&user, "id = ?", authenticated.UserID).Error; err != nil || !user.IsActive {
		logger.Warn("session_user_invalid", map[string]interface{}{
			"ip":      c.IP(),
			"path":    c.Path(),
			"user_id": authenticated.UserID.String(),
		})
		if err := a.Sessions.SetState(c, session.Anonymous{}); err != nil {
			return err
		}
		return c.Next()
	}

	c.Locals(currentUserKey, &user)
	c.Locals(logger.UserIDKey, user.ID.String())
	return c.Next()
}

// RequireAuth sends anonymous visitors to the login page, preserving the
// requested path as next.
func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if GetCurrentUser(c) != nil {
		return c.Next()
	}
	return utils.Redirect(c, a.LoginPath+"?next="+url.QueryEscape(c.OriginalURL()))
}

func StaffOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil || !user.IsStaff {
		return utils.Error(c, fiber.StatusForbidden, "staff access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	user, ok := c.Locals(currentUserKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
