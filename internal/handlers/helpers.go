package handlers

import (
	"strings"

	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	loginPath      = "/accounts/login/"
	verifyPath     = "/accounts/verify-2fa/"
	setupPath      = "/accounts/setup-2fa/"
	profilePath    = "/accounts/profile/"
	resendPath     = "/accounts/resend-activation/"
	clientsPath    = "/clients/"
	adminUsersPath = "/admin/users/"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	return middleware.RequestID(c)
}

// render answers a page GET with the page data, the flash messages queued
// for this session and the CSRF token forms must echo back.
func render(c *fiber.Ctx, sessions *session.Manager, data fiber.Map) error {
	if data == nil {
		data = fiber.Map{}
	}
	data["messages"] = sessions.PopMessages(c)
	data["csrfToken"] = middleware.CSRFToken(c)
	return utils.Success(c, fiber.StatusOK, data)
}

func flashRedirect(c *fiber.Ctx, sessions *session.Manager, level session.MessageLevel, text, location string) error {
	sessions.AddMessage(c, level, text)
	return utils.Redirect(c, location)
}

func audit(c *fiber.Ctx, svc *services.AuditService, actor *models.User, action, resourceType string, resourceID *uuid.UUID, details map[string]interface{}) {
	entry := services.AuditEntry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	}
	if actor != nil {
		id := actor.ID
		entry.UserID = &id
	}
	svc.LogAsync(entry)
}

// splitEmails breaks a comma-separated list into valid and invalid
// addresses, dropping blanks.
func splitEmails(raw string) (valid, invalid []string) {
	for _, email := range strings.Split(raw, ",") {
		email = strings.TrimSpace(email)
		if email == "" {
			continue
		}
		if models.IsValidEmail(email) {
			valid = append(valid, email)
		} else {
			invalid = append(invalid, email)
		}
	}
	return valid, invalid
}
