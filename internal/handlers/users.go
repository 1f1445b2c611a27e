package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type UsersHandler struct {
	DB          *gorm.DB
	Sessions    *session.Manager
	Invitations *services.InvitationService
	Audit       *services.AuditService
}

func NewUsersHandler(db *gorm.DB, sessions *session.Manager, invitations *services.InvitationService, audit *services.AuditService) *UsersHandler {
	return &UsersHandler{DB: db, Sessions: sessions, Invitations: invitations, Audit: audit}
}

type inviteRequest struct {
	Email             string `json:"email" form:"email"`
	FirstName         string `json:"firstName" form:"first_name"`
	LastName          string `json:"lastName" form:"last_name"`
	IsStaff           string `json:"isStaff" form:"is_staff"`
	TwoFactorRequired string `json:"twoFactorRequired" form:"two_factor_required"`
}

type requireTwoFactorRequest struct {
	Required string `json:"required" form:"required"`
}

// formBool reads an HTML checkbox or a JSON boolean rendered as text.
func formBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func (h *UsersHandler) List(c *fiber.Ctx) error {
	params := utils.ParsePagination(c)
	search := strings.TrimSpace(c.Query("search"))

	query := h.DB.WithContext(c.UserContext()).Model(&models.User{})
	if search != "" {
		like := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		logger.Error("user_list_count_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list users")
	}

	var users []models.User
	if err := utils.ApplyPagination(query.Order("email ASC"), params).Find(&users).Error; err != nil {
		logger.Error("user_list_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to list users")
	}

	return utils.Paginated(c, users, params.Page, params.PageSize, total, fiber.Map{
		"messages":  h.Sessions.PopMessages(c),
		"csrfToken": middleware.CSRFToken(c),
		"search":    search,
	})
}

// Invite creates an inactive account with no usable password and mails the
// activation link.
func (h *UsersHandler) Invite(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)

	var req inviteRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.Invitations.CreateInactiveUser(c.UserContext(), services.NewAccount{
		Email:             req.Email,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		IsStaff:           formBool(req.IsStaff),
		TwoFactorRequired: formBool(req.TwoFactorRequired),
	})
	switch {
	case errors.Is(err, services.ErrInvalidEmail):
		return utils.FieldErrors(c, "Please correct the errors below.", map[string]string{
			"email": "Enter a valid email address.",
		})
	case errors.Is(err, services.ErrEmailTaken):
		return utils.FieldErrors(c, "Please correct the errors below.", map[string]string{
			"email": "An account with this email already exists.",
		})
	case err != nil:
		logger.ErrorWithUser(admin.ID.String(), "user_invite_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create user")
	}

	audit(c, h.Audit, admin, models.AuditActionInvite, "user", &user.ID, map[string]interface{}{
		"email":               user.Email,
		"is_staff":            user.IsStaff,
		"two_factor_required": user.TwoFactorRequired,
	})

	if err := h.Invitations.SendWelcome(c.UserContext(), user); err != nil {
		logger.ErrorWithUser(admin.ID.String(), "welcome_email_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return flashRedirect(c, h.Sessions, session.LevelWarning,
			fmt.Sprintf("Account created for %s, but the welcome email could not be sent.", user.Email), adminUsersPath)
	}
	return flashRedirect(c, h.Sessions, session.LevelSuccess,
		fmt.Sprintf("Account created for %s. Welcome email sent.", user.Email), adminUsersPath)
}

// SetTwoFactorRequired toggles mandatory 2FA for one account. Turning it on
// for an unenrolled user takes effect on their next request.
func (h *UsersHandler) SetTwoFactorRequired(c *fiber.Ctx) error {
	admin := middleware.GetCurrentUser(c)

	id, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var req requireTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	required := formBool(req.Required)

	var user models.User
	if err := h.DB.WithContext(c.UserContext()).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.Error(c, fiber.StatusNotFound, "user not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	if err := h.DB.WithContext(c.UserContext()).Model(&user).Update("two_factor_required", required).Error; err != nil {
		logger.ErrorWithUser(admin.ID.String(), "user_require_2fa_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to update user")
	}

	audit(c, h.Audit, admin, models.AuditActionRequire2FA, "user", &user.ID, map[string]interface{}{
		"required": required,
	})

	text := fmt.Sprintf("Two-factor authentication is no longer required for %s.", user.Email)
	if required {
		text = fmt.Sprintf("Two-factor authentication is now required for %s.", user.Email)
	}
	return flashRedirect(c, h.Sessions, session.LevelSuccess, text, adminUsersPath)
}
