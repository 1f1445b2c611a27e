package handlers

import (
	"errors"
	"fmt"

	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AccountsHandler struct {
	DB          *gorm.DB
	Sessions    *session.Manager
	Auth        *services.AuthService
	TOTP        *services.TOTPService
	Invitations *services.InvitationService
	Audit       *services.AuditService
	LandingPath string
}

func NewAccountsHandler(
	db *gorm.DB,
	sessions *session.Manager,
	auth *services.AuthService,
	totpService *services.TOTPService,
	invitations *services.InvitationService,
	audit *services.AuditService,
	landingPath string,
) *AccountsHandler {
	if landingPath == "" {
		landingPath = "/"
	}
	return &AccountsHandler{
		DB:          db,
		Sessions:    sessions,
		Auth:        auth,
		TOTP:        totpService,
		Invitations: invitations,
		Audit:       audit,
		LandingPath: landingPath,
	}
}

type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Next     string `json:"next" form:"next"`
}

type codeRequest struct {
	Code string `json:"code" form:"code"`
}

type passwordRequest struct {
	Password string `json:"password" form:"password"`
}

type registerRequest struct {
	Email     string `json:"email" form:"email"`
	FirstName string `json:"first_name" form:"first_name"`
	LastName  string `json:"last_name" form:"last_name"`
	Password1 string `json:"password1" form:"password1"`
	Password2 string `json:"password2" form:"password2"`
}

type setPasswordRequest struct {
	NewPassword1 string `json:"new_password1" form:"new_password1"`
	NewPassword2 string `json:"new_password2" form:"new_password2"`
}

type emailRequest struct {
	Email string `json:"email" form:"email"`
}

func (h *AccountsHandler) LoginPage(c *fiber.Ctx) error {
	if middleware.GetCurrentUser(c) != nil {
		return utils.Redirect(c, h.LandingPath)
	}
	return render(c, h.Sessions, fiber.Map{
		"next": utils.SafeNext(c.Query("next"), ""),
	})
}

// Login checks credentials and then either completes the session, sends
// the user to mandatory enrolment, or parks a pending 2FA state.
func (h *AccountsHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	user, backend, err := h.Auth.Authenticate(c.UserContext(), req.Email, req.Password)
	if err != nil {
		email := models.NormalizeEmail(req.Email)
		logger.Warn("login_failed", map[string]interface{}{
			"email": email,
			"ip":    c.IP(),
		})
		audit(c, h.Audit, nil, models.AuditActionLoginFailed, "user", nil, map[string]interface{}{
			"email": email,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "Invalid email or password.")
	}

	next := utils.SafeNext(req.Next, h.LandingPath)
	decision := services.DecideLogin(user)

	switch decision {
	case services.DecisionForceSetup:
		if err := h.completeLogin(c, user, backend, decision); err != nil {
			return err
		}
		if err := h.Sessions.SetForceSetupNext(c, next); err != nil {
			return err
		}
		return flashRedirect(c, h.Sessions, session.LevelWarning, "Two-factor authentication is required for your account.", setupPath)

	case services.DecisionAwaitCode:
		if err := h.Sessions.SetState(c, session.PendingTwoFactor{
			UserID:     user.ID,
			Backend:    backend,
			RedirectTo: next,
		}); err != nil {
			return err
		}
		logger.InfoWithUser(user.ID.String(), "login_awaiting_2fa", map[string]interface{}{
			"backend": backend,
		})
		return utils.Redirect(c, verifyPath)

	default:
		if err := h.completeLogin(c, user, backend, decision); err != nil {
			return err
		}
		return flashRedirect(c, h.Sessions, session.LevelSuccess, "Logged in successfully.", next)
	}
}

func (h *AccountsHandler) completeLogin(c *fiber.Ctx, user *models.User, backend string, decision services.LoginDecision) error {
	if err := h.Sessions.Login(c, user.ID, backend); err != nil {
		logger.ErrorWithUser(user.ID.String(), "session_login_failed", err, nil)
		return fiber.ErrInternalServerError
	}
	if err := h.Auth.RecordLogin(c.UserContext(), user); err != nil {
		logger.ErrorWithUser(user.ID.String(), "record_login_failed", err, nil)
	}
	c.Locals(logger.UserIDKey, user.ID.String())

	logger.InfoWithUser(user.ID.String(), "user_login", map[string]interface{}{
		"backend":  backend,
		"decision": decision.String(),
	})
	audit(c, h.Audit, user, models.AuditActionLogin, "user", &user.ID, map[string]interface{}{
		"backend": backend,
	})
	return nil
}

func (h *AccountsHandler) Logout(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if err := h.Sessions.Logout(c); err != nil {
		return err
	}
	if user != nil {
		logger.InfoWithUser(user.ID.String(), "user_logout", nil)
		audit(c, h.Audit, user, models.AuditActionLogout, "user", &user.ID, nil)
	}
	return utils.Redirect(c, loginPath)
}

// abandonPending drops a pending 2FA state and returns to the login page.
func (h *AccountsHandler) abandonPending(c *fiber.Ctx, message string) error {
	if err := h.Sessions.SetState(c, session.Anonymous{}); err != nil {
		return err
	}
	if message != "" {
		h.Sessions.AddMessage(c, session.LevelError, message)
	}
	return utils.Redirect(c, loginPath)
}

func (h *AccountsHandler) lockout(c *fiber.Ctx, user *models.User) error {
	if user != nil {
		logger.WarnWithUser(user.ID.String(), "2fa_lockout", map[string]interface{}{
			"ip": c.IP(),
		})
		audit(c, h.Audit, user, models.AuditActionTwoFactorLockout, "user", &user.ID, nil)
	}
	return h.abandonPending(c, "Too many attempts. Please login again.")
}

func (h *AccountsHandler) VerifyPage(c *fiber.Ctx) error {
	pending, ok := h.Sessions.State(c).(session.PendingTwoFactor)
	if !ok {
		return utils.Redirect(c, loginPath)
	}

	outcome, user, err := h.Auth.CheckPending(c.UserContext(), pending)
	if err != nil {
		logger.Error("2fa_pending_check_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load pending login")
	}
	switch outcome {
	case services.VerifyUnknownUser:
		return h.abandonPending(c, "")
	case services.VerifyLockedOut:
		return h.lockout(c, user)
	}

	return render(c, h.Sessions, fiber.Map{
		"attemptsRemaining": h.Auth.MaxAttempts - pending.Attempts,
	})
}

// Verify checks the second factor for a pending login. The attempt counter
// lives in the pending state and is checked before the code is examined.
func (h *AccountsHandler) Verify(c *fiber.Ctx) error {
	pending, ok := h.Sessions.State(c).(session.PendingTwoFactor)
	if !ok {
		return utils.Redirect(c, loginPath)
	}

	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	outcome, user, err := h.Auth.VerifyPending(c.UserContext(), &pending, req.Code)
	if err != nil {
		logger.Error("2fa_verify_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to verify code")
	}

	switch outcome {
	case services.VerifyUnknownUser:
		return h.abandonPending(c, "")
	case services.VerifyLockedOut:
		return h.lockout(c, user)
	case services.VerifyMalformed:
		return utils.FieldErrors(c, "Enter a valid authentication code.", map[string]string{
			"code": "Enter the 6 digit code from your authenticator app.",
		})
	case services.VerifyFailed:
		if err := h.Sessions.SetState(c, pending); err != nil {
			return err
		}
		return utils.Error(c, fiber.StatusUnauthorized, "Invalid authentication code.")
	}

	if err := h.completeLogin(c, user, pending.Backend, services.DecisionAwaitCode); err != nil {
		return err
	}
	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Logged in with 2FA.", utils.SafeNext(pending.RedirectTo, h.LandingPath))
}

// SetupPage provisions a secret on first visit and returns the QR code for
// authenticator apps.
func (h *AccountsHandler) SetupPage(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	uri, err := h.TOTP.ProvisioningURI(c.UserContext(), user)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "totp_provision_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to prepare two-factor setup")
	}
	qr, err := services.QRDataURI(uri)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "totp_qr_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to render QR code")
	}

	return render(c, h.Sessions, fiber.Map{
		"qrData":            qr,
		"provisioningUri":   uri,
		"twoFactorEnabled":  user.TwoFactorEnabled,
		"twoFactorRequired": user.TwoFactorRequired,
	})
}

// Setup confirms enrolment with a code from the user's authenticator. It is
// the only path that turns two-factor authentication on.
func (h *AccountsHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req codeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	code, ok := services.NormalizeCode(req.Code)
	if !ok || !h.TOTP.Verify(user, code, h.Auth.Window) {
		return utils.FieldErrors(c, "Invalid code. Please try again.", map[string]string{
			"code": "Invalid code. Please try again.",
		})
	}

	if err := h.TOTP.Enable(c.UserContext(), user); err != nil {
		logger.ErrorWithUser(user.ID.String(), "2fa_enable_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to enable two-factor authentication")
	}
	audit(c, h.Audit, user, models.AuditActionTwoFactorEnable, "user", &user.ID, nil)

	next := utils.SafeNext(h.Sessions.PopForceSetupNext(c), h.LandingPath)
	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Two-factor authentication enabled.", next)
}

func (h *AccountsHandler) DisablePage(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user.TwoFactorRequired {
		return flashRedirect(c, h.Sessions, session.LevelError, "Two-factor authentication is required for your account.", profilePath)
	}
	return render(c, h.Sessions, fiber.Map{
		"twoFactorEnabled": user.TwoFactorEnabled,
	})
}

// Disable turns two-factor authentication off after the password is
// re-entered. Accounts with the requirement set cannot disable it.
func (h *AccountsHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user.TwoFactorRequired {
		return flashRedirect(c, h.Sessions, session.LevelError, "Two-factor authentication is required for your account.", profilePath)
	}

	var req passwordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		return utils.FieldErrors(c, "Please correct the errors below.", map[string]string{
			"password": "Your password was entered incorrectly. Please enter it again.",
		})
	}

	if err := h.TOTP.Disable(c.UserContext(), user); err != nil {
		logger.ErrorWithUser(user.ID.String(), "2fa_disable_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable two-factor authentication")
	}
	audit(c, h.Audit, user, models.AuditActionTwoFactorDisable, "user", &user.ID, nil)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Two-factor authentication disabled.", h.LandingPath)
}

func (h *AccountsHandler) RegisterPage(c *fiber.Ctx) error {
	return render(c, h.Sessions, nil)
}

// Register creates an inactive account with the chosen password and mails
// an activation link.
func (h *AccountsHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	fields := map[string]string{}
	email := models.NormalizeEmail(req.Email)
	if !models.IsValidEmail(email) {
		fields["email"] = "Enter a valid email address."
	}
	for key, msg := range services.ValidateNewPassword(req.Password1, req.Password2) {
		switch key {
		case "new_password1":
			fields["password1"] = msg
		default:
			fields["password2"] = msg
		}
	}
	if len(fields) > 0 {
		return utils.FieldErrors(c, "Please correct the errors below.", fields)
	}

	user, err := h.Invitations.CreateInactiveUser(c.UserContext(), services.NewAccount{
		Email:     email,
		Password:  req.Password1,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if errors.Is(err, services.ErrEmailTaken) {
		return utils.FieldErrors(c, "Please correct the errors below.", map[string]string{
			"email": "An account with this email already exists.",
		})
	}
	if err != nil {
		logger.Error("register_failed", err, map[string]interface{}{"email": email})
		return utils.Error(c, fiber.StatusInternalServerError, "Failed to create account. Please try again.")
	}
	audit(c, h.Audit, nil, models.AuditActionRegister, "user", &user.ID, map[string]interface{}{
		"email": user.Email,
	})

	if err := h.Invitations.SendWelcome(c.UserContext(), user); err != nil {
		logger.Error("welcome_email_failed", err, map[string]interface{}{"user_id": user.ID.String()})
		return flashRedirect(c, h.Sessions, session.LevelWarning,
			fmt.Sprintf("Account created for %s, but the welcome email could not be sent.", user.Email), resendPath)
	}
	return flashRedirect(c, h.Sessions, session.LevelSuccess,
		fmt.Sprintf("Account created for %s. Welcome email sent.", user.Email), h.LandingPath)
}

// resolveActivation maps an activation link to its user, or answers with
// the redirect for a dead link.
func (h *AccountsHandler) resolveActivation(c *fiber.Ctx) (*models.User, error) {
	user, err := h.Invitations.ResolveUser(c.UserContext(), c.Params("uidb64"), c.Params("token"))
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, services.ErrInvalidLink):
		logger.Warn("activation_link_invalid", map[string]interface{}{"ip": c.IP()})
		return nil, flashRedirect(c, h.Sessions, session.LevelError, "This link is invalid or has expired.", loginPath)
	case errors.Is(err, services.ErrAlreadyActive):
		return nil, flashRedirect(c, h.Sessions, session.LevelInfo, "Account is already active. Please login.", loginPath)
	default:
		logger.Error("activation_link_lookup_failed", err, nil)
		return nil, utils.Error(c, fiber.StatusInternalServerError, "failed to load activation link")
	}
}

func (h *AccountsHandler) SetPasswordPage(c *fiber.Ctx) error {
	user, err := h.resolveActivation(c)
	if user == nil {
		return err
	}
	return render(c, h.Sessions, fiber.Map{
		"email": user.Email,
	})
}

// SetPassword activates an invited account. The user still has to log in
// afterwards.
func (h *AccountsHandler) SetPassword(c *fiber.Ctx) error {
	user, err := h.resolveActivation(c)
	if user == nil {
		return err
	}

	var req setPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if fields := services.ValidateNewPassword(req.NewPassword1, req.NewPassword2); fields != nil {
		return utils.FieldErrors(c, "Please correct the errors below.", fields)
	}

	if err := h.Invitations.SetPassword(c.UserContext(), user, req.NewPassword1); err != nil {
		logger.ErrorWithUser(user.ID.String(), "set_password_failed", err, nil)
		return utils.Error(c, fiber.StatusInternalServerError, "failed to set password")
	}
	logger.InfoWithUser(user.ID.String(), "account_activated", nil)
	audit(c, h.Audit, user, models.AuditActionActivate, "user", &user.ID, nil)

	return flashRedirect(c, h.Sessions, session.LevelSuccess, "Password set successfully! You can now log in.", loginPath)
}

func (h *AccountsHandler) ResendPage(c *fiber.Ctx) error {
	return render(c, h.Sessions, nil)
}

// Resend reissues the welcome email. Unknown and already active addresses
// get the same answer as a successful send.
func (h *AccountsHandler) Resend(c *fiber.Ctx) error {
	var req emailRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	outcome, err := h.Invitations.ResendActivation(c.UserContext(), req.Email)
	if err != nil {
		logger.Error("resend_activation_failed", err, map[string]interface{}{
			"email": models.NormalizeEmail(req.Email),
		})
		return flashRedirect(c, h.Sessions, session.LevelError, "Failed to send activation email. Please try again later.", resendPath)
	}

	switch outcome {
	case services.ResendAlreadyActive:
		logger.Info("resend_activation_already_active", map[string]interface{}{"ip": c.IP()})
	case services.ResendUnknown:
		logger.Warn("resend_activation_unknown_email", map[string]interface{}{"ip": c.IP()})
	}
	return flashRedirect(c, h.Sessions, session.LevelSuccess, "A new activation email has been sent. Please check your inbox.", loginPath)
}

func (h *AccountsHandler) Profile(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	return render(c, h.Sessions, fiber.Map{
		"user":                user,
		"twoFactorEnabled":    user.TwoFactorEnabled,
		"twoFactorRequired":   user.TwoFactorRequired,
		"canDisableTwoFactor": user.TwoFactorEnabled && !user.TwoFactorRequired,
	})
}
