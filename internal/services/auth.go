package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultMaxTwoFactorAttempts = 10
	minCodeLength               = 4
	maxCodeLength               = 8
)

var ErrUserNotFound = errors.New("user not found")

// LoginDecision is the branch taken after a successful credential check.
type LoginDecision int

const (
	// DecisionComplete establishes the session immediately.
	DecisionComplete LoginDecision = iota
	// DecisionForceSetup establishes the session and sends the user to
	// mandatory 2FA enrolment.
	DecisionForceSetup
	// DecisionAwaitCode defers the session until a TOTP code is verified.
	DecisionAwaitCode
)

func (d LoginDecision) String() string {
	switch d {
	case DecisionForceSetup:
		return "force_2fa_setup"
	case DecisionAwaitCode:
		return "await_2fa_code"
	default:
		return "complete"
	}
}

type VerifyOutcome int

const (
	VerifyUnknownUser VerifyOutcome = iota
	VerifyLockedOut
	VerifyMalformed
	VerifyFailed
	VerifySucceeded
)

type AuthService struct {
	DB          *gorm.DB
	Backends    []Backend
	TOTP        *TOTPService
	MaxAttempts int
	Window      int
	Now         func() time.Time
}

func NewAuthService(db *gorm.DB, totpService *TOTPService, maxAttempts, window int, backends ...Backend) *AuthService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTwoFactorAttempts
	}
	if len(backends) == 0 {
		backends = []Backend{&EmailBackend{DB: db}}
	}
	return &AuthService{
		DB:          db,
		Backends:    backends,
		TOTP:        totpService,
		MaxAttempts: maxAttempts,
		Window:      window,
		Now:         time.Now,
	}
}

// Authenticate tries each backend in order and reports which one accepted
// the credentials. Every rejection surfaces as ErrInvalidCredentials.
func (s *AuthService) Authenticate(ctx context.Context, email, password string) (*models.User, string, error) {
	for _, backend := range s.Backends {
		user, err := backend.Authenticate(ctx, email, password)
		if err == nil {
			return user, backend.Name(), nil
		}
		if !errors.Is(err, ErrInvalidCredentials) {
			logger.Error("auth_backend_failed", err, map[string]interface{}{
				"backend": backend.Name(),
			})
		}
	}
	return nil, "", ErrInvalidCredentials
}

// DecideLogin picks the post-credential branch. Required-but-unenrolled wins
// over enrolled so a required user is never asked for a code they cannot have.
func DecideLogin(user *models.User) LoginDecision {
	switch {
	case user.NeedsTwoFactorSetup():
		return DecisionForceSetup
	case user.TwoFactorEnabled:
		return DecisionAwaitCode
	default:
		return DecisionComplete
	}
}

// NormalizeCode trims the submitted code and checks it is 4 to 8 digits.
func NormalizeCode(raw string) (string, bool) {
	code := strings.TrimSpace(raw)
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return "", false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return code, true
}

func (s *AuthService) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &user, nil
}

// CheckPending validates a pending state before a code is considered: the
// user must still exist and the attempt budget must not be spent.
func (s *AuthService) CheckPending(ctx context.Context, pending session.PendingTwoFactor) (VerifyOutcome, *models.User, error) {
	user, err := s.UserByID(ctx, pending.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return VerifyUnknownUser, nil, nil
	}
	if err != nil {
		return VerifyUnknownUser, nil, err
	}
	if pending.Attempts >= s.MaxAttempts {
		return VerifyLockedOut, user, nil
	}
	return VerifyFailed, user, nil
}

// VerifyPending checks a submitted code against the pending user. A failed
// verification increments pending.Attempts; a malformed code does not.
func (s *AuthService) VerifyPending(ctx context.Context, pending *session.PendingTwoFactor, rawCode string) (VerifyOutcome, *models.User, error) {
	outcome, user, err := s.CheckPending(ctx, *pending)
	if err != nil || outcome != VerifyFailed {
		return outcome, user, err
	}

	code, ok := NormalizeCode(rawCode)
	if !ok {
		return VerifyMalformed, user, nil
	}

	if s.TOTP.Verify(user, code, s.Window) {
		return VerifySucceeded, user, nil
	}

	pending.Attempts++
	logger.WarnWithUser(user.ID.String(), "2fa_verify_failed", map[string]interface{}{
		"attempts": pending.Attempts,
	})
	return VerifyFailed, user, nil
}

// RecordLogin stamps the last successful login time.
func (s *AuthService) RecordLogin(ctx context.Context, user *models.User) error {
	now := s.Now().UTC()
	if err := s.DB.WithContext(ctx).Model(user).Update("last_login_at", now).Error; err != nil {
		return err
	}
	user.LastLoginAt = &now
	return nil
}
