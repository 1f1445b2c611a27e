package services

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/pkg/invitetoken"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SetPasswordPathPrefix = "/accounts/set-password/"
	welcomeSubject        = "Welcome to Client Manager"
)

var (
	ErrEmailTaken    = errors.New("an account with this email already exists")
	ErrInvalidEmail  = errors.New("enter a valid email address")
	ErrInvalidLink   = errors.New("this link is invalid or has expired")
	ErrAlreadyActive = errors.New("account is already active")
)

//go:embed templates/welcome.html templates/welcome.txt
var welcomeTemplates embed.FS

var (
	welcomeHTML = htmltemplate.Must(htmltemplate.ParseFS(welcomeTemplates, "templates/welcome.html"))
	welcomeText = texttemplate.Must(texttemplate.ParseFS(welcomeTemplates, "templates/welcome.txt"))
)

type InvitationService struct {
	DB      *gorm.DB
	Tokens  *invitetoken.Generator
	Mailer  Mailer
	SiteURL string
}

func NewInvitationService(db *gorm.DB, tokens *invitetoken.Generator, mailer Mailer, siteURL string) *InvitationService {
	return &InvitationService{
		DB:      db,
		Tokens:  tokens,
		Mailer:  mailer,
		SiteURL: strings.TrimRight(siteURL, "/"),
	}
}

type NewAccount struct {
	Email             string
	Password          string
	FirstName         string
	LastName          string
	IsStaff           bool
	TwoFactorRequired bool
}

// CreateInactiveUser stores a new account that cannot log in until its
// password is set through an activation link. An empty Password leaves the
// account with an unusable password.
func (s *InvitationService) CreateInactiveUser(ctx context.Context, account NewAccount) (*models.User, error) {
	email := models.NormalizeEmail(account.Email)
	if !models.IsValidEmail(email) {
		return nil, ErrInvalidEmail
	}

	var count int64
	if err := s.DB.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}

	user := models.User{
		Email:             email,
		FirstName:         strings.TrimSpace(account.FirstName),
		LastName:          strings.TrimSpace(account.LastName),
		IsActive:          false,
		IsStaff:           account.IsStaff,
		TwoFactorRequired: account.TwoFactorRequired,
	}
	if account.Password != "" {
		hash, err := utils.HashPassword(account.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = hash
	}

	if err := s.DB.WithContext(ctx).Create(&user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

func EncodeUID(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id.String()))
}

func DecodeUID(uidb64 string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(uidb64, "="))
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(string(raw))
}

func (s *InvitationService) ActivationLink(user *models.User) (string, error) {
	token, err := s.Tokens.Make(user.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s%s/%s/", s.SiteURL, SetPasswordPathPrefix, EncodeUID(user.ID), token), nil
}

type welcomeData struct {
	Name string
	Link string
	Days int
	Year int
}

// SendWelcome mails a fresh activation link to user.
func (s *InvitationService) SendWelcome(ctx context.Context, user *models.User) error {
	link, err := s.ActivationLink(user)
	if err != nil {
		logger.ErrorWithUser(user.ID.String(), "activation_link_failed", err, nil)
		return fmt.Errorf("build activation link: %w", err)
	}

	name := user.FullName()
	if name == "" {
		name = user.Email
	}
	data := welcomeData{
		Name: name,
		Link: link,
		Days: int(s.Tokens.MaxAge() / (24 * time.Hour)),
		Year: time.Now().Year(),
	}

	var html, text bytes.Buffer
	if err := welcomeHTML.Execute(&html, data); err != nil {
		return fmt.Errorf("render welcome html: %w", err)
	}
	if err := welcomeText.Execute(&text, data); err != nil {
		return fmt.Errorf("render welcome text: %w", err)
	}

	if err := s.Mailer.Send(ctx, Message{
		To:      []string{user.Email},
		Subject: welcomeSubject,
		Text:    text.String(),
		HTML:    html.String(),
	}); err != nil {
		logger.ErrorWithUser(user.ID.String(), "welcome_email_failed", err, map[string]interface{}{
			"email": user.Email,
		})
		return err
	}

	logger.InfoWithUser(user.ID.String(), "welcome_email_sent", map[string]interface{}{
		"email": user.Email,
	})
	return nil
}

// ResolveUser maps an activation link to its user. Unknown users, bad uids
// and invalid or expired tokens all yield ErrInvalidLink. An already active
// account yields ErrAlreadyActive so a link cannot reset a live password.
func (s *InvitationService) ResolveUser(ctx context.Context, uidb64, token string) (*models.User, error) {
	id, err := DecodeUID(uidb64)
	if err != nil {
		return nil, ErrInvalidLink
	}

	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidLink
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if !s.Tokens.Check(user.ID, token) {
		return nil, ErrInvalidLink
	}
	if user.IsActive {
		return &user, ErrAlreadyActive
	}
	return &user, nil
}

// ValidateNewPassword returns form errors for a password pair, or nil.
func ValidateNewPassword(password1, password2 string) map[string]string {
	switch {
	case password1 == "":
		return map[string]string{"new_password1": "This field is required."}
	case password1 != password2:
		return map[string]string{"new_password2": "The two password fields didn't match."}
	case len(password1) < utils.MinPasswordLength:
		return map[string]string{"new_password2": fmt.Sprintf(
			"This password is too short. It must contain at least %d characters.", utils.MinPasswordLength)}
	}
	return nil
}

// SetPassword stores the new password and activates the account. It does
// not start a session.
func (s *InvitationService) SetPassword(ctx context.Context, user *models.User, password string) error {
	hash, err := utils.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.DB.WithContext(ctx).Model(user).Updates(map[string]interface{}{
		"password_hash": hash,
		"is_active":     true,
	}).Error; err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	user.PasswordHash = hash
	user.IsActive = true
	return nil
}

type ResendOutcome int

const (
	ResendSent ResendOutcome = iota
	ResendAlreadyActive
	ResendUnknown
)

// ResendActivation reissues the welcome email for an inactive account.
func (s *InvitationService) ResendActivation(ctx context.Context, email string) (ResendOutcome, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResendUnknown, nil
	}
	if err != nil {
		return ResendUnknown, fmt.Errorf("load user: %w", err)
	}
	if user.IsActive {
		return ResendAlreadyActive, nil
	}
	if err := s.SendWelcome(ctx, &user); err != nil {
		return ResendSent, err
	}
	return ResendSent, nil
}
