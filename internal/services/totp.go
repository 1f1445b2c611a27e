package services

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

const (
	totpPeriod    = 30
	totpQRSize    = 200
	defaultIssuer = "Client-Manager"
)

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

type TOTPService struct {
	DB     *gorm.DB
	Issuer string
	Now    func() time.Time
}

func NewTOTPService(db *gorm.DB, issuer string) *TOTPService {
	if issuer == "" {
		issuer = defaultIssuer
	}
	return &TOTPService{DB: db, Issuer: issuer, Now: time.Now}
}

// Secret returns the user's base32 secret, or "" when none is provisioned.
func (s *TOTPService) Secret(user *models.User) string {
	if !user.HasTOTPSecret() {
		return ""
	}
	return utils.OpenOrPlaintext(*user.TOTPSecret)
}

// EnsureSecret provisions a secret on first use and persists it. Existing
// secrets are returned unchanged.
func (s *TOTPService) EnsureSecret(ctx context.Context, user *models.User) (string, error) {
	if secret := s.Secret(user); secret != "" {
		return secret, nil
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	secret := key.Secret()

	stored, err := utils.SealSecret(secret)
	if errors.Is(err, utils.ErrSealingNotConfigured) {
		stored = secret
	} else if err != nil {
		return "", fmt.Errorf("seal totp secret: %w", err)
	}

	if err := s.DB.WithContext(ctx).Model(user).Update("totp_secret", stored).Error; err != nil {
		return "", fmt.Errorf("persist totp secret: %w", err)
	}
	user.TOTPSecret = &stored

	logger.InfoWithUser(user.ID.String(), "totp_secret_provisioned", nil)
	return secret, nil
}

// ProvisioningURI returns the otpauth:// URI for authenticator apps,
// provisioning a secret if the user has none.
func (s *TOTPService) ProvisioningURI(ctx context.Context, user *models.User) (string, error) {
	secret, err := s.EnsureSecret(ctx, user)
	if err != nil {
		return "", err
	}

	raw, err := b32NoPadding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Email,
		Period:      totpPeriod,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// Verify accepts code if it matches any 30-second step within ±window steps
// of now. Users without a secret never verify.
func (s *TOTPService) Verify(user *models.User, code string, window int) bool {
	secret := s.Secret(user)
	if secret == "" || code == "" {
		return false
	}
	if window < 0 {
		window = 0
	}

	valid, err := totp.ValidateCustom(code, secret, s.Now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      uint(window),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// Enable marks 2FA as enrolled. Setup is the only caller.
func (s *TOTPService) Enable(ctx context.Context, user *models.User) error {
	if err := s.DB.WithContext(ctx).Model(user).Update("two_factor_enabled", true).Error; err != nil {
		return err
	}
	user.TwoFactorEnabled = true
	return nil
}

// Disable turns 2FA off and wipes the secret so re-enrolment starts fresh.
func (s *TOTPService) Disable(ctx context.Context, user *models.User) error {
	if err := s.DB.WithContext(ctx).Model(user).Updates(map[string]interface{}{
		"two_factor_enabled": false,
		"totp_secret":        nil,
	}).Error; err != nil {
		return err
	}
	user.TwoFactorEnabled = false
	user.TOTPSecret = nil
	return nil
}

// QRDataURI renders a provisioning URI as an inline PNG data URI.
func QRDataURI(uri string) (string, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", err
	}
	img, err := key.Image(totpQRSize, totpQRSize)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
