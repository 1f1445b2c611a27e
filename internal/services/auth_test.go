package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	db := setupServiceDB(t)
	totpService := NewTOTPService(db, "Client-Manager")
	totpService.Now = func() time.Time { return fixedNow }
	return NewAuthService(db, totpService, 10, 1)
}

func TestAuthenticate(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	createServiceUser(t, auth.DB, "active@example.com", "correct-horse", userOpts{})
	createServiceUser(t, auth.DB, "inactive@example.com", "correct-horse", userOpts{inactive: true})
	createServiceUser(t, auth.DB, "unusable@example.com", "", userOpts{})

	t.Run("valid credentials", func(t *testing.T) {
		user, backend, err := auth.Authenticate(ctx, "  Active@Example.com ", "correct-horse")
		require.NoError(t, err)
		assert.Equal(t, "active@example.com", user.Email)
		assert.Equal(t, BackendEmail, backend)
	})

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "active@example.com", "wrong"},
		{"unknown email", "nobody@example.com", "correct-horse"},
		{"inactive account", "inactive@example.com", "correct-horse"},
		{"unusable password", "unusable@example.com", ""},
		{"empty email", "", "correct-horse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, backend, err := auth.Authenticate(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Nil(t, user)
			assert.Empty(t, backend)
		})
	}
}

type stubBackend struct {
	name string
	user *models.User
	err  error
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Authenticate(context.Context, string, string) (*models.User, error) {
	return b.user, b.err
}

func TestAuthenticateFallsThroughBackends(t *testing.T) {
	auth := newTestAuth(t)
	user := &models.User{Email: "dir@example.com"}

	auth.Backends = []Backend{
		&stubBackend{name: "broken", err: errors.New("directory down")},
		&stubBackend{name: "rejecting", err: ErrInvalidCredentials},
		&stubBackend{name: "accepting", user: user},
	}

	got, backend, err := auth.Authenticate(context.Background(), "dir@example.com", "pw")
	require.NoError(t, err)
	assert.Same(t, user, got)
	assert.Equal(t, "accepting", backend)

	auth.Backends = auth.Backends[:2]
	_, _, err = auth.Authenticate(context.Background(), "dir@example.com", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "backend errors must not leak")
}

func TestDecideLogin(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		enabled  bool
		want     LoginDecision
	}{
		{"plain user", false, false, DecisionComplete},
		{"required but not enrolled", true, false, DecisionForceSetup},
		{"enrolled", false, true, DecisionAwaitCode},
		{"required and enrolled", true, true, DecisionAwaitCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := &models.User{TwoFactorRequired: tt.required, TwoFactorEnabled: tt.enabled}
			assert.Equal(t, tt.want, DecideLogin(user))
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"123456", "123456", true},
		{"  123456 ", "123456", true},
		{"1234", "1234", true},
		{"12345678", "12345678", true},
		{"123", "", false},
		{"123456789", "", false},
		{"12a456", "", false},
		{"12 456", "", false},
		{"", "", false},
		{"١٢٣٤٥٦", "", false},
	}

	for _, tt := range tests {
		got, ok := NormalizeCode(tt.raw)
		assert.Equal(t, tt.ok, ok, "NormalizeCode(%q)", tt.raw)
		assert.Equal(t, tt.want, got, "NormalizeCode(%q)", tt.raw)
	}
}

func TestVerifyPending(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	user := createServiceUser(t, auth.DB, "2fa@example.com", "pw-12345678", userOpts{enabled: true})
	secret, err := auth.TOTP.EnsureSecret(ctx, user)
	require.NoError(t, err)

	validCode, err := totp.GenerateCode(secret, fixedNow)
	require.NoError(t, err)
	staleCode, err := totp.GenerateCode(secret, fixedNow.Add(-5*time.Minute))
	require.NoError(t, err)

	t.Run("valid code succeeds without consuming attempts", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: user.ID, Backend: BackendEmail}
		outcome, got, err := auth.VerifyPending(ctx, pending, validCode)
		require.NoError(t, err)
		assert.Equal(t, VerifySucceeded, outcome)
		assert.Equal(t, user.ID, got.ID)
		assert.Equal(t, 0, pending.Attempts)
	})

	t.Run("wrong code increments attempts", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: user.ID}
		outcome, _, err := auth.VerifyPending(ctx, pending, staleCode)
		require.NoError(t, err)
		assert.Equal(t, VerifyFailed, outcome)
		assert.Equal(t, 1, pending.Attempts)
	})

	t.Run("malformed code does not consume an attempt", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: user.ID, Attempts: 3}
		outcome, _, err := auth.VerifyPending(ctx, pending, "abc")
		require.NoError(t, err)
		assert.Equal(t, VerifyMalformed, outcome)
		assert.Equal(t, 3, pending.Attempts)
	})

	t.Run("spent budget locks out even a correct code", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: user.ID, Attempts: 10}
		outcome, _, err := auth.VerifyPending(ctx, pending, validCode)
		require.NoError(t, err)
		assert.Equal(t, VerifyLockedOut, outcome)
	})

	t.Run("ten failures then lockout", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: user.ID}
		for i := 0; i < 10; i++ {
			outcome, _, err := auth.VerifyPending(ctx, pending, staleCode)
			require.NoError(t, err)
			require.Equal(t, VerifyFailed, outcome, "attempt %d", i+1)
		}
		outcome, _, err := auth.VerifyPending(ctx, pending, validCode)
		require.NoError(t, err)
		assert.Equal(t, VerifyLockedOut, outcome)
	})

	t.Run("deleted user", func(t *testing.T) {
		pending := &session.PendingTwoFactor{UserID: uuid.New()}
		outcome, got, err := auth.VerifyPending(ctx, pending, validCode)
		require.NoError(t, err)
		assert.Equal(t, VerifyUnknownUser, outcome)
		assert.Nil(t, got)
	})
}

func TestRecordLogin(t *testing.T) {
	auth := newTestAuth(t)
	auth.Now = func() time.Time { return fixedNow }
	user := createServiceUser(t, auth.DB, "seen@example.com", "pw-12345678", userOpts{})

	require.NoError(t, auth.RecordLogin(context.Background(), user))

	var reloaded models.User
	require.NoError(t, auth.DB.First(&reloaded, "id = ?", user.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	assert.True(t, reloaded.LastLoginAt.Equal(fixedNow))
}
