package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/pkg/invitetoken"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invitationFixture struct {
	svc    *InvitationService
	mailer *recordingMailer
	now    time.Time
}

func newTestInvitations(t *testing.T) *invitationFixture {
	t.Helper()
	f := &invitationFixture{mailer: &recordingMailer{}, now: fixedNow}
	tokens := invitetoken.New("invitation-test-secret", 7*24*time.Hour).WithClock(func() time.Time { return f.now })
	f.svc = NewInvitationService(setupServiceDB(t), tokens, f.mailer, "https://crm.example.com/")
	return f
}

// linkParts extracts uidb64 and token from an activation link.
func linkParts(t *testing.T, link string) (string, string) {
	t.Helper()
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	rest := strings.TrimPrefix(parsed.Path, SetPasswordPathPrefix)
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	require.Len(t, parts, 2, link)
	return parts[0], parts[1]
}

func TestCreateInactiveUser(t *testing.T) {
	f := newTestInvitations(t)
	ctx := context.Background()

	user, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: " New@Example.com ", Password: "chosen-password", FirstName: "New"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.False(t, user.IsActive)
	assert.True(t, utils.CheckPassword("chosen-password", user.PasswordHash))

	invited, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "invited@example.com", TwoFactorRequired: true, IsStaff: true})
	require.NoError(t, err)
	assert.False(t, invited.HasUsablePassword())
	assert.True(t, invited.TwoFactorRequired)
	assert.True(t, invited.IsStaff)

	_, err = f.svc.CreateInactiveUser(ctx, NewAccount{Email: "NEW@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = f.svc.CreateInactiveUser(ctx, NewAccount{Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidEmail)
}

func TestUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	encoded := EncodeUID(id)
	assert.NotContains(t, encoded, "=")

	decoded, err := DecodeUID(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)

	_, err = DecodeUID("%%%")
	assert.Error(t, err)
	_, err = DecodeUID(EncodeUID(id)[:10])
	assert.Error(t, err)
}

func TestSendWelcome(t *testing.T) {
	f := newTestInvitations(t)
	ctx := context.Background()

	user, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "welcome@example.com", FirstName: "Wanjiru", LastName: "K"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SendWelcome(ctx, user))

	sent := f.mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"welcome@example.com"}, sent[0].To)
	assert.Equal(t, "Welcome to Client Manager", sent[0].Subject)
	assert.Contains(t, sent[0].Text, "https://crm.example.com/accounts/set-password/")
	assert.Contains(t, sent[0].HTML, "Wanjiru K")
	assert.Contains(t, sent[0].Text, "7 day(s)")

	f.mailer.err = errors.New("smtp down")
	assert.Error(t, f.svc.SendWelcome(ctx, user))
}

func TestResolveUserAndSetPassword(t *testing.T) {
	f := newTestInvitations(t)
	ctx := context.Background()

	user, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "activate@example.com"})
	require.NoError(t, err)

	link, err := f.svc.ActivationLink(user)
	require.NoError(t, err)
	uid, token := linkParts(t, link)

	resolved, err := f.svc.ResolveUser(ctx, uid, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	t.Run("tampered token", func(t *testing.T) {
		_, err := f.svc.ResolveUser(ctx, uid, token+"x")
		assert.ErrorIs(t, err, ErrInvalidLink)
	})

	t.Run("token for another user", func(t *testing.T) {
		other, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "other@example.com"})
		require.NoError(t, err)
		_, err = f.svc.ResolveUser(ctx, EncodeUID(other.ID), token)
		assert.ErrorIs(t, err, ErrInvalidLink)
	})

	t.Run("unknown uid", func(t *testing.T) {
		_, err := f.svc.ResolveUser(ctx, EncodeUID(uuid.New()), token)
		assert.ErrorIs(t, err, ErrInvalidLink)
	})

	t.Run("garbage uid", func(t *testing.T) {
		_, err := f.svc.ResolveUser(ctx, "!!", token)
		assert.ErrorIs(t, err, ErrInvalidLink)
	})

	t.Run("expired token", func(t *testing.T) {
		f.now = fixedNow.Add(7*24*time.Hour + time.Second)
		defer func() { f.now = fixedNow }()
		_, err := f.svc.ResolveUser(ctx, uid, token)
		assert.ErrorIs(t, err, ErrInvalidLink)
	})

	require.NoError(t, f.svc.SetPassword(ctx, resolved, "brand-new-pass"))

	var reloaded models.User
	require.NoError(t, f.svc.DB.First(&reloaded, "id = ?", user.ID).Error)
	assert.True(t, reloaded.IsActive)
	assert.True(t, utils.CheckPassword("brand-new-pass", reloaded.PasswordHash))

	_, err = f.svc.ResolveUser(ctx, uid, token)
	assert.ErrorIs(t, err, ErrAlreadyActive, "activated accounts cannot reuse the link")
}

func TestInvitationTokenSurvivesActiveToggle(t *testing.T) {
	f := newTestInvitations(t)
	ctx := context.Background()

	user, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "toggle@example.com"})
	require.NoError(t, err)
	link, err := f.svc.ActivationLink(user)
	require.NoError(t, err)
	uid, token := linkParts(t, link)

	require.NoError(t, f.svc.DB.Model(user).Update("is_active", true).Error)
	assert.True(t, f.svc.Tokens.Check(user.ID, token))
	_, err = f.svc.ResolveUser(ctx, uid, token)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	// An admin deactivating the account leaves the outstanding link usable.
	require.NoError(t, f.svc.DB.Model(user).Update("is_active", false).Error)
	assert.True(t, f.svc.Tokens.Check(user.ID, token))
	resolved, err := f.svc.ResolveUser(ctx, uid, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
	assert.False(t, resolved.IsActive)
}

func TestValidateNewPassword(t *testing.T) {
	assert.Nil(t, ValidateNewPassword("long-enough", "long-enough"))
	assert.Contains(t, ValidateNewPassword("", ""), "new_password1")
	assert.Equal(t, "The two password fields didn't match.", ValidateNewPassword("abcdefgh", "abcdefgx")["new_password2"])
	assert.Contains(t, ValidateNewPassword("short", "short")["new_password2"], "at least 8 characters")
}

func TestResendActivation(t *testing.T) {
	f := newTestInvitations(t)
	ctx := context.Background()

	createServiceUser(t, f.svc.DB, "live@example.com", "password123", userOpts{})
	pending, err := f.svc.CreateInactiveUser(ctx, NewAccount{Email: "pending@example.com"})
	require.NoError(t, err)

	outcome, err := f.svc.ResendActivation(ctx, "live@example.com")
	require.NoError(t, err)
	assert.Equal(t, ResendAlreadyActive, outcome)

	outcome, err = f.svc.ResendActivation(ctx, "missing@example.com")
	require.NoError(t, err)
	assert.Equal(t, ResendUnknown, outcome)
	assert.Empty(t, f.mailer.messages())

	outcome, err = f.svc.ResendActivation(ctx, "Pending@Example.com")
	require.NoError(t, err)
	assert.Equal(t, ResendSent, outcome)

	sent := f.mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{pending.Email}, sent[0].To)
}
