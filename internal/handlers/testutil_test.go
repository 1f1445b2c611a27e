package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/internal/database"
	"github.com/anganicrm/clientmanager/internal/middleware"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/internal/services"
	"github.com/anganicrm/clientmanager/internal/session"
	"github.com/anganicrm/clientmanager/pkg/invitetoken"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSecret   = "handler-test-secret"
	testSiteURL  = "http://crm.test"
	testPassword = "correct-horse-battery"
)

var (
	testSetupOnce sync.Once
	fixedNow      = time.Date(2026, 1, 1, 12, 0, 15, 0, time.UTC)
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []services.Message
}

func (m *recordingMailer) Send(_ context.Context, msg services.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) messages() []services.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]services.Message(nil), m.sent...)
}

type chatRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *chatRecorder) handler(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(req.Body).Decode(&payload)
	r.mu.Lock()
	r.texts = append(r.texts, payload.Text)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *chatRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type testEnv struct {
	app         *fiber.App
	db          *gorm.DB
	mailer      *recordingMailer
	chat        *chatRecorder
	totp        *services.TOTPService
	invitations *services.InvitationService
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.SetOutput(io.Discard)
		utils.ConfigureSealing(testSecret)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating models: %v", err)
	}

	chat := &chatRecorder{}
	chatServer := httptest.NewServer(http.HandlerFunc(chat.handler))
	t.Cleanup(chatServer.Close)

	mailer := &recordingMailer{}
	notifier := services.NewNotifier(config.MattermostConfig{WebhookURL: chatServer.URL, Channel: "crm", Username: "crm-bot"})
	auditService := services.NewAuditService(db, nil, 100)
	t.Cleanup(auditService.Close)

	totpService := services.NewTOTPService(db, "Client-Manager")
	totpService.Now = func() time.Time { return fixedNow }
	authService := services.NewAuthService(db, totpService, services.DefaultMaxTwoFactorAttempts, 1)
	invitations := services.NewInvitationService(db, invitetoken.New(testSecret, 7*24*time.Hour), mailer, testSiteURL)

	sessions := session.NewManager(config.SessionConfig{CookieName: "sessionid", Expiration: time.Hour}, nil)
	authMiddleware := middleware.NewAuthMiddleware(db, sessions)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(middleware.RequestLogger())
	app.Use(sessions.Middleware())
	app.Use(authMiddleware.LoadUser)
	app.Use(middleware.CSRF(middleware.CSRFConfig{Expiration: time.Hour, ExemptPaths: []string{"/health"}}))
	app.Use(middleware.Enforce2FA(middleware.DefaultEnforce2FAConfig("/static/", "/media/")))

	Routes{
		Auth:     authMiddleware,
		Accounts: NewAccountsHandler(db, sessions, authService, totpService, invitations, auditService, "/"),
		Clients:  NewClientsHandler(db, sessions, auditService, notifier, mailer),
		Users:    NewUsersHandler(db, sessions, invitations, auditService),
		Home:     NewHomeHandler(sessions),
	}.Register(app)

	return &testEnv{
		app:         app,
		db:          db,
		mailer:      mailer,
		chat:        chat,
		totp:        totpService,
		invitations: invitations,
	}
}

type userOpts struct {
	inactive bool
	staff    bool
	required bool
}

func createTestUser(t *testing.T, db *gorm.DB, email string, opts userOpts) *models.User {
	t.Helper()

	hash, err := utils.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}
	user := &models.User{
		Email:             email,
		PasswordHash:      hash,
		FirstName:         "Test",
		LastName:          "User",
		IsActive:          !opts.inactive,
		IsStaff:           opts.staff,
		TwoFactorRequired: opts.required,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}
	return user
}

// enrollTestUser provisions a TOTP secret and turns 2FA on, returning the
// plaintext secret.
func enrollTestUser(t *testing.T, env *testEnv, user *models.User) string {
	t.Helper()
	secret, err := env.totp.EnsureSecret(context.Background(), user)
	if err != nil {
		t.Fatalf("failed provisioning secret: %v", err)
	}
	if err := env.totp.Enable(context.Background(), user); err != nil {
		t.Fatalf("failed enabling 2fa: %v", err)
	}
	return secret
}

func reloadUser(t *testing.T, db *gorm.DB, user *models.User) *models.User {
	t.Helper()
	var fresh models.User
	if err := db.First(&fresh, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading user: %v", err)
	}
	return &fresh
}

func validCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, fixedNow)
	if err != nil {
		t.Fatalf("failed generating code: %v", err)
	}
	return code
}

// wrongCode returns a six digit code outside the accepted window.
func wrongCode(t *testing.T, secret string) string {
	t.Helper()
	accepted := map[string]bool{}
	for _, offset := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		code, err := totp.GenerateCode(secret, fixedNow.Add(offset))
		if err != nil {
			t.Fatalf("failed generating code: %v", err)
		}
		accepted[code] = true
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if !accepted[candidate] {
			return candidate
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

// browser carries the session and CSRF cookies between requests the way a
// user agent would, and echoes the CSRF token on unsafe requests.
type browser struct {
	t      *testing.T
	app    *fiber.App
	cookie *http.Cookie
	csrf   string
}

func newBrowser(t *testing.T, env *testEnv) *browser {
	return &browser{t: t, app: env.app}
}

func (b *browser) do(req *http.Request) *http.Response {
	b.t.Helper()

	if req.Method != http.MethodGet && req.Header.Get(middleware.CSRFHeader) == "" {
		if b.csrf == "" {
			// A first visit to the login page issues the token.
			b.send(httptest.NewRequest(http.MethodGet, loginPath, nil))
		}
		req.Header.Set(middleware.CSRFHeader, b.csrf)
	}
	return b.send(req)
}

// send issues req with the stored cookies but adds no CSRF header.
func (b *browser) send(req *http.Request) *http.Response {
	b.t.Helper()

	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	if b.csrf != "" {
		req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: b.csrf})
	}
	resp, err := b.app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		b.t.Fatalf("request %s %s failed: %v", req.Method, req.URL.Path, err)
	}
	for _, cookie := range resp.Cookies() {
		expired := cookie.Value == "" || (!cookie.Expires.IsZero() && cookie.Expires.Before(time.Now()))
		switch cookie.Name {
		case "sessionid":
			if expired {
				b.cookie = nil
				continue
			}
			b.cookie = &http.Cookie{Name: cookie.Name, Value: cookie.Value}
		case middleware.CSRFCookieName:
			if expired {
				b.csrf = ""
				continue
			}
			b.csrf = cookie.Value
		}
	}
	return resp
}

func (b *browser) get(path string) *http.Response {
	b.t.Helper()
	return b.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (b *browser) postForm(path string, form url.Values) *http.Response {
	b.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

// postFormWithHeaders posts without the automatic CSRF header; headers are
// set as given.
func (b *browser) postFormWithHeaders(path string, form url.Values, headers map[string]string) *http.Response {
	b.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return b.send(req)
}

func (b *browser) postJSON(path string, payload any) *http.Response {
	b.t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		b.t.Fatalf("failed to marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// login posts credentials and expects a redirect.
func (b *browser) login(email, password, next string) *http.Response {
	b.t.Helper()
	form := url.Values{"email": {email}, "password": {password}}
	if next != "" {
		form.Set("next", next)
	}
	resp := b.postForm(loginPath, form)
	assertStatus(b.t, resp, fiber.StatusFound)
	return resp
}

// page GETs path, expects 200 and returns the envelope data.
func (b *browser) page(path string) map[string]any {
	b.t.Helper()
	resp := b.get(path)
	assertStatus(b.t, resp, fiber.StatusOK)
	body := decodeJSONMap(b.t, resp)
	data, _ := body["data"].(map[string]any)
	if data == nil {
		b.t.Fatalf("expected data object, got %+v", body)
	}
	return data
}

func messageTexts(data map[string]any) []string {
	raw, _ := data["messages"].([]any)
	var texts []string
	for _, item := range raw {
		if msg, ok := item.(map[string]any); ok {
			text, _ := msg["text"].(string)
			texts = append(texts, text)
		}
	}
	return texts
}

func assertMessage(t *testing.T, data map[string]any, expected string) {
	t.Helper()
	for _, text := range messageTexts(data) {
		if text == expected {
			return
		}
	}
	t.Fatalf("expected message %q, got %v", expected, messageTexts(data))
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}
	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertRedirect(t *testing.T, resp *http.Response, location string) {
	t.Helper()
	assertStatus(t, resp, fiber.StatusFound)
	if got := resp.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %q, got %q", location, got)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func fieldErrors(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	assertStatus(t, resp, fiber.StatusBadRequest)
	body := decodeJSONMap(t, resp)
	fields, _ := body["fields"].(map[string]any)
	if fields == nil {
		t.Fatalf("expected field errors, got %+v", body)
	}
	return fields
}
