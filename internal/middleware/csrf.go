package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/csrf"
)

const (
	CSRFHeader     = "X-CSRF-Token"
	CSRFFormField  = "csrf_token"
	CSRFCookieName = "csrftoken"
	csrfContextKey = "csrfToken"
)

var (
	errCSRFTokenMissing = errors.New("csrf token missing")
	errCSRFOrigin       = errors.New("origin does not match host")
)

type CSRFConfig struct {
	// Storage holds issued tokens; nil keeps them in process memory.
	Storage    fiber.Storage
	Secure     bool
	Expiration time.Duration
	// ExemptPaths skip the check entirely.
	ExemptPaths []string
	// TrustedOrigins may send unsafe requests besides the server's own origin.
	TrustedOrigins []string
}

// CSRF rejects unsafe requests that do not echo the token from the
// csrftoken cookie in the X-CSRF-Token header or the csrf_token form field.
// Unsafe requests from an untrusted Origin are rejected regardless of the token.
func CSRF(cfg CSRFConfig) fiber.Handler {
	expiration := cfg.Expiration
	if expiration <= 0 {
		expiration = time.Hour
	}
	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = struct{}{}
	}
	trusted := make(map[string]struct{}, len(cfg.TrustedOrigins))
	for _, origin := range cfg.TrustedOrigins {
		trusted[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}

	protect := csrf.New(csrf.Config{
		CookieName:        CSRFCookieName,
		CookiePath:        "/",
		CookieSecure:      cfg.Secure,
		CookieHTTPOnly:    true,
		CookieSameSite:    "Lax",
		CookieSessionOnly: true,
		Expiration:        expiration,
		Storage:           cfg.Storage,
		ContextKey:        csrfContextKey,
		Extractor:         extractCSRFToken,
		ErrorHandler:      rejectCSRF,
	})

	return func(c *fiber.Ctx) error {
		if _, ok := exempt[c.Path()]; ok {
			return c.Next()
		}
		if !isSafeMethod(c.Method()) {
			if origin := strings.ToLower(c.Get(fiber.HeaderOrigin)); origin != "" && origin != strings.ToLower(c.BaseURL()) {
				if _, ok := trusted[origin]; !ok {
					return rejectCSRF(c, errCSRFOrigin)
				}
			}
		}
		return protect(c)
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions, fiber.MethodTrace:
		return true
	}
	return false
}

func rejectCSRF(c *fiber.Ctx, err error) error {
	details := map[string]interface{}{
		"path":       c.Path(),
		"method":     c.Method(),
		"reason":     err.Error(),
		"origin":     c.Get(fiber.HeaderOrigin),
		"request_id": RequestID(c),
	}
	if userID := logger.GetUserIDFromContext(c); userID != nil {
		logger.WarnWithUser(*userID, "csrf_rejected", details)
	} else {
		logger.Warn("csrf_rejected", details)
	}
	return utils.Error(c, fiber.StatusForbidden, "CSRF verification failed.")
}

func extractCSRFToken(c *fiber.Ctx) (string, error) {
	if token := c.Get(CSRFHeader); token != "" {
		return token, nil
	}
	if token := c.FormValue(CSRFFormField); token != "" {
		return token, nil
	}
	return "", errCSRFTokenMissing
}

// CSRFToken returns the token issued for this request, for embedding in
// forms rendered from the page data.
func CSRFToken(c *fiber.Ctx) string {
	token, _ := c.Locals(csrfContextKey).(string)
	return token
}
