package middleware

import (
	"strings"

	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// Enforce2FAConfig names the setup page and the paths a user who still has
// to enrol may reach.
type Enforce2FAConfig struct {
	SetupPath      string
	ExemptPaths    []string
	ExemptPrefixes []string
}

// DefaultEnforce2FAConfig exempts the account flows needed to finish or
// abandon enrolment, plus static and media assets.
func DefaultEnforce2FAConfig(staticPrefix, mediaPrefix string) Enforce2FAConfig {
	cfg := Enforce2FAConfig{
		SetupPath: "/accounts/setup-2fa/",
		ExemptPaths: []string{
			"/accounts/setup-2fa/",
			"/accounts/logout/",
			"/accounts/login/",
			"/accounts/verify-2fa/",
		},
	}
	for _, prefix := range []string{staticPrefix, mediaPrefix} {
		if prefix != "" {
			cfg.ExemptPrefixes = append(cfg.ExemptPrefixes, prefix)
		}
	}
	return cfg
}

func (cfg Enforce2FAConfig) exempt(path string) bool {
	normalized := trimSlash(path)
	if normalized == trimSlash(cfg.SetupPath) {
		return true
	}
	for _, p := range cfg.ExemptPaths {
		if normalized == trimSlash(p) {
			return true
		}
	}
	for _, prefix := range cfg.ExemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func trimSlash(path string) string {
	if path == "/" {
		return path
	}
	return strings.TrimRight(path, "/")
}

// Enforce2FA redirects authenticated users whose account requires 2FA but
// who have not enrolled yet. Anonymous requests pass through untouched.
func Enforce2FA(cfg Enforce2FAConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetCurrentUser(c)
		if user == nil || !user.NeedsTwoFactorSetup() || cfg.exempt(c.Path()) {
			return c.Next()
		}
		logger.InfoWithUser(user.ID.String(), "2fa_setup_enforced", map[string]interface{}{
			"path": c.Path(),
		})
		return utils.Redirect(c, cfg.SetupPath)
	}
}
