package session

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/google/uuid"
)

const (
	stateKey        = "auth_state"
	forceSetupKey   = "force_2fa_next"
	messagesKey     = "_messages"
	localsSession   = "session"
	localsDestroyed = "session_destroyed"
)

type MessageLevel string

const (
	LevelInfo    MessageLevel = "info"
	LevelSuccess MessageLevel = "success"
	LevelWarning MessageLevel = "warning"
	LevelError   MessageLevel = "error"
)

// Message is a one-shot notice shown on the next rendered page.
type Message struct {
	Level MessageLevel `json:"level"`
	Text  string       `json:"text"`
}

var ErrNoSession = errors.New("session middleware not installed")

type Manager struct {
	store *fibersession.Store
}

// NewManager builds a cookie-keyed session store. A nil storage keeps
// sessions in process memory.
func NewManager(cfg config.SessionConfig, storage fiber.Storage) *Manager {
	name := cfg.CookieName
	if name == "" {
		name = "sessionid"
	}
	return &Manager{
		store: fibersession.New(fibersession.Config{
			Expiration:     cfg.Expiration,
			Storage:        storage,
			KeyLookup:      "cookie:" + name,
			CookieSecure:   cfg.Secure,
			CookieHTTPOnly: true,
			CookieSameSite: "Lax",
		}),
	}
}

// Middleware loads the session before the handler chain and saves it once
// afterwards. Saving on every request slides the expiry window.
func (m *Manager) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := m.store.Get(c)
		if err != nil {
			logger.Error("session_load_failed", err, map[string]interface{}{
				"path": c.Path(),
			})
			return fiber.ErrInternalServerError
		}
		c.Locals(localsSession, sess)

		handlerErr := c.Next()

		if destroyed, _ := c.Locals(localsDestroyed).(bool); destroyed {
			return handlerErr
		}
		if sess.Fresh() && len(sess.Keys()) == 0 {
			return handlerErr
		}
		if err := sess.Save(); err != nil {
			logger.Error("session_save_failed", err, map[string]interface{}{
				"path": c.Path(),
			})
			if handlerErr == nil {
				return fiber.ErrInternalServerError
			}
		}
		return handlerErr
	}
}

func (m *Manager) get(c *fiber.Ctx) (*fibersession.Session, error) {
	sess, ok := c.Locals(localsSession).(*fibersession.Session)
	if !ok || sess == nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

// State returns the current authentication state. Unreadable state is
// treated as anonymous.
func (m *Manager) State(c *fiber.Ctx) State {
	sess, err := m.get(c)
	if err != nil {
		return Anonymous{}
	}
	raw, _ := sess.Get(stateKey).(string)
	state, err := Decode(raw)
	if err != nil {
		logger.Warn("session_state_invalid", map[string]interface{}{
			"error": err.Error(),
		})
		return Anonymous{}
	}
	return state
}

func (m *Manager) SetState(c *fiber.Ctx, state State) error {
	sess, err := m.get(c)
	if err != nil {
		return err
	}
	if _, anonymous := state.(Anonymous); anonymous || state == nil {
		sess.Delete(stateKey)
		return nil
	}
	raw, err := Encode(state)
	if err != nil {
		return err
	}
	sess.Set(stateKey, raw)
	return nil
}

// Login rotates the session id and marks the session authenticated.
func (m *Manager) Login(c *fiber.Ctx, userID uuid.UUID, backend string) error {
	sess, err := m.get(c)
	if err != nil {
		return err
	}
	if err := sess.Regenerate(); err != nil {
		return err
	}
	return m.SetState(c, Authenticated{UserID: userID, Backend: backend})
}

// Logout deletes the session server-side and expires the cookie.
func (m *Manager) Logout(c *fiber.Ctx) error {
	sess, err := m.get(c)
	if err != nil {
		return err
	}
	if err := sess.Destroy(); err != nil {
		return err
	}
	c.Locals(localsDestroyed, true)
	return nil
}

func (m *Manager) SetForceSetupNext(c *fiber.Ctx, next string) error {
	sess, err := m.get(c)
	if err != nil {
		return err
	}
	if next == "" {
		sess.Delete(forceSetupKey)
		return nil
	}
	sess.Set(forceSetupKey, next)
	return nil
}

// PopForceSetupNext returns and clears the destination stashed when a user
// was sent to mandatory 2FA setup.
func (m *Manager) PopForceSetupNext(c *fiber.Ctx) string {
	sess, err := m.get(c)
	if err != nil {
		return ""
	}
	next, _ := sess.Get(forceSetupKey).(string)
	sess.Delete(forceSetupKey)
	return next
}

func (m *Manager) AddMessage(c *fiber.Ctx, level MessageLevel, text string) {
	sess, err := m.get(c)
	if err != nil {
		return
	}
	messages := m.peekMessages(sess)
	messages = append(messages, Message{Level: level, Text: text})
	data, err := json.Marshal(messages)
	if err != nil {
		return
	}
	sess.Set(messagesKey, string(data))
}

func (m *Manager) PopMessages(c *fiber.Ctx) []Message {
	sess, err := m.get(c)
	if err != nil {
		return []Message{}
	}
	messages := m.peekMessages(sess)
	sess.Delete(messagesKey)
	return messages
}

func (m *Manager) peekMessages(sess *fibersession.Session) []Message {
	raw, _ := sess.Get(messagesKey).(string)
	messages := []Message{}
	if strings.TrimSpace(raw) == "" {
		return messages
	}
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return []Message{}
	}
	return messages
}
