package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/pkg/logger"
)

const notifierTimeout = 10 * time.Second

// Notifier posts team chat alerts to an incoming webhook. Delivery is best
// effort: failures are logged and never returned to the caller.
type Notifier struct {
	WebhookURL string
	Channel    string
	Username   string
	Client     *http.Client
}

func NewNotifier(cfg config.MattermostConfig) *Notifier {
	return &Notifier{
		WebhookURL: cfg.WebhookURL,
		Channel:    cfg.Channel,
		Username:   cfg.Username,
		Client:     &http.Client{Timeout: notifierTimeout},
	}
}

type webhookPayload struct {
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || n.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(webhookPayload{Channel: n.Channel, Username: n.Username, Text: text})
	if err != nil {
		logger.Error("notify_encode_failed", err, nil)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		logger.Error("notify_request_failed", err, nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: notifierTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Error("notify_post_failed", err, nil)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("notify_rejected", map[string]interface{}{
			"status": resp.StatusCode,
		})
	}
}

func displayName(user *models.User) string {
	if user == nil {
		return "unknown"
	}
	if name := user.FullName(); name != "" {
		return name
	}
	return user.Email
}

// NotifyClientChange announces that a client was added, modified or deleted.
func (n *Notifier) NotifyClientChange(ctx context.Context, action, clientName string, actor *models.User) {
	var verb string
	switch action {
	case models.AuditActionClientCreate:
		n.Notify(ctx, fmt.Sprintf("CRM Updates: A new client called **%s** has been added by **%s**", clientName, displayName(actor)))
		return
	case models.AuditActionClientUpdate:
		verb = "modified"
	case models.AuditActionClientDelete:
		verb = "deleted"
	default:
		return
	}
	n.Notify(ctx, fmt.Sprintf("CRM Updates: The client called **%s** has been %s by **%s**", clientName, verb, displayName(actor)))
}

func (n *Notifier) NotifyBulkEmail(ctx context.Context, subject string, recipients int, actor *models.User) {
	n.Notify(ctx, fmt.Sprintf(
		"CRM Updates: A notification with the subject %q was successfully sent to %d client(s) by %s.",
		subject, recipients, displayName(actor),
	))
}
