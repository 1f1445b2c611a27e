package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphBaseURL      = "https://graph.microsoft.com"
	graphScope        = "https://graph.microsoft.com/.default"
	microsoftLoginURL = "https://login.microsoftonline.com"
	mailTimeout       = 15 * time.Second
)

type Message struct {
	To      []string
	Bcc     []string
	Subject string
	Text    string
	HTML    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer returns a Graph mailer when its credentials are configured and
// a log-only mailer otherwise.
func NewMailer(cfg config.MailConfig) Mailer {
	if cfg.GraphEnabled() {
		return NewGraphMailer(cfg)
	}
	logger.Warn("mailer_log_only", map[string]interface{}{
		"reason": "graph credentials not configured",
	})
	return &LogMailer{}
}

// LogMailer records outgoing mail in the application log instead of sending it.
type LogMailer struct{}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	logger.Info("mail_logged", map[string]interface{}{
		"to":      msg.To,
		"bcc":     len(msg.Bcc),
		"subject": msg.Subject,
	})
	return nil
}

// GraphMailer sends mail through Microsoft Graph as Sender, authenticating
// with the OAuth2 client credentials grant.
type GraphMailer struct {
	Sender  string
	client  *http.Client
	baseURL string
}

func NewGraphMailer(cfg config.MailConfig) *GraphMailer {
	tokenURL := fmt.Sprintf("%s/%s/oauth2/v2.0/token", microsoftLoginURL, url.PathEscape(cfg.TenantID))
	return newGraphMailer(cfg, tokenURL, graphBaseURL)
}

func newGraphMailer(cfg config.MailConfig, tokenURL, baseURL string) *GraphMailer {
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: mailTimeout})
	client := creds.Client(ctx)
	client.Timeout = mailTimeout

	return &GraphMailer{
		Sender:  cfg.From,
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	Subject       string         `json:"subject"`
	Body          graphBody      `json:"body"`
	ToRecipients  []graphAddress `json:"toRecipients,omitempty"`
	BccRecipients []graphAddress `json:"bccRecipients,omitempty"`
}

type graphSendMailRequest struct {
	Message         graphMessage `json:"message"`
	SaveToSentItems bool         `json:"saveToSentItems"`
}

func toGraphAddresses(addresses []string) []graphAddress {
	out := make([]graphAddress, 0, len(addresses))
	for _, address := range addresses {
		var a graphAddress
		a.EmailAddress.Address = address
		out = append(out, a)
	}
	return out
}

func (m *GraphMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 && len(msg.Bcc) == 0 {
		return fmt.Errorf("mail has no recipients")
	}

	body := graphBody{ContentType: "Text", Content: msg.Text}
	if msg.HTML != "" {
		body = graphBody{ContentType: "HTML", Content: msg.HTML}
	}

	payload, err := json.Marshal(graphSendMailRequest{
		Message: graphMessage{
			Subject:       msg.Subject,
			Body:          body,
			ToRecipients:  toGraphAddresses(msg.To),
			BccRecipients: toGraphAddresses(msg.Bcc),
		},
		SaveToSentItems: true,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s/sendMail", m.baseURL, url.PathEscape(m.Sender))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Error("graph_send_failed", err, map[string]interface{}{
			"subject": msg.Subject,
		})
		return fmt.Errorf("graph sendMail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("graph sendMail: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
		logger.Error("graph_send_rejected", err, map[string]interface{}{
			"subject": msg.Subject,
			"status":  resp.StatusCode,
		})
		return err
	}

	logger.Info("graph_send_success", map[string]interface{}{
		"subject":    msg.Subject,
		"recipients": len(msg.To) + len(msg.Bcc),
	})
	return nil
}
