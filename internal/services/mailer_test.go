package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGraph struct {
	mu          sync.Mutex
	tokenCalls  int
	lastAuth    string
	lastPath    string
	lastPayload graphSendMailRequest
	status      int
}

func (g *fakeGraph) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.tokenCalls++
		g.mu.Unlock()

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, graphScope, r.Form.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"graph-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1.0/users/", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.lastAuth = r.Header.Get("Authorization")
		g.lastPath = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&g.lastPayload))
		w.WriteHeader(g.status)
	})
	return mux
}

func newTestGraphMailer(t *testing.T) (*GraphMailer, *fakeGraph) {
	t.Helper()
	fake := &fakeGraph{status: http.StatusAccepted}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	cfg := config.MailConfig{From: "crm@example.com", TenantID: "tenant", ClientID: "id", ClientSecret: "secret"}
	return newGraphMailer(cfg, server.URL+"/token", server.URL), fake
}

func TestGraphMailerSend(t *testing.T) {
	mailer, fake := newTestGraphMailer(t)
	ctx := context.Background()

	err := mailer.Send(ctx, Message{
		Bcc:     []string{"a@example.com", "b@example.com"},
		Subject: "Maintenance window",
		Text:    "plain",
		HTML:    "<p>rich</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer graph-token", fake.lastAuth)
	assert.Equal(t, "/v1.0/users/crm@example.com/sendMail", fake.lastPath)
	assert.Equal(t, "Maintenance window", fake.lastPayload.Message.Subject)
	assert.Equal(t, "HTML", fake.lastPayload.Message.Body.ContentType)
	assert.Empty(t, fake.lastPayload.Message.ToRecipients)
	require.Len(t, fake.lastPayload.Message.BccRecipients, 2)
	assert.Equal(t, "b@example.com", fake.lastPayload.Message.BccRecipients[1].EmailAddress.Address)

	require.NoError(t, mailer.Send(ctx, Message{To: []string{"c@example.com"}, Subject: "Text only", Text: "hello"}))
	assert.Equal(t, "Text", fake.lastPayload.Message.Body.ContentType)
	assert.Equal(t, 1, fake.tokenCalls, "token should be cached between sends")
}

func TestGraphMailerErrors(t *testing.T) {
	mailer, fake := newTestGraphMailer(t)
	ctx := context.Background()

	assert.Error(t, mailer.Send(ctx, Message{Subject: "nobody"}))

	fake.status = http.StatusForbidden
	err := mailer.Send(ctx, Message{To: []string{"c@example.com"}, Subject: "denied", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestNewMailer(t *testing.T) {
	_, isLog := NewMailer(config.MailConfig{}).(*LogMailer)
	assert.True(t, isLog)

	_, isGraph := NewMailer(config.MailConfig{From: "a@b.c", TenantID: "t", ClientID: "c", ClientSecret: "s"}).(*GraphMailer)
	assert.True(t, isGraph)

	assert.NoError(t, (&LogMailer{}).Send(context.Background(), Message{To: []string{"x@example.com"}}))
}
