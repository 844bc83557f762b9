package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/httpretry"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/service/sending"
)

// SettingsLoader resolves the organiser's alert address.
type SettingsLoader interface {
	GetSettings(ctx context.Context, tenantID string) (*domain.TenantSettings, error)
}

// WebhookNotifier posts NOTIFY alerts as JSON to a webhook. When the tenant
// has a notify address the alert is also mailed there.
type WebhookNotifier struct {
	url      string
	client   httpretry.HTTPDoer
	tenants  SettingsLoader
	mailer   sending.Mailer
	fromAddr string
	log      *logger.Logger
}

var _ sending.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier builds a notifier. url may be empty; tenants and
// mailer may be nil.
func NewWebhookNotifier(url string, client httpretry.HTTPDoer, tenants SettingsLoader, mailer sending.Mailer, fromAddr string) *WebhookNotifier {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &WebhookNotifier{
		url: url, client: client, tenants: tenants, mailer: mailer, fromAddr: fromAddr,
		log: logger.With("component", "notifier"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, tenantID, subject, message string) error {
	if n.url != "" {
		if err := n.post(ctx, tenantID, subject, message); err != nil {
			return err
		}
	}
	if n.tenants == nil || n.mailer == nil {
		return nil
	}
	settings, err := n.tenants.GetSettings(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("notify settings: %w", err)
	}
	if settings.NotifyEmail == "" {
		if n.url == "" {
			n.log.Warn("alert dropped, no destination", "tenant", tenantID, "subject", subject)
		}
		return nil
	}
	return n.mailer.Send(ctx, &domain.EmailMessage{
		To:         settings.NotifyEmail,
		Subject:    subject,
		HTML:       "<p>" + message + "</p>",
		FromEmail:  n.fromAddr,
		FromName:   "Audience Engine",
		CustomArgs: map[string]string{"tenant_id": tenantID, "kind": "notify"},
	})
}

func (n *WebhookNotifier) post(ctx context.Context, tenantID, subject, message string) error {
	body, err := json.Marshal(map[string]string{
		"tenant_id": tenantID,
		"subject":   subject,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook: status %d", resp.StatusCode)
	}
	return nil
}
