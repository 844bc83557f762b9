package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/httpretry"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/service/sending"
)

// DefaultSparkPostURL is the transmissions endpoint.
const DefaultSparkPostURL = "https://api.sparkpost.com/api/v1/transmissions"

// SparkPostMailer delivers one message per transmission through SparkPost.
type SparkPostMailer struct {
	apiKey   string
	endpoint string
	client   httpretry.HTTPDoer
}

var _ sending.Mailer = (*SparkPostMailer)(nil)

// NewSparkPostMailer builds a mailer. An empty endpoint uses
// DefaultSparkPostURL; a nil client gets a retrying default.
func NewSparkPostMailer(apiKey, endpoint string, client httpretry.HTTPDoer) *SparkPostMailer {
	if endpoint == "" {
		endpoint = DefaultSparkPostURL
	}
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &SparkPostMailer{apiKey: apiKey, endpoint: endpoint, client: client}
}

type transmission struct {
	Recipients []recipient       `json:"recipients"`
	Content    transmissionBody  `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Options    map[string]bool   `json:"options"`
}

type recipient struct {
	Address struct {
		Email string `json:"email"`
	} `json:"address"`
}

type transmissionBody struct {
	From    map[string]string `json:"from"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Send returns an error for any non-2xx response; the body is included so
// the caller can record it on the recipient or ledger row.
func (m *SparkPostMailer) Send(ctx context.Context, msg *domain.EmailMessage) error {
	var rc recipient
	rc.Address.Email = msg.To
	payload := transmission{
		Recipients: []recipient{rc},
		Content: transmissionBody{
			From:    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
			Subject: msg.Subject,
			HTML:    msg.HTML,
			ReplyTo: msg.ReplyTo,
			Headers: msg.Headers,
		},
		Metadata: msg.CustomArgs,
		Options:  map[string]bool{"open_tracking": true, "click_tracking": true},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("sparkpost: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sparkpost: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// LogMailer only logs what would have been sent. The worker uses it in
// dry-run mode.
type LogMailer struct {
	log *logger.Logger
}

func NewLogMailer() *LogMailer { return &LogMailer{log: logger.With("component", "dry-run-mailer")} }

func (m *LogMailer) Send(_ context.Context, msg *domain.EmailMessage) error {
	m.log.Info("dry run send", "email", msg.To, "subject", msg.Subject,
		"from", msg.FromEmail, "tenant", msg.CustomArgs["tenant_id"])
	return nil
}
