package domain

// EmailMessage is the fully-resolved message handed to the email provider.
// By the time a message reaches this struct, template rendering and link
// generation are complete.
type EmailMessage struct {
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	HTML       string            `json:"html"`
	FromName   string            `json:"from_name"`
	FromEmail  string            `json:"from_email"`
	ReplyTo    string            `json:"reply_to"`
	Headers    map[string]string `json:"headers,omitempty"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

// TenantSettings holds the per-organiser sending configuration. Zero values
// fall back to the process-wide defaults.
type TenantSettings struct {
	TenantID          string   `json:"tenant_id" db:"tenant_id"`
	Name              string   `json:"name" db:"name"`
	FromName          string   `json:"from_name" db:"from_name"`
	FromEmail         string   `json:"from_email" db:"from_email"`
	ReplyTo           string   `json:"reply_to" db:"reply_to"`
	VerifiedDomains   []string `json:"verified_domains" db:"verified_domains"`
	DailySendLimit    int      `json:"daily_send_limit" db:"daily_send_limit"`
	SendRatePerSecond int      `json:"send_rate_per_second" db:"send_rate_per_second"`
	NotifyEmail       string   `json:"notify_email" db:"notify_email"`
	DigestSegmentID   string   `json:"digest_segment_id" db:"digest_segment_id"`
	DigestTemplateID  string   `json:"digest_template_id" db:"digest_template_id"`
}
