package domain

import (
	"encoding/json"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignSent      CampaignStatus = "SENT"
	CampaignCancelled CampaignStatus = "CANCELLED"
)

// CampaignKind separates ad-hoc campaigns from system-planned ones.
type CampaignKind string

const (
	CampaignKindStandard      CampaignKind = "STANDARD"
	CampaignKindMonthlyDigest CampaignKind = "MONTHLY_DIGEST"
)

// Campaign references one segment and one template and moves through
// DRAFT -> SCHEDULED -> SENDING -> SENT | CANCELLED.
type Campaign struct {
	ID             string         `json:"id" db:"id"`
	TenantID       string         `json:"tenant_id" db:"tenant_id"`
	Name           string         `json:"name" db:"name"`
	Kind           CampaignKind   `json:"kind" db:"kind"`
	PeriodKey      string         `json:"period_key,omitempty" db:"period_key"`
	SegmentID      string         `json:"segment_id" db:"segment_id"`
	TemplateID     string         `json:"template_id" db:"template_id"`
	FromName       string         `json:"from_name" db:"from_name"`
	FromEmail      string         `json:"from_email" db:"from_email"`
	ReplyTo        string         `json:"reply_to" db:"reply_to"`
	Status         CampaignStatus `json:"status" db:"status"`
	ScheduledAt    *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	StartedAt      *time.Time     `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at" db:"completed_at"`
	MaterializedAt *time.Time     `json:"materialized_at,omitempty" db:"materialized_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignCancelled
}

// RecipientStatus enumerates the frozen outcome of one campaign recipient.
type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "PENDING"
	RecipientSent       RecipientStatus = "SENT"
	RecipientFailed     RecipientStatus = "FAILED"
	RecipientSuppressed RecipientStatus = "SKIPPED_SUPPRESSED"
)

// CampaignRecipient is one contact's row in a materialized campaign. Rows
// are never re-derived once written.
type CampaignRecipient struct {
	ID         string          `json:"id" db:"id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	CampaignID string          `json:"campaign_id" db:"campaign_id"`
	ContactID  string          `json:"contact_id" db:"contact_id"`
	Email      string          `json:"email" db:"email"`
	FirstName  string          `json:"first_name" db:"first_name"`
	LastName   string          `json:"last_name" db:"last_name"`
	Status     RecipientStatus `json:"status" db:"status"`
	Error      string          `json:"error,omitempty" db:"error"`
	SentAt     *time.Time      `json:"sent_at" db:"sent_at"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Segment is a tenant-scoped named rule-set. Rules is declarative JSON
// interpreted by the segmentation package.
type Segment struct {
	ID        string          `json:"id" db:"id"`
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	Name      string          `json:"name" db:"name"`
	Rules     json.RawMessage `json:"rules" db:"rules"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Template is the stored subject and body a render collaborator fills in.
type Template struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" db:"name"`
	Subject  string `json:"subject" db:"subject"`
	Body     string `json:"body" db:"body"`
}
