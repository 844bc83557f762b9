package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

var _ campaign.Repository = (*CampaignRepo)(nil)

const campaignColumns = `id, tenant_id, name, kind, period_key, COALESCE(segment_id,''), COALESCE(template_id,''),
	from_name, from_email, reply_to, status, scheduled_at, started_at, completed_at, materialized_at,
	created_at, updated_at`

func scanCampaign(sc interface{ Scan(...interface{}) error }, c *domain.Campaign) error {
	return sc.Scan(&c.ID, &c.TenantID, &c.Name, &c.Kind, &c.PeriodKey, &c.SegmentID, &c.TemplateID,
		&c.FromName, &c.FromEmail, &c.ReplyTo, &c.Status, &c.ScheduledAt, &c.StartedAt, &c.CompletedAt,
		&c.MaterializedAt, &c.CreatedAt, &c.UpdatedAt)
}

func (r *CampaignRepo) Get(ctx context.Context, tenantID, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 AND tenant_id = $2`, id, tenantID), c)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id), c)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context, tenantID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Kind != "" {
		where += fmt.Sprintf(" AND kind = $%d", idx)
		args = append(args, f.Kind)
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	rows, err := r.db.QueryContext(ctx, q, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	out, err := scanCampaigns(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func scanCampaigns(rows *sql.Rows) ([]domain.Campaign, error) {
	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := scanCampaign(rows, &c); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Kind == "" {
		c.Kind = domain.CampaignKindStandard
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, tenant_id, name, kind, period_key, segment_id, template_id,
			 from_name, from_email, reply_to, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), NULLIF($7,''), $8, $9, $10, $11, $12, $13, $13)
	`, c.ID, c.TenantID, c.Name, c.Kind, c.PeriodKey, c.SegmentID, c.TemplateID,
		c.FromName, c.FromEmail, c.ReplyTo, c.Status, c.ScheduledAt, c.CreatedAt)
	if isUniqueViolation(err) {
		return campaign.ErrDuplicatePeriod
	}
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) TransitionStatus(ctx context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) error {
	stamp := ""
	switch to {
	case domain.CampaignScheduled:
		stamp = ", scheduled_at = $3"
	case domain.CampaignSending:
		stamp = ", started_at = COALESCE(started_at, $3)"
	case domain.CampaignSent, domain.CampaignCancelled:
		stamp = ", completed_at = $3"
	case domain.CampaignDraft:
		stamp = ", scheduled_at = NULL"
	}
	froms := make([]string, len(from))
	for i, s := range from {
		froms[i] = string(s)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = $3`+stamp+`
		WHERE id = $1 AND status = ANY($4)`, id, to, at, pq.Array(froms))
	if err != nil {
		return fmt.Errorf("transition campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s not in %v", campaign.ErrInvalidTransition, id, froms)
	}
	return nil
}

// MarkMaterialized records when the recipient list was frozen. The first
// stamp wins.
func (r *CampaignRepo) MarkMaterialized(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaigns SET materialized_at = $2, updated_at = $2
		WHERE id = $1 AND materialized_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark campaign materialized: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Status(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var s domain.CampaignStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&s)
	if err == sql.ErrNoRows {
		return "", campaign.ErrNotFound
	}
	return s, err
}

func (r *CampaignRepo) DueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due campaigns: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *CampaignRepo) ListSending(ctx context.Context, limit int) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'SENDING'
		ORDER BY started_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("sending campaigns: %w", err)
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

func (r *CampaignRepo) FindByPeriod(ctx context.Context, tenantID string, kind domain.CampaignKind, periodKey string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE tenant_id = $1 AND kind = $2 AND period_key = $3`,
		tenantID, kind, periodKey), c)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign by period: %w", err)
	}
	return c, nil
}

// RecipientRepo implements campaign.RecipientRepository.
type RecipientRepo struct{ db *sql.DB }

func NewRecipientRepo(db *sql.DB) *RecipientRepo { return &RecipientRepo{db: db} }

var _ campaign.RecipientRepository = (*RecipientRepo)(nil)

func (r *RecipientRepo) CountRecipients(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1`, campaignID).Scan(&n)
	return n, err
}

func (r *RecipientRepo) InsertRecipients(ctx context.Context, rows []domain.CampaignRecipient) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO campaign_recipients
			(id, tenant_id, campaign_id, contact_id, email, first_name, last_name, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare recipient insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range rows {
		rc := &rows[i]
		if rc.ID == "" {
			rc.ID = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx, rc.ID, rc.TenantID, rc.CampaignID, rc.ContactID, rc.Email,
			rc.FirstName, rc.LastName, rc.Status, rc.Error, rc.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("insert recipient %s: %w", rc.ContactID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimPending stamps up to limit unclaimed PENDING rows with token until
// the given time and returns them in insertion order. Rows another run
// holds are skipped until their claim lapses.
func (r *RecipientRepo) ClaimPending(ctx context.Context, campaignID, token string, limit int, now, until time.Time) ([]domain.CampaignRecipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH picked AS (
			SELECT id FROM campaign_recipients
			WHERE campaign_id = $1 AND status = 'PENDING'
			  AND (claim_token IS NULL OR claimed_until <= $4)
			ORDER BY seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE campaign_recipients cr SET claim_token = $2, claimed_until = $5
			FROM picked WHERE cr.id = picked.id
			RETURNING cr.id, cr.tenant_id, cr.campaign_id, cr.contact_id, cr.email, cr.first_name,
				cr.last_name, cr.status, cr.error, cr.sent_at, cr.created_at, cr.seq
		)
		SELECT id, tenant_id, campaign_id, contact_id, email, first_name, last_name, status, error, sent_at, created_at
		FROM claimed
		ORDER BY seq`, campaignID, token, limit, now, until)
	if err != nil {
		return nil, fmt.Errorf("claim pending recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignRecipient
	for rows.Next() {
		var rc domain.CampaignRecipient
		if err := rows.Scan(&rc.ID, &rc.TenantID, &rc.CampaignID, &rc.ContactID, &rc.Email, &rc.FirstName,
			&rc.LastName, &rc.Status, &rc.Error, &rc.SentAt, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// ReleaseClaims drops token's hold on the rows it left PENDING.
func (r *RecipientRepo) ReleaseClaims(ctx context.Context, campaignID, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET claim_token = NULL, claimed_until = NULL
		WHERE campaign_id = $1 AND claim_token = $2 AND status = 'PENDING'`, campaignID, token)
	return err
}

func (r *RecipientRepo) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 AND status = 'PENDING'`, campaignID).Scan(&n)
	return n, err
}

func (r *RecipientRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'SENT', sent_at = $2, error = ''
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	return err
}

func (r *RecipientRepo) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'FAILED', error = $2
		WHERE id = $1 AND status = 'PENDING'`, id, errText)
	return err
}

func (r *RecipientRepo) CountSentSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaign_recipients
		WHERE tenant_id = $1 AND status = 'SENT' AND sent_at >= $2`, tenantID, since).Scan(&n)
	return n, err
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
