package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
)

// ContactRepo reads contacts with their consent and preference records.
type ContactRepo struct{ db *sql.DB }

func NewContactRepo(db *sql.DB) *ContactRepo { return &ContactRepo{db: db} }

const contactSelect = `
	SELECT c.id, c.tenant_id, c.email, c.first_name, c.last_name, c.phone, c.town, c.tags, c.created_at,
	       cc.status, COALESCE(cc.lawful_basis,''), COALESCE(cc.source,''), cc.captured_at
	FROM contacts c
	LEFT JOIN contact_consents cc ON cc.contact_id = c.id AND cc.tenant_id = c.tenant_id`

func scanContact(sc interface{ Scan(...interface{}) error }) (*domain.Contact, error) {
	var (
		c       domain.Contact
		status  sql.NullString
		consent domain.Consent
	)
	if err := sc.Scan(&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName, &c.Phone, &c.Town,
		pq.Array(&c.Tags), &c.CreatedAt, &status, &consent.LawfulBasis, &consent.Source, &consent.CapturedAt); err != nil {
		return nil, err
	}
	if status.Valid {
		consent.Status = domain.ConsentStatus(status.String)
		c.Consent = &consent
	}
	return &c, nil
}

// ListContacts returns every contact for the tenant, ordered by ID.
func (r *ContactRepo) ListContacts(ctx context.Context, tenantID string) ([]domain.Contact, error) {
	rows, err := r.db.QueryContext(ctx, contactSelect+`
	WHERE c.tenant_id = $1
	ORDER BY c.id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	index := map[string]int{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		index[c.ID] = len(out)
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	prefs, err := r.db.QueryContext(ctx,
		`SELECT contact_id, topic, status FROM contact_preferences WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer prefs.Close()
	for prefs.Next() {
		var contactID, topic string
		var status domain.PreferenceStatus
		if err := prefs.Scan(&contactID, &topic, &status); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		i, ok := index[contactID]
		if !ok {
			continue
		}
		if out[i].Preferences == nil {
			out[i].Preferences = map[string]domain.PreferenceStatus{}
		}
		out[i].Preferences[topic] = status
	}
	return out, prefs.Err()
}

// GetContact returns nil, nil when the contact does not exist.
func (r *ContactRepo) GetContact(ctx context.Context, tenantID, contactID string) (*domain.Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, contactSelect+`
	WHERE c.tenant_id = $1 AND c.id = $2`, tenantID, contactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT topic, status FROM contact_preferences WHERE tenant_id = $1 AND contact_id = $2`,
		tenantID, contactID)
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var topic string
		var status domain.PreferenceStatus
		if err := rows.Scan(&topic, &status); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		if c.Preferences == nil {
			c.Preferences = map[string]domain.PreferenceStatus{}
		}
		c.Preferences[topic] = status
	}
	return c, rows.Err()
}

// AddTag appends tag unless the contact already carries it.
func (r *ContactRepo) AddTag(ctx context.Context, tenantID, contactID, tag string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contacts SET tags = array_append(tags, $3)
		WHERE tenant_id = $1 AND id = $2 AND NOT ($3 = ANY(tags))`,
		tenantID, contactID, tag)
	if err != nil {
		return fmt.Errorf("add tag: %w", err)
	}
	return nil
}
