package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
)

// Store is the PostgreSQL Repository over the automations,
// automation_steps, automation_states and automation_step_executions
// tables.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ Repository = (*Store)(nil)

const automationColumns = `id, tenant_id, name, trigger_type, trigger_config, is_enabled, created_at, updated_at`

func scanAutomation(sc interface{ Scan(...interface{}) error }) (*domain.Automation, error) {
	var (
		a   domain.Automation
		cfg []byte
	)
	if err := sc.Scan(&a.ID, &a.TenantID, &a.Name, &a.TriggerType, &cfg, &a.IsEnabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.TriggerConfig); err != nil {
			return nil, fmt.Errorf("automation %s trigger config: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (*domain.Automation, error) {
	a, err := scanAutomation(s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	steps, err := s.loadSteps(ctx, []string{a.ID})
	if err != nil {
		return nil, err
	}
	a.Steps = steps[a.ID]
	return a, nil
}

func (s *Store) ListEnabled(ctx context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations
		WHERE is_enabled AND trigger_type = $1 AND ($2 = '' OR tenant_id = $2)
		ORDER BY created_at`, trigger, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		autos []domain.Automation
		ids   []string
	)
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		autos = append(autos, *a)
		ids = append(ids, a.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	steps, err := s.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range autos {
		autos[i].Steps = steps[autos[i].ID]
	}
	return autos, nil
}

func (s *Store) loadSteps(ctx context.Context, automationIDs []string) (map[string][]domain.AutomationStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, automation_id, step_order, step_type, delay_minutes, COALESCE(template_id,''), config
		FROM automation_steps WHERE automation_id = ANY($1)
		ORDER BY automation_id, step_order`, pq.Array(automationIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.AutomationStep, len(automationIDs))
	for rows.Next() {
		var (
			st  domain.AutomationStep
			cfg []byte
		)
		if err := rows.Scan(&st.ID, &st.AutomationID, &st.StepOrder, &st.StepType, &st.DelayMinutes, &st.TemplateID, &cfg); err != nil {
			return nil, err
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &st.Config); err != nil {
				return nil, fmt.Errorf("step %s config: %w", st.ID, err)
			}
		}
		out[st.AutomationID] = append(out[st.AutomationID], st)
	}
	return out, rows.Err()
}

// SaveAutomation inserts an automation with its steps in one transaction.
// Missing IDs are generated.
func (s *Store) SaveAutomation(ctx context.Context, a *domain.Automation) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cfg, err := json.Marshal(a.TriggerConfig)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO automations (id, tenant_id, name, trigger_type, trigger_config, is_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		a.ID, a.TenantID, a.Name, a.TriggerType, cfg, a.IsEnabled, now); err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	for i := range a.Steps {
		st := &a.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.AutomationID = a.ID
		stepCfg, err := json.Marshal(st.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO automation_steps (id, automation_id, step_order, step_type, delay_minutes, template_id, config)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)`,
			st.ID, a.ID, st.StepOrder, st.StepType, st.DelayMinutes, st.TemplateID, stepCfg); err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepOrder, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

// SetEnabled toggles an automation. Disabled automations keep their states;
// the scheduler stops picking them up.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET is_enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CreateState(ctx context.Context, st *domain.AutomationState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_states
			(id, tenant_id, contact_id, automation_id, current_step, next_run_at, status, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', $8, $8)
		ON CONFLICT (tenant_id, contact_id, automation_id) DO NOTHING`,
		st.ID, st.TenantID, st.ContactID, st.AutomationID, st.CurrentStep, st.NextRunAt, st.Status, st.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) DueStates(ctx context.Context, now time.Time, limit int) ([]domain.AutomationState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.tenant_id, s.contact_id, s.automation_id, s.current_step, s.next_run_at, s.status,
			COALESCE(s.last_error,''), s.created_at, s.updated_at
		FROM automation_states s
		JOIN automations a ON a.id = s.automation_id
		WHERE s.status = 'ACTIVE' AND s.next_run_at <= $1 AND a.is_enabled
		ORDER BY s.next_run_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationState
	for rows.Next() {
		var st domain.AutomationState
		if err := rows.Scan(&st.ID, &st.TenantID, &st.ContactID, &st.AutomationID, &st.CurrentStep, &st.NextRunAt,
			&st.Status, &st.LastError, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ClaimState(ctx context.Context, id string, expected, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_states SET next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE' AND next_run_at = $2`, id, expected, leaseUntil)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SaveState(ctx context.Context, st *domain.AutomationState, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_states
		SET current_step = $3, next_run_at = $4, status = $5, last_error = $6, updated_at = $7
		WHERE id = $1 AND status = 'ACTIVE' AND next_run_at = $2`,
		st.ID, leaseUntil, st.CurrentStep, st.NextRunAt, st.Status, st.LastError, st.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Restart re-activates a STOPPED or COMPLETED state so the contact runs the
// automation again from the first step. Ledger entries of the previous run
// are cleared, otherwise every step would be treated as already done.
func (s *Store) Restart(ctx context.Context, tenantID, contactID, automationID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE automation_states
		SET current_step = 0, next_run_at = $4, status = 'ACTIVE', last_error = '', updated_at = $4
		WHERE tenant_id = $1 AND contact_id = $2 AND automation_id = $3 AND status <> 'ACTIVE'`,
		tenantID, contactID, automationID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM automation_step_executions
		WHERE tenant_id = $1 AND contact_id = $2 AND automation_id = $3`,
		tenantID, contactID, automationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetExecution(ctx context.Context, tenantID, contactID, stepID string) (*domain.StepExecution, error) {
	var ex domain.StepExecution
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_id, automation_id, step_id, status, COALESCE(detail,''), executed_at
		FROM automation_step_executions
		WHERE tenant_id = $1 AND contact_id = $2 AND step_id = $3`, tenantID, contactID, stepID,
	).Scan(&ex.ID, &ex.TenantID, &ex.ContactID, &ex.AutomationID, &ex.StepID, &ex.Status, &ex.Detail, &ex.ExecutedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

func (s *Store) RecordExecution(ctx context.Context, ex *domain.StepExecution) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_step_executions
			(id, tenant_id, contact_id, automation_id, step_id, status, detail, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, contact_id, step_id) DO NOTHING`,
		ex.ID, ex.TenantID, ex.ContactID, ex.AutomationID, ex.StepID, ex.Status, ex.Detail, ex.ExecutedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
