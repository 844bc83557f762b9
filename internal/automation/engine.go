package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/service/sending"
)

var tracer = otel.Tracer("github.com/ignite/audience-engine/internal/automation")

// Config holds the engine tunables.
type Config struct {
	// ClaimBatch bounds how many due states one ProcessDue call looks at.
	ClaimBatch int
	// Lease is how far a claim pushes next_run_at forward. A worker that
	// dies mid-step releases the state implicitly when the lease runs out.
	Lease time.Duration

	FromName  string
	FromEmail string
	ReplyTo   string
}

// Deps are the engine's collaborators. Notifier may be nil, in which case
// NOTIFY steps fail.
type Deps struct {
	Repo      Repository
	Contacts  ContactStore
	Consent   ConsentChecker
	Matcher   ContactMatcher
	Templates TemplateStore
	Tenants   TenantStore
	Renderer  sending.Renderer
	Links     sending.LinkBuilder
	Mailer    sending.Mailer
	Notifier  sending.Notifier
	Clock     clock.Clock
}

// Engine advances per-contact automation state one step at a time.
type Engine struct {
	Deps
	cfg Config
	log *logger.Logger
}

// NewEngine wires an Engine. A nil clock means wall time.
func NewEngine(d Deps, cfg Config) *Engine {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Engine{Deps: d, cfg: cfg, log: logger.With("component", "automation-engine")}
}

// Enroll starts the automation for a contact. It returns false without
// touching anything when the contact already has a state for it, whatever
// that state's status.
func (e *Engine) Enroll(ctx context.Context, tenantID, contactID, automationID string) (bool, error) {
	a, err := e.Repo.GetAutomation(ctx, automationID)
	if err != nil {
		return false, err
	}
	if a.TenantID != tenantID {
		return false, ErrNotFound
	}
	return e.enroll(ctx, a, contactID)
}

func (e *Engine) enroll(ctx context.Context, a *domain.Automation, contactID string) (bool, error) {
	if !a.IsEnabled {
		return false, ErrAutomationDisabled
	}
	now := e.Clock.Now()
	st := &domain.AutomationState{
		ID:           uuid.New().String(),
		TenantID:     a.TenantID,
		ContactID:    contactID,
		AutomationID: a.ID,
		NextRunAt:    now.Add(initialDelay(a.Steps)),
		Status:       domain.AutomationActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := e.Repo.CreateState(ctx, st)
	if err != nil {
		return false, fmt.Errorf("create automation state: %w", err)
	}
	if created {
		metrics.AutomationEnrollments.WithLabelValues(string(a.TriggerType)).Inc()
		e.log.Debug("contact enrolled", "tenant", a.TenantID, "automation", a.ID, "contact", contactID)
	}
	return created, nil
}

// HandleEvent enrolls the contact into every enabled automation of the
// tenant listening for trigger. It returns the number of new enrollments.
// A failure on one automation does not stop the others.
func (e *Engine) HandleEvent(ctx context.Context, tenantID, contactID string, trigger domain.TriggerType) (int, error) {
	if trigger.IsTimeBased() {
		return 0, fmt.Errorf("%s is discovered by a scanner, not an event hook", trigger)
	}
	autos, err := e.Repo.ListEnabled(ctx, tenantID, trigger)
	if err != nil {
		return 0, fmt.Errorf("list automations: %w", err)
	}
	var (
		created int
		errs    []error
	)
	for i := range autos {
		ok, err := e.enroll(ctx, &autos[i], contactID)
		if err != nil {
			errs = append(errs, fmt.Errorf("automation %s: %w", autos[i].ID, err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

// ProcessStats summarizes one ProcessDue call.
type ProcessStats struct {
	Due       int
	Executed  int
	Completed int
	Stopped   int
	Conflicts int
	Errors    int
}

// ProcessDue claims due states and runs the next step of each. States
// claimed by another worker are skipped. An error on one state is logged
// and counted; the state keeps its lease and is retried once it expires.
func (e *Engine) ProcessDue(ctx context.Context) (*ProcessStats, error) {
	now := e.Clock.Now()
	due, err := e.Repo.DueStates(ctx, now, e.cfg.ClaimBatch)
	if err != nil {
		return nil, fmt.Errorf("load due states: %w", err)
	}
	stats := &ProcessStats{Due: len(due)}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		st := due[i]
		lease := e.Clock.Now().Add(e.cfg.Lease)
		ok, err := e.Repo.ClaimState(ctx, st.ID, st.NextRunAt, lease)
		if err != nil {
			stats.Errors++
			e.log.Error("claim failed", "state", st.ID, "error", err)
			continue
		}
		if !ok {
			stats.Conflicts++
			metrics.ClaimConflicts.Inc()
			continue
		}
		st.NextRunAt = lease

		err = e.step(ctx, &st, lease, stats)
		switch {
		case errors.Is(err, ErrLeaseLost):
			stats.Conflicts++
			metrics.ClaimConflicts.Inc()
		case err != nil:
			stats.Errors++
			e.log.Error("automation step aborted", "tenant", st.TenantID, "automation", st.AutomationID,
				"contact", st.ContactID, "error", err)
		}
	}
	return stats, nil
}

// step runs one claimed state forward by a single step.
func (e *Engine) step(ctx context.Context, st *domain.AutomationState, lease time.Time, stats *ProcessStats) (err error) {
	ctx, span := tracer.Start(ctx, "automation.step", trace.WithAttributes(
		attribute.String("automation.id", st.AutomationID),
		attribute.String("contact.id", st.ContactID),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrLeaseLost) {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	a, err := e.Repo.GetAutomation(ctx, st.AutomationID)
	if errors.Is(err, ErrNotFound) {
		stats.Stopped++
		return e.finish(ctx, st, lease, domain.AutomationStopped, "automation no longer exists")
	}
	if err != nil {
		return err
	}
	if !a.IsEnabled {
		// The lease stays in place; the state is picked up again once it
		// runs out and the automation is back on.
		return nil
	}

	steps := sortedSteps(a.Steps)
	cur := nextStep(steps, st.CurrentStep)
	if cur == nil {
		stats.Completed++
		return e.finish(ctx, st, lease, domain.AutomationCompleted, "")
	}
	span.SetAttributes(attribute.String("step.type", string(cur.StepType)), attribute.Int("step.order", cur.StepOrder))

	ex, err := e.Repo.GetExecution(ctx, st.TenantID, st.ContactID, cur.ID)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if ex == nil {
		res, err := e.execute(ctx, a, st, cur)
		if err != nil {
			return err
		}
		ex = &domain.StepExecution{
			ID:           uuid.New().String(),
			TenantID:     st.TenantID,
			ContactID:    st.ContactID,
			AutomationID: a.ID,
			StepID:       cur.ID,
			Status:       res.status,
			Detail:       res.detail,
			ExecutedAt:   e.Clock.Now(),
		}
		inserted, err := e.Repo.RecordExecution(ctx, ex)
		if err != nil {
			return fmt.Errorf("record execution: %w", err)
		}
		if !inserted {
			// another worker got here after our lease had lapsed; its entry wins
			if ex, err = e.Repo.GetExecution(ctx, st.TenantID, st.ContactID, cur.ID); err != nil || ex == nil {
				return fmt.Errorf("reread ledger: %w", errors.Join(err, ErrLeaseLost))
			}
		} else {
			stats.Executed++
			metrics.AutomationSteps.WithLabelValues(string(cur.StepType), string(res.status)).Inc()
		}
	}

	st.CurrentStep = cur.StepOrder
	switch {
	case ex.Status == domain.ExecutionFailed:
		stats.Stopped++
		e.log.Warn("automation stopped", "tenant", st.TenantID, "automation", a.ID, "contact", st.ContactID,
			"step", cur.StepOrder, "error", ex.Detail)
		return e.finish(ctx, st, lease, domain.AutomationStopped, ex.Detail)
	case cur.StepType == domain.StepBranch && ex.Detail == branchExit:
		stats.Completed++
		return e.finish(ctx, st, lease, domain.AutomationCompleted, "")
	}

	next := nextStep(steps, cur.StepOrder)
	if next == nil {
		stats.Completed++
		return e.finish(ctx, st, lease, domain.AutomationCompleted, "")
	}
	st.NextRunAt = e.Clock.Now().Add(waitAfter(cur) + delayBefore(next))
	return e.save(ctx, st, lease)
}

func (e *Engine) finish(ctx context.Context, st *domain.AutomationState, lease time.Time, status domain.AutomationStatus, lastErr string) error {
	st.Status = status
	st.LastError = lastErr
	return e.save(ctx, st, lease)
}

func (e *Engine) save(ctx context.Context, st *domain.AutomationState, lease time.Time) error {
	st.UpdatedAt = e.Clock.Now()
	ok, err := e.Repo.SaveState(ctx, st, lease)
	if err != nil {
		return fmt.Errorf("save automation state: %w", err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func sortedSteps(steps []domain.AutomationStep) []domain.AutomationStep {
	out := make([]domain.AutomationStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

// nextStep returns the first step ordered after the given one.
func nextStep(sorted []domain.AutomationStep, after int) *domain.AutomationStep {
	for i := range sorted {
		if sorted[i].StepOrder > after {
			return &sorted[i]
		}
	}
	return nil
}

// A WAIT step runs immediately and its delay is applied after it. Every
// other step's delay is applied before it runs.
func waitAfter(s *domain.AutomationStep) time.Duration {
	if s.StepType == domain.StepWait {
		return minutes(s.DelayMinutes)
	}
	return 0
}

func delayBefore(s *domain.AutomationStep) time.Duration {
	if s.StepType == domain.StepWait {
		return 0
	}
	return minutes(s.DelayMinutes)
}

func initialDelay(steps []domain.AutomationStep) time.Duration {
	first := nextStep(sortedSteps(steps), -1<<31)
	if first == nil {
		return 0
	}
	return delayBefore(first)
}

func minutes(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
