package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/sending"
)

// Ledger detail written by a BRANCH step that ends the run.
const branchExit = "branch:false:exit"

type stepResult struct {
	status domain.ExecutionStatus
	detail string
}

func sent(detail string) stepResult    { return stepResult{status: domain.ExecutionSent, detail: detail} }
func skipped(detail string) stepResult { return stepResult{status: domain.ExecutionSkipped, detail: detail} }
func failed(err error) stepResult      { return stepResult{status: domain.ExecutionFailed, detail: err.Error()} }

// execute performs one step. A step-level failure comes back as a FAILED
// result. A returned error means the step could not be attempted at all
// (store unavailable) and nothing must be written to the ledger.
func (e *Engine) execute(ctx context.Context, a *domain.Automation, st *domain.AutomationState, s *domain.AutomationStep) (stepResult, error) {
	if s.StepType == domain.StepWait {
		return sent("wait"), nil
	}

	c, err := e.Contacts.GetContact(ctx, st.TenantID, st.ContactID)
	if err != nil {
		return stepResult{}, fmt.Errorf("load contact: %w", err)
	}
	if c == nil {
		return failed(ErrContactNotFound), nil
	}

	switch s.StepType {
	case domain.StepSendEmail:
		return e.sendEmail(ctx, a, c, s)
	case domain.StepBranch:
		return e.branch(ctx, c, s)
	case domain.StepAddTag:
		tag := strings.TrimSpace(s.Config.Tag)
		if tag == "" {
			return failed(errors.New("add tag: no tag configured")), nil
		}
		if c.HasTag(tag) {
			return sent("tag:" + tag + ":present"), nil
		}
		if err := e.Contacts.AddTag(ctx, c.TenantID, c.ID, tag); err != nil {
			return failed(fmt.Errorf("add tag: %w", err)), nil
		}
		return sent("tag:" + tag), nil
	case domain.StepNotify:
		return e.notify(ctx, a, c, s), nil
	}
	return failed(fmt.Errorf("unknown step type %q", s.StepType)), nil
}

func (e *Engine) sendEmail(ctx context.Context, a *domain.Automation, c *domain.Contact, s *domain.AutomationStep) (stepResult, error) {
	d, err := e.Consent.Check(ctx, c)
	if err != nil {
		return stepResult{}, fmt.Errorf("consent check: %w", err)
	}
	if d.Suppressed {
		return skipped(d.ReasonCode), nil
	}
	if s.TemplateID == "" {
		return failed(errors.New("send email: step has no template")), nil
	}
	tpl, err := e.Templates.GetTemplate(ctx, c.TenantID, s.TemplateID)
	if err != nil {
		return failed(fmt.Errorf("load template: %w", err)), nil
	}
	settings, err := e.Tenants.GetSettings(ctx, c.TenantID)
	if err != nil {
		return stepResult{}, fmt.Errorf("tenant settings: %w", err)
	}

	unsub, err := e.Links.UnsubscribeURL(c.TenantID, c.Email)
	if err != nil {
		return failed(fmt.Errorf("unsubscribe link: %w", err)), nil
	}
	prefs, err := e.Links.PreferencesURL(c.TenantID, c.Email)
	if err != nil {
		return failed(fmt.Errorf("preferences link: %w", err)), nil
	}
	out, err := e.Renderer.Render(tpl, sending.MergeData(c, unsub, prefs))
	if err != nil {
		return failed(fmt.Errorf("render: %w", err)), nil
	}
	err = e.Mailer.Send(ctx, &domain.EmailMessage{
		To:        c.Email,
		Subject:   out.Subject,
		HTML:      out.HTML,
		FromName:  pick(settings.FromName, e.cfg.FromName),
		FromEmail: pick(settings.FromEmail, e.cfg.FromEmail),
		ReplyTo:   pick(settings.ReplyTo, e.cfg.ReplyTo),
		Headers:   sending.ListUnsubscribeHeaders(unsub),
		CustomArgs: map[string]string{
			"tenant_id":     c.TenantID,
			"automation_id": a.ID,
			"step_id":       s.ID,
			"contact_id":    c.ID,
		},
	})
	if err != nil {
		metrics.EmailsSent.WithLabelValues("automation", "failed").Inc()
		return failed(fmt.Errorf("send: %w", err)), nil
	}
	metrics.EmailsSent.WithLabelValues("automation", "sent").Inc()
	return sent("email:" + tpl.ID), nil
}

func (e *Engine) branch(ctx context.Context, c *domain.Contact, s *domain.AutomationStep) (stepResult, error) {
	rules, err := segmentation.Parse(s.Config.Conditions)
	if err != nil {
		return failed(fmt.Errorf("branch conditions: %w", err)), nil
	}
	ok, err := e.Matcher.MatchContact(ctx, c, rules)
	if err != nil {
		return stepResult{}, fmt.Errorf("evaluate branch: %w", err)
	}
	switch {
	case ok:
		return sent("branch:true"), nil
	case s.Config.OnFalse == domain.BranchExit:
		return sent(branchExit), nil
	}
	return sent("branch:false"), nil
}

func (e *Engine) notify(ctx context.Context, a *domain.Automation, c *domain.Contact, s *domain.AutomationStep) stepResult {
	if e.Notifier == nil {
		return failed(errors.New("notify: no notifier configured"))
	}
	subject := s.Config.Subject
	if subject == "" {
		subject = "Automation: " + a.Name
	}
	msg := s.Config.Message
	if msg == "" {
		msg = fmt.Sprintf("%s reached step %d of %q.", c.DisplayName(), s.StepOrder, a.Name)
	}
	if err := e.Notifier.Notify(ctx, c.TenantID, subject, msg); err != nil {
		return failed(fmt.Errorf("notify: %w", err))
	}
	return sent("notify")
}

func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
