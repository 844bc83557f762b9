package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/service/sending"
)

var tracer = otel.Tracer("github.com/ignite/audience-engine/internal/service/campaign")

// SendConfig holds the process-wide delivery defaults. Tenant settings
// override the rate, cap and sender identity when set.
type SendConfig struct {
	BatchSize             int
	RatePerSecond         int
	DailyLimit            int
	RequireVerifiedSender bool
	FromName              string
	FromEmail             string
	ReplyTo               string
	// ClaimTTL is how long a run holds the rows of one batch. A run that
	// dies mid-batch leaves them to other runs once it passes.
	ClaimTTL time.Duration
}

// SendReport summarizes one Send call.
type SendReport struct {
	Sent      int
	Failed    int
	Batches   int
	Completed bool
	Cancelled bool
}

// Sender delivers a materialized campaign.
type Sender struct {
	campaigns  Repository
	recipients RecipientRepository
	tpls       TemplateStore
	tenants    TenantStore
	renderer   sending.Renderer
	links      sending.LinkBuilder
	mailer     sending.Mailer
	clock      clock.Clock
	cfg        SendConfig
	log        *logger.Logger
}

// NewSender wires a Sender.
func NewSender(campaigns Repository, recipients RecipientRepository, tpls TemplateStore, tenants TenantStore,
	renderer sending.Renderer, links sending.LinkBuilder, mailer sending.Mailer, clk clock.Clock, cfg SendConfig) *Sender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 10 * time.Minute
	}
	return &Sender{
		campaigns:  campaigns,
		recipients: recipients,
		tpls:       tpls,
		tenants:    tenants,
		renderer:   renderer,
		links:      links,
		mailer:     mailer,
		clock:      clk,
		cfg:        cfg,
		log:        logger.With("component", "campaign-sender"),
	}
}

type sendPlan struct {
	campaign  *domain.Campaign
	template  *domain.Template
	fromName  string
	fromEmail string
	replyTo   string
	rate      int
	dailyCap  int
}

// Renewer extends the caller's hold on a campaign. Send calls it before
// every batch and stops on the first error.
type Renewer func(ctx context.Context) error

// Send walks the campaign's PENDING recipients batch by batch until none
// remain, then marks the campaign SENT. Each batch is claimed before it is
// sent and each outcome is persisted before the next recipient, so a
// crashed run resumes where it stopped and two runs never share a row.
// Sends are spaced 1/rate seconds apart. A batch that would take the tenant
// past its daily cap stops the run with ErrDailyCapExceeded before any of it
// is sent. Cancelling the campaign stops the run before the next batch.
// A campaign whose recipients were never materialized is refused.
func (s *Sender) Send(ctx context.Context, campaignID string) (*SendReport, error) {
	return s.SendWithLease(ctx, campaignID, nil)
}

// SendWithLease is Send for a caller holding an expiring campaign lock.
// renew runs before each batch; once it fails no further row is claimed.
func (s *Sender) SendWithLease(ctx context.Context, campaignID string, renew Renewer) (*SendReport, error) {
	ctx, span := tracer.Start(ctx, "campaign.send",
		trace.WithAttributes(attribute.String("campaign.id", campaignID)))
	defer span.End()

	report := &SendReport{}
	plan, err := s.plan(ctx, campaignID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	c := plan.campaign
	log := s.log.With("tenant", c.TenantID, "campaign", c.ID)
	switch c.Status {
	case domain.CampaignSent:
		report.Completed = true
		return report, nil
	case domain.CampaignCancelled:
		report.Cancelled = true
		return report, nil
	case domain.CampaignSending:
	default:
		return report, fmt.Errorf("%w: cannot send a %s campaign", ErrInvalidTransition, c.Status)
	}
	if c.MaterializedAt == nil {
		return report, fmt.Errorf("%w: %s", ErrNotMaterialized, c.ID)
	}

	token := uuid.NewString()
	defer func() {
		if err := s.recipients.ReleaseClaims(context.WithoutCancel(ctx), c.ID, token); err != nil {
			log.Warn("release recipient claims failed", "error", err)
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(plan.rate), 1)
	started := s.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if renew != nil {
			if err := renew(ctx); err != nil {
				log.Error("campaign lease lost, stopping run", "error", err, "sent", report.Sent)
				return report, fmt.Errorf("renew campaign lease: %w", err)
			}
		}
		status, err := s.campaigns.Status(ctx, c.ID)
		if err != nil {
			return report, fmt.Errorf("read status: %w", err)
		}
		if status == domain.CampaignCancelled {
			report.Cancelled = true
			log.Info("campaign cancelled, stopping before next batch", "sent", report.Sent)
			return report, nil
		}

		claimAt := s.clock.Now()
		batch, err := s.recipients.ClaimPending(ctx, c.ID, token, s.cfg.BatchSize, claimAt, claimAt.Add(s.cfg.ClaimTTL))
		if err != nil {
			return report, fmt.Errorf("claim pending recipients: %w", err)
		}
		if len(batch) == 0 {
			left, err := s.recipients.CountPending(ctx, c.ID)
			if err != nil {
				return report, fmt.Errorf("count pending recipients: %w", err)
			}
			if left > 0 {
				// another run still holds rows; whoever drains them last finishes the campaign
				log.Info("pending rows held by another run", "pending", left, "sent", report.Sent)
				return report, nil
			}
			break
		}
		if err := s.checkDailyCap(ctx, plan, len(batch)); err != nil {
			span.SetStatus(codes.Error, err.Error())
			log.Error("send run stopped", "error", err, "batch", len(batch))
			return report, err
		}
		report.Batches++

		for i := range batch {
			r := &batch[i]
			now := s.clock.Now()
			if err := s.clock.Sleep(ctx, limiter.ReserveN(now, 1).DelayFrom(now)); err != nil {
				return report, err
			}
			if err := s.deliver(ctx, plan, r); err != nil {
				report.Failed++
				metrics.EmailsSent.WithLabelValues("campaign", "failed").Inc()
				log.Warn("recipient send failed", "recipient", r.Email, "error", err)
				if mErr := s.recipients.MarkFailed(ctx, r.ID, err.Error()); mErr != nil {
					return report, fmt.Errorf("mark failed: %w", mErr)
				}
				continue
			}
			if err := s.recipients.MarkSent(ctx, r.ID, s.clock.Now()); err != nil {
				return report, fmt.Errorf("mark sent: %w", err)
			}
			report.Sent++
			metrics.EmailsSent.WithLabelValues("campaign", "sent").Inc()
		}
	}

	err = s.campaigns.TransitionStatus(ctx, c.ID, []domain.CampaignStatus{domain.CampaignSending}, domain.CampaignSent, s.clock.Now())
	if errors.Is(err, ErrInvalidTransition) {
		// cancelled during the final batch; nothing left to send either way
		report.Cancelled = true
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("mark campaign sent: %w", err)
	}
	report.Completed = true
	metrics.CampaignSendDuration.Observe(s.clock.Now().Sub(started).Seconds())
	log.Info("campaign sent", "sent", report.Sent, "failed", report.Failed, "batches", report.Batches)
	return report, nil
}

func (s *Sender) plan(ctx context.Context, campaignID string) (*sendPlan, error) {
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	settings, err := s.tenants.GetSettings(ctx, c.TenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant settings: %w", err)
	}
	p := &sendPlan{
		campaign:  c,
		fromName:  firstNonEmpty(c.FromName, settings.FromName, s.cfg.FromName),
		fromEmail: firstNonEmpty(c.FromEmail, settings.FromEmail, s.cfg.FromEmail),
		replyTo:   firstNonEmpty(c.ReplyTo, settings.ReplyTo, s.cfg.ReplyTo),
		rate:      s.cfg.RatePerSecond,
		dailyCap:  s.cfg.DailyLimit,
	}
	if settings.SendRatePerSecond > 0 {
		p.rate = settings.SendRatePerSecond
	}
	if settings.DailySendLimit > 0 {
		p.dailyCap = settings.DailySendLimit
	}
	if c.Status != domain.CampaignSending {
		return p, nil
	}

	if c.TemplateID == "" {
		return nil, ErrMissingTemplate
	}
	p.template, err = s.tpls.GetTemplate(ctx, c.TenantID, c.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingTemplate, err)
	}
	if s.cfg.RequireVerifiedSender && !domainVerified(p.fromEmail, settings.VerifiedDomains) {
		return nil, fmt.Errorf("%w: %q", ErrUnverifiedSender, p.fromEmail)
	}
	return p, nil
}

func (s *Sender) checkDailyCap(ctx context.Context, p *sendPlan, batch int) error {
	if p.dailyCap <= 0 {
		return nil
	}
	sent, err := s.recipients.CountSentSince(ctx, p.campaign.TenantID, StartOfDay(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("count sent today: %w", err)
	}
	if sent+batch > p.dailyCap {
		return fmt.Errorf("%w: %d sent today, batch of %d, cap %d", ErrDailyCapExceeded, sent, batch, p.dailyCap)
	}
	return nil
}

func (s *Sender) deliver(ctx context.Context, p *sendPlan, r *domain.CampaignRecipient) error {
	c := p.campaign
	unsub, err := s.links.UnsubscribeURL(c.TenantID, r.Email)
	if err != nil {
		return fmt.Errorf("unsubscribe link: %w", err)
	}
	prefs, err := s.links.PreferencesURL(c.TenantID, r.Email)
	if err != nil {
		return fmt.Errorf("preferences link: %w", err)
	}
	contact := &domain.Contact{ID: r.ContactID, TenantID: c.TenantID, Email: r.Email, FirstName: r.FirstName, LastName: r.LastName}
	out, err := s.renderer.Render(p.template, sending.MergeData(contact, unsub, prefs))
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	return s.mailer.Send(ctx, &domain.EmailMessage{
		To:        r.Email,
		Subject:   out.Subject,
		HTML:      out.HTML,
		FromName:  p.fromName,
		FromEmail: p.fromEmail,
		ReplyTo:   p.replyTo,
		Headers:   sending.ListUnsubscribeHeaders(unsub),
		CustomArgs: map[string]string{
			"tenant_id":    c.TenantID,
			"campaign_id":  c.ID,
			"recipient_id": r.ID,
		},
	})
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func domainVerified(email string, verified []string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	host := strings.ToLower(email[at+1:])
	for _, d := range verified {
		if strings.EqualFold(strings.TrimSpace(d), host) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
