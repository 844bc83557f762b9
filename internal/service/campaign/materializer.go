package campaign

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/metrics"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// MaterializeResult summarizes one Materialize call.
type MaterializeResult struct {
	Matched    int
	Pending    int
	Suppressed int
	// Skipped is true when recipients already existed and nothing was done.
	Skipped bool
}

// Materializer expands a campaign's segment into frozen recipient rows.
type Materializer struct {
	campaigns    Repository
	recipients   RecipientRepository
	segments     SegmentStore
	evaluator    SegmentEvaluator
	suppressions SuppressionLoader
	clock        clock.Clock
	log          *logger.Logger
}

// NewMaterializer wires a Materializer.
func NewMaterializer(campaigns Repository, recipients RecipientRepository, segments SegmentStore,
	evaluator SegmentEvaluator, suppressions SuppressionLoader, clk clock.Clock) *Materializer {
	return &Materializer{
		campaigns:    campaigns,
		recipients:   recipients,
		segments:     segments,
		evaluator:    evaluator,
		suppressions: suppressions,
		clock:        clk,
		log:          logger.With("component", "materializer"),
	}
}

// Materialize writes one recipient row per matched contact and stamps the
// campaign as materialized. Once stamped, or once any rows exist, it returns
// immediately; concurrent callers are kept apart by the (campaign, contact)
// uniqueness of the rows. Suppressed contacts get a SKIPPED_SUPPRESSED row
// carrying the reason code. SENT and CANCELLED campaigns are refused.
func (m *Materializer) Materialize(ctx context.Context, campaignID string) (*MaterializeResult, error) {
	ctx, span := tracer.Start(ctx, "campaign.materialize",
		trace.WithAttributes(attribute.String("campaign.id", campaignID)))
	defer span.End()

	c, err := m.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignSending:
	default:
		return nil, fmt.Errorf("%w: cannot materialize a %s campaign", ErrInvalidTransition, c.Status)
	}
	if c.MaterializedAt != nil {
		return &MaterializeResult{Skipped: true}, nil
	}

	n, err := m.recipients.CountRecipients(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("count recipients: %w", err)
	}
	if n > 0 {
		// rows were written but the stamp was not
		if err := m.campaigns.MarkMaterialized(ctx, c.ID, m.clock.Now()); err != nil {
			return nil, fmt.Errorf("mark materialized: %w", err)
		}
		return &MaterializeResult{Skipped: true}, nil
	}

	if c.SegmentID == "" {
		return nil, ErrMissingSegment
	}
	seg, err := m.segments.GetSegment(ctx, c.TenantID, c.SegmentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingSegment, err)
	}
	rules, err := segmentation.Parse(seg.Rules)
	if err != nil {
		return nil, err
	}

	contacts, err := m.evaluator.Evaluate(ctx, c.TenantID, rules)
	if err != nil {
		return nil, fmt.Errorf("evaluate segment: %w", err)
	}
	idx, err := m.suppressions.LoadIndex(ctx, c.TenantID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	res := &MaterializeResult{}
	seen := make(map[string]bool, len(contacts))
	rows := make([]domain.CampaignRecipient, 0, len(contacts))
	for i := range contacts {
		ct := &contacts[i]
		if seen[ct.ID] {
			continue
		}
		seen[ct.ID] = true

		row := domain.CampaignRecipient{
			ID:         uuid.NewString(),
			TenantID:   c.TenantID,
			CampaignID: c.ID,
			ContactID:  ct.ID,
			Email:      domain.NormalizeEmail(ct.Email),
			FirstName:  ct.FirstName,
			LastName:   ct.LastName,
			Status:     domain.RecipientPending,
			CreatedAt:  now,
		}
		if d := idx.Resolve(ct); d.Suppressed {
			row.Status = domain.RecipientSuppressed
			row.Error = d.ReasonCode
			res.Suppressed++
		} else {
			res.Pending++
		}
		rows = append(rows, row)
	}
	res.Matched = len(rows)

	inserted, err := m.recipients.InsertRecipients(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("insert recipients: %w", err)
	}
	if err := m.campaigns.MarkMaterialized(ctx, c.ID, now); err != nil {
		return nil, fmt.Errorf("mark materialized: %w", err)
	}
	metrics.RecipientsMaterialized.WithLabelValues("pending").Add(float64(res.Pending))
	metrics.RecipientsMaterialized.WithLabelValues("suppressed").Add(float64(res.Suppressed))
	m.log.Info("recipients materialized", "tenant", c.TenantID, "campaign", c.ID,
		"matched", res.Matched, "pending", res.Pending, "suppressed", res.Suppressed, "inserted", inserted)
	return res, nil
}
