package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// transitions lists the allowed next states for every non-final state.
var transitions = map[domain.CampaignStatus][]domain.CampaignStatus{
	domain.CampaignDraft:     {domain.CampaignScheduled, domain.CampaignSending, domain.CampaignCancelled},
	domain.CampaignScheduled: {domain.CampaignDraft, domain.CampaignSending, domain.CampaignCancelled},
	domain.CampaignSending:   {domain.CampaignSent, domain.CampaignCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to domain.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service implements campaign lifecycle management. All public methods are
// safe for concurrent use if the underlying repositories are.
type Service struct {
	repo     Repository
	segments SegmentStore
	tpls     TemplateStore
	clock    clock.Clock
}

// NewService creates a campaign service.
func NewService(repo Repository, segments SegmentStore, tpls TemplateStore, clk clock.Clock) *Service {
	return &Service{repo: repo, segments: segments, tpls: tpls, clock: clk}
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name       string `json:"name"`
	SegmentID  string `json:"segment_id"`
	TemplateID string `json:"template_id"`
	FromName   string `json:"from_name"`
	FromEmail  string `json:"from_email"`
	ReplyTo    string `json:"reply_to"`
}

// Get returns a single campaign.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*domain.Campaign, error) {
	return s.repo.Get(ctx, tenantID, id)
}

// List returns campaigns matching the filter.
func (s *Service) List(ctx context.Context, tenantID string, f ListFilter) ([]domain.Campaign, int, error) {
	return s.repo.List(ctx, tenantID, f)
}

// Create validates and persists a new campaign in draft status.
func (s *Service) Create(ctx context.Context, tenantID string, input CreateInput) (*domain.Campaign, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, ErrNameRequired
	}
	now := s.clock.Now()
	c := &domain.Campaign{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Name:       strings.TrimSpace(input.Name),
		Kind:       domain.CampaignKindStandard,
		SegmentID:  input.SegmentID,
		TemplateID: input.TemplateID,
		FromName:   input.FromName,
		FromEmail:  domain.NormalizeEmail(input.FromEmail),
		ReplyTo:    input.ReplyTo,
		Status:     domain.CampaignDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

// Schedule validates the campaign's segment and template and moves it to
// SCHEDULED for at. Validation failures leave the campaign untouched.
func (s *Service) Schedule(ctx context.Context, tenantID, id string, at time.Time) error {
	c, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, domain.CampaignScheduled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignScheduled)
	}
	if err := s.validate(ctx, c); err != nil {
		return err
	}
	return s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{c.Status}, domain.CampaignScheduled, at)
}

// StartNow moves a DRAFT or SCHEDULED campaign straight to SENDING.
func (s *Service) StartNow(ctx context.Context, tenantID, id string) error {
	c, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, domain.CampaignSending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignSending)
	}
	if err := s.validate(ctx, c); err != nil {
		return err
	}
	return s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{c.Status}, domain.CampaignSending, s.clock.Now())
}

// Cancel stops a campaign. A SENDING campaign finishes its in-flight send
// but starts no new batch.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) error {
	c, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !CanTransition(c.Status, domain.CampaignCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, domain.CampaignCancelled)
	}
	if err := s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{c.Status}, domain.CampaignCancelled, s.clock.Now()); err != nil {
		return err
	}
	logger.Info("campaign cancelled", "tenant", tenantID, "campaign", id, "from", c.Status)
	return nil
}

func (s *Service) validate(ctx context.Context, c *domain.Campaign) error {
	if c.SegmentID == "" {
		return ErrMissingSegment
	}
	if c.TemplateID == "" {
		return ErrMissingTemplate
	}
	seg, err := s.segments.GetSegment(ctx, c.TenantID, c.SegmentID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingSegment, err)
	}
	if _, err := segmentation.Parse(seg.Rules); err != nil {
		return err
	}
	if _, err := s.tpls.GetTemplate(ctx, c.TenantID, c.TemplateID); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingTemplate, err)
	}
	return nil
}
