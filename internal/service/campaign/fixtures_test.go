package campaign_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/campaign"
	"github.com/ignite/audience-engine/internal/service/sending"
	"github.com/ignite/audience-engine/internal/service/suppression"
)

const testTenant = "tenant-001"

var t0 = time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory implementation of every store the campaign
// package consumes.
type memStore struct {
	mu         sync.Mutex
	campaigns  map[string]*domain.Campaign
	recipients []*domain.CampaignRecipient
	segments   map[string]*domain.Segment
	templates  map[string]*domain.Template
	settings   map[string]*domain.TenantSettings
	claims     map[string]claim
	seq        int
}

type claim struct {
	token string
	until time.Time
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[string]*domain.Campaign{},
		segments:  map[string]*domain.Segment{},
		templates: map[string]*domain.Template{},
		settings:  map[string]*domain.TenantSettings{testTenant: {TenantID: testTenant, FromEmail: "hello@venue.example"}},
		claims:    map[string]claim{},
	}
}

func (m *memStore) Get(ctx context.Context, tenantID, id string) (*domain.Campaign, error) {
	c, err := m.GetByID(ctx, id)
	if err != nil || c.TenantID != tenantID {
		return nil, campaign.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) List(_ context.Context, tenantID string, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.TenantID == tenantID && (f.Status == "" || string(c.Status) == f.Status) {
			out = append(out, *c)
		}
	}
	return out, len(out), nil
}

func (m *memStore) Create(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.PeriodKey != "" {
		for _, o := range m.campaigns {
			if o.TenantID == c.TenantID && o.Kind == c.Kind && o.PeriodKey == c.PeriodKey {
				return campaign.ErrDuplicatePeriod
			}
		}
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) TransitionStatus(_ context.Context, id string, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return campaign.ErrInvalidTransition
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			switch to {
			case domain.CampaignScheduled:
				c.ScheduledAt = &at
			case domain.CampaignSending:
				c.StartedAt = &at
			default:
				c.CompletedAt = &at
			}
			return nil
		}
	}
	return campaign.ErrInvalidTransition
}

func (m *memStore) Status(_ context.Context, id string) (domain.CampaignStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.campaigns[id].Status, nil
}

func (m *memStore) setStatus(id string, s domain.CampaignStatus) {
	m.mu.Lock()
	m.campaigns[id].Status = s
	m.mu.Unlock()
}

func (m *memStore) DueScheduled(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	return m.byStatus(domain.CampaignScheduled, &now), nil
}

func (m *memStore) ListSending(_ context.Context, limit int) ([]domain.Campaign, error) {
	return m.byStatus(domain.CampaignSending, nil), nil
}

func (m *memStore) byStatus(s domain.CampaignStatus, dueBy *time.Time) []domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status != s {
			continue
		}
		if dueBy != nil && (c.ScheduledAt == nil || c.ScheduledAt.After(*dueBy)) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) FindByPeriod(_ context.Context, tenantID string, kind domain.CampaignKind, period string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.TenantID == tenantID && c.Kind == kind && c.PeriodKey == period {
			cp := *c
			return &cp, nil
		}
	}
	return nil, campaign.ErrNotFound
}

func (m *memStore) CountRecipients(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertRecipients(_ context.Context, rows []domain.CampaignRecipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
next:
	for i := range rows {
		for _, r := range m.recipients {
			if r.CampaignID == rows[i].CampaignID && r.ContactID == rows[i].ContactID {
				continue next
			}
		}
		cp := rows[i]
		m.recipients = append(m.recipients, &cp)
		n++
	}
	return n, nil
}

func (m *memStore) ClaimPending(_ context.Context, campaignID, token string, limit int, now, until time.Time) ([]domain.CampaignRecipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID != campaignID || r.Status != domain.RecipientPending {
			continue
		}
		if c, ok := m.claims[r.ID]; ok && c.until.After(now) {
			continue
		}
		m.claims[r.ID] = claim{token: token, until: until}
		out = append(out, *r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ReleaseClaims(_ context.Context, campaignID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.claims {
		if c.token == token {
			delete(m.claims, id)
		}
	}
	return nil
}

func (m *memStore) CountPending(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && r.Status == domain.RecipientPending {
			n++
		}
	}
	return n, nil
}

func (m *memStore) MarkMaterialized(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok && c.MaterializedAt == nil {
		c.MaterializedAt = &at
	}
	return nil
}

func (m *memStore) find(id string) *domain.CampaignRecipient {
	for _, r := range m.recipients {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(id); r != nil && r.Status == domain.RecipientPending {
		r.Status = domain.RecipientSent
		r.SentAt = &at
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.find(id); r != nil && r.Status == domain.RecipientPending {
		r.Status = domain.RecipientFailed
		r.Error = errText
	}
	return nil
}

func (m *memStore) CountSentSince(_ context.Context, tenantID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients {
		if r.TenantID == tenantID && r.Status == domain.RecipientSent && r.SentAt != nil && !r.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) recipientsOf(campaignID string) []domain.CampaignRecipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CampaignRecipient
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	return out
}

func (m *memStore) GetSegment(_ context.Context, tenantID, id string) (*domain.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[id]
	if !ok || s.TenantID != tenantID {
		return nil, fmt.Errorf("segment %s not found", id)
	}
	return s, nil
}

func (m *memStore) GetTemplate(_ context.Context, tenantID, id string) (*domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("template %s not found", id)
	}
	return t, nil
}

func (m *memStore) GetSettings(_ context.Context, tenantID string) (*domain.TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[tenantID]
	if !ok {
		return &domain.TenantSettings{TenantID: tenantID}, nil
	}
	cp := *s
	return &cp, nil
}

// seedCampaign stores a SENDING campaign with a segment and template.
func (m *memStore) seedCampaign(id string, status domain.CampaignStatus) *domain.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments["seg-1"] = &domain.Segment{ID: "seg-1", TenantID: testTenant, Rules: []byte(`[]`)}
	m.templates["tpl-1"] = &domain.Template{ID: "tpl-1", TenantID: testTenant, Subject: "Hello", Body: "<p>hi</p>"}
	c := &domain.Campaign{ID: id, TenantID: testTenant, Name: id, SegmentID: "seg-1", TemplateID: "tpl-1", Status: status}
	m.campaigns[id] = c
	cp := *c
	return &cp
}

// seedPending inserts n PENDING recipients directly and marks the campaign
// materialized.
func (m *memStore) seedPending(campaignID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[campaignID]; ok && c.MaterializedAt == nil {
		at := t0
		c.MaterializedAt = &at
	}
	for i := 0; i < n; i++ {
		m.seq++
		m.recipients = append(m.recipients, &domain.CampaignRecipient{
			ID:         fmt.Sprintf("r-%d", m.seq),
			TenantID:   testTenant,
			CampaignID: campaignID,
			ContactID:  fmt.Sprintf("c-%d", m.seq),
			Email:      fmt.Sprintf("fan%d@example.com", m.seq),
			Status:     domain.RecipientPending,
		})
	}
}

// seedSent inserts n SENT rows on another campaign at sentAt.
func (m *memStore) seedSent(n int, sentAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.seq++
		at := sentAt
		m.recipients = append(m.recipients, &domain.CampaignRecipient{
			ID: fmt.Sprintf("old-%d", m.seq), TenantID: testTenant, CampaignID: "earlier",
			ContactID: fmt.Sprintf("c-%d", m.seq), Status: domain.RecipientSent, SentAt: &at,
		})
	}
}

// staticEvaluator returns a fixed contact list.
type staticEvaluator struct {
	contacts []domain.Contact
	calls    int
}

func (e *staticEvaluator) Evaluate(context.Context, string, segmentation.RuleSet) ([]domain.Contact, error) {
	e.calls++
	return e.contacts, nil
}

type staticSuppressions []domain.Suppression

func (s staticSuppressions) LoadIndex(context.Context, string) (suppression.Index, error) {
	return suppression.NewIndex(s), nil
}

// stubRenderer echoes the template.
type stubRenderer struct{}

func (stubRenderer) Render(tpl *domain.Template, data map[string]interface{}) (*sending.Rendered, error) {
	return &sending.Rendered{Subject: tpl.Subject, HTML: tpl.Body + " " + fmt.Sprint(data["unsubscribe_url"])}, nil
}

type stubLinks struct{}

func (stubLinks) UnsubscribeURL(tenantID, email string) (string, error) {
	return "https://links.example/u/" + tenantID + "/" + email, nil
}

func (stubLinks) PreferencesURL(tenantID, email string) (string, error) {
	return "https://links.example/p/" + tenantID + "/" + email, nil
}

// recordingMailer counts deliveries per address. hook runs after each send.
type recordingMailer struct {
	mu     sync.Mutex
	sent   map[string]int
	failTo map[string]bool
	hook   func(n int)
	total  int
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{sent: map[string]int{}, failTo: map[string]bool{}}
}

func (r *recordingMailer) Send(_ context.Context, msg *domain.EmailMessage) error {
	r.mu.Lock()
	if r.failTo[msg.To] {
		r.mu.Unlock()
		return fmt.Errorf("provider rejected %s", msg.To)
	}
	r.sent[msg.To]++
	r.total++
	n := r.total
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

// memLocker is an in-process Locker.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

func (l *memLocker) Lock(key string, _ time.Duration) distlock.DistLock {
	return &memLock{l: l, key: key}
}

type memLock struct {
	l   *memLocker
	key string
}

func (m *memLock) Acquire(context.Context) (bool, error) {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if m.l.held[m.key] {
		return false, nil
	}
	m.l.held[m.key] = true
	return true, nil
}

func (m *memLock) Release(context.Context) error {
	m.l.mu.Lock()
	delete(m.l.held, m.key)
	m.l.mu.Unlock()
	return nil
}
