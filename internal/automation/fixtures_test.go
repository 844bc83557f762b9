package automation_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/sending"
	"github.com/ignite/audience-engine/internal/service/suppression"
)

const testTenant = "tenant-001"

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var errCrash = errors.New("process died")

// memRepo is an in-memory automation.Repository with the same conditional
// update semantics as the SQL store.
type memRepo struct {
	mu          sync.Mutex
	automations map[string]*domain.Automation
	states      map[string]*domain.AutomationState
	ledger      map[string]*domain.StepExecution
	seq         int

	// failSaves makes the next n SaveState calls fail, as if the worker
	// crashed between writing the ledger and saving the state.
	failSaves int
	// beforeSave runs inside SaveState before the lease check.
	beforeSave func(st *domain.AutomationState)
}

func newMemRepo() *memRepo {
	return &memRepo{
		automations: map[string]*domain.Automation{},
		states:      map[string]*domain.AutomationState{},
		ledger:      map[string]*domain.StepExecution{},
	}
}

func ledgerKey(tenantID, contactID, stepID string) string {
	return tenantID + "|" + contactID + "|" + stepID
}

// addAutomation stores an enabled automation, assigning step IDs and orders.
func (m *memRepo) addAutomation(id string, trigger domain.TriggerType, steps ...domain.AutomationStep) *domain.Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range steps {
		steps[i].ID = fmt.Sprintf("%s-step-%d", id, i+1)
		steps[i].AutomationID = id
		steps[i].StepOrder = i + 1
	}
	a := &domain.Automation{ID: id, TenantID: testTenant, Name: "Flow " + id, TriggerType: trigger, IsEnabled: true, Steps: steps}
	m.automations[id] = a
	return a
}

func (m *memRepo) setEnabled(id string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[id].IsEnabled = on
}

func (m *memRepo) GetAutomation(_ context.Context, id string) (*domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return nil, automation.ErrNotFound
	}
	cp := *a
	cp.Steps = append([]domain.AutomationStep(nil), a.Steps...)
	return &cp, nil
}

func (m *memRepo) ListEnabled(_ context.Context, tenantID string, trigger domain.TriggerType) ([]domain.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Automation
	for _, a := range m.automations {
		if a.IsEnabled && a.TriggerType == trigger && (tenantID == "" || a.TenantID == tenantID) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) CreateState(_ context.Context, st *domain.AutomationState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.TenantID == st.TenantID && s.ContactID == st.ContactID && s.AutomationID == st.AutomationID {
			return false, nil
		}
	}
	cp := *st
	m.states[st.ID] = &cp
	return true, nil
}

func (m *memRepo) DueStates(_ context.Context, now time.Time, limit int) ([]domain.AutomationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AutomationState
	for _, s := range m.states {
		a := m.automations[s.AutomationID]
		if s.Status == domain.AutomationActive && !s.NextRunAt.After(now) && a != nil && a.IsEnabled {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ClaimState(_ context.Context, id string, expected, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok || s.Status != domain.AutomationActive || !s.NextRunAt.Equal(expected) {
		return false, nil
	}
	s.NextRunAt = leaseUntil
	return true, nil
}

func (m *memRepo) SaveState(_ context.Context, st *domain.AutomationState, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return false, errCrash
	}
	s, ok := m.states[st.ID]
	if !ok {
		return false, nil
	}
	if m.beforeSave != nil {
		m.beforeSave(s)
	}
	if s.Status != domain.AutomationActive || !s.NextRunAt.Equal(leaseUntil) {
		return false, nil
	}
	cp := *st
	m.states[st.ID] = &cp
	return true, nil
}

func (m *memRepo) GetExecution(_ context.Context, tenantID, contactID, stepID string) (*domain.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.ledger[ledgerKey(tenantID, contactID, stepID)]
	if !ok {
		return nil, nil
	}
	cp := *ex
	return &cp, nil
}

func (m *memRepo) RecordExecution(_ context.Context, ex *domain.StepExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey(ex.TenantID, ex.ContactID, ex.StepID)
	if _, ok := m.ledger[k]; ok {
		return false, nil
	}
	cp := *ex
	m.ledger[k] = &cp
	return true, nil
}

func (m *memRepo) stateFor(contactID, automationID string) *domain.AutomationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s.ContactID == contactID && s.AutomationID == automationID {
			cp := *s
			return &cp
		}
	}
	return nil
}

func (m *memRepo) stateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

func (m *memRepo) ledgerFor(contactID string) []domain.StepExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StepExecution
	for _, ex := range m.ledger {
		if ex.ContactID == contactID {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out
}

type memContacts struct {
	mu       sync.Mutex
	contacts map[string]*domain.Contact
}

func newMemContacts(cs ...*domain.Contact) *memContacts {
	m := &memContacts{contacts: map[string]*domain.Contact{}}
	for _, c := range cs {
		m.contacts[c.ID] = c
	}
	return m
}

func (m *memContacts) GetContact(_ context.Context, tenantID, id string) (*domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	return &cp, nil
}

func (m *memContacts) AddTag(_ context.Context, tenantID, id, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok || c.TenantID != tenantID {
		return fmt.Errorf("contact %s not found", id)
	}
	c.Tags = append(c.Tags, tag)
	return nil
}

func subscribed(id, email string, tags ...string) *domain.Contact {
	return &domain.Contact{
		ID:        id,
		TenantID:  testTenant,
		Email:     email,
		FirstName: "Sam",
		Tags:      tags,
		Consent:   &domain.Consent{Status: domain.ConsentSubscribed},
	}
}

// suppressionList checks consent through the shared resolver.
type suppressionList map[string]*domain.Suppression

func (l suppressionList) Check(_ context.Context, c *domain.Contact) (suppression.Decision, error) {
	return suppression.Resolve(c.ConsentStatus(), l[domain.NormalizeEmail(c.Email)]), nil
}

// cheapMatcher evaluates contact-only rules without any aggregate loads.
type cheapMatcher struct{ now time.Time }

func (m cheapMatcher) MatchContact(_ context.Context, c *domain.Contact, rules segmentation.RuleSet) (bool, error) {
	return rules.Match(&segmentation.Facts{Contact: c, Now: m.now}), nil
}

type memTemplates map[string]*domain.Template

func (m memTemplates) GetTemplate(_ context.Context, tenantID, id string) (*domain.Template, error) {
	t, ok := m[id]
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("template %s not found", id)
	}
	return t, nil
}

type staticTenants struct{ settings domain.TenantSettings }

func (s staticTenants) GetSettings(_ context.Context, tenantID string) (*domain.TenantSettings, error) {
	cp := s.settings
	cp.TenantID = tenantID
	return &cp, nil
}

type stubRenderer struct{}

func (stubRenderer) Render(tpl *domain.Template, data map[string]interface{}) (*sending.Rendered, error) {
	if strings.Contains(tpl.Body, "{{ broken") {
		return nil, errors.New("liquid: unterminated tag")
	}
	return &sending.Rendered{Subject: tpl.Subject, HTML: fmt.Sprintf("%s|%v", tpl.Body, data["first_name"])}, nil
}

type stubLinks struct{}

func (stubLinks) UnsubscribeURL(tenantID, email string) (string, error) {
	return "https://links.example/u/" + tenantID + "/" + email, nil
}

func (stubLinks) PreferencesURL(tenantID, email string) (string, error) {
	return "https://links.example/p/" + tenantID + "/" + email, nil
}

type recordingMailer struct {
	mu     sync.Mutex
	sent   []domain.EmailMessage
	failTo map[string]bool
}

func (r *recordingMailer) Send(_ context.Context, msg *domain.EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failTo[msg.To] {
		return errors.New("provider rejected message")
	}
	r.sent = append(r.sent, *msg)
	return nil
}

func (r *recordingMailer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, tenantID, subject, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, subject+": "+message)
	return nil
}

type harness struct {
	repo     *memRepo
	contacts *memContacts
	supp     suppressionList
	mailer   *recordingMailer
	notifier *recordingNotifier
	clock    *clock.Fake
	engine   *automation.Engine
}

func newHarness(contacts ...*domain.Contact) *harness {
	h := &harness{
		repo:     newMemRepo(),
		contacts: newMemContacts(contacts...),
		supp:     suppressionList{},
		mailer:   &recordingMailer{failTo: map[string]bool{}},
		notifier: &recordingNotifier{},
		clock:    clock.NewFake(t0),
	}
	h.engine = automation.NewEngine(automation.Deps{
		Repo:     h.repo,
		Contacts: h.contacts,
		Consent:  h.supp,
		Matcher:  cheapMatcher{now: t0},
		Templates: memTemplates{
			"tpl-welcome": {ID: "tpl-welcome", TenantID: testTenant, Subject: "Welcome", Body: "Hi {{ first_name }}"},
			"tpl-broken":  {ID: "tpl-broken", TenantID: testTenant, Subject: "Oops", Body: "{{ broken"},
		},
		Tenants:  staticTenants{settings: domain.TenantSettings{FromName: "The Venue", FromEmail: "hello@venue.example"}},
		Renderer: stubRenderer{},
		Links:    stubLinks{},
		Mailer:   h.mailer,
		Notifier: h.notifier,
		Clock:    h.clock,
	}, automation.Config{ClaimBatch: 50, Lease: 5 * time.Minute})
	return h
}

func wait(minutes int) domain.AutomationStep {
	return domain.AutomationStep{StepType: domain.StepWait, DelayMinutes: minutes}
}

func email(templateID string) domain.AutomationStep {
	return domain.AutomationStep{StepType: domain.StepSendEmail, TemplateID: templateID}
}
