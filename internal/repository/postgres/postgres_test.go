package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/internal/service/campaign"
	"github.com/ignite/audience-engine/internal/service/suppression"
	"github.com/ignite/audience-engine/internal/worker"
)

const tenant = "tenant-001"

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	_ worker.TriggerStore      = (*postgres.TriggerRepo)(nil)
	_ worker.AuditLog          = (*postgres.AuditRepo)(nil)
	_ worker.TenantLister      = (*postgres.CatalogRepo)(nil)
	_ campaign.SegmentStore    = (*postgres.CatalogRepo)(nil)
	_ campaign.TemplateStore   = (*postgres.CatalogRepo)(nil)
	_ campaign.TenantStore     = (*postgres.CatalogRepo)(nil)
	_ automation.ContactStore  = (*postgres.ContactRepo)(nil)
	_ automation.TemplateStore = (*postgres.CatalogRepo)(nil)
)

func newMock(t *testing.T) (sqlmock.Sqlmock, func() *postgres.CampaignRepo, func() *postgres.RecipientRepo) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return mock,
		func() *postgres.CampaignRepo { return postgres.NewCampaignRepo(db) },
		func() *postgres.RecipientRepo { return postgres.NewRecipientRepo(db) }
}

func TestRecipientRepo_InsertSkipsExistingRows(t *testing.T) {
	mock, _, recipients := newMock(t)
	rows := []domain.CampaignRecipient{
		{ID: "r1", TenantID: tenant, CampaignID: "camp-1", ContactID: "c1", Email: "a@example.com", Status: domain.RecipientPending, CreatedAt: now},
		{ID: "r2", TenantID: tenant, CampaignID: "camp-1", ContactID: "c2", Email: "b@example.com", Status: domain.RecipientSuppressed, Error: "suppressed:MANUAL", CreatedAt: now},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO campaign_recipients .* ON CONFLICT \(campaign_id, contact_id\) DO NOTHING`)
	prep.ExpectExec().
		WithArgs("r1", tenant, "camp-1", "c1", "a@example.com", "", "", "PENDING", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("r2", tenant, "camp-1", "c2", "b@example.com", "", "", "SKIPPED_SUPPRESSED", "suppressed:MANUAL", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := recipients().InsertRecipients(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecipientRepo_InsertRollsBackOnError(t *testing.T) {
	mock, _, recipients := newMock(t)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO campaign_recipients`).
		ExpectExec().
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := recipients().InsertRecipients(context.Background(), []domain.CampaignRecipient{
		{ID: "r1", TenantID: tenant, CampaignID: "camp-1", ContactID: "c1", Status: domain.RecipientPending},
	})
	require.ErrorIs(t, err, assert.AnError)
}

func TestRecipientRepo_ClaimPendingSkipsHeldRows(t *testing.T) {
	mock, _, recipients := newMock(t)
	until := now.Add(10 * time.Minute)

	mock.ExpectQuery(`WHERE campaign_id = \$1 AND status = 'PENDING' AND \(claim_token IS NULL OR claimed_until <= \$4\) ORDER BY seq LIMIT \$3 FOR UPDATE SKIP LOCKED .* UPDATE campaign_recipients cr SET claim_token = \$2, claimed_until = \$5 .* FROM claimed ORDER BY seq`).
		WithArgs("camp-1", "tok-1", 2, now, until).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "campaign_id", "contact_id", "email",
			"first_name", "last_name", "status", "error", "sent_at", "created_at"}).
			AddRow("r1", tenant, "camp-1", "c1", "a@example.com", "Ada", "", "PENDING", "", nil, now).
			AddRow("r2", tenant, "camp-1", "c2", "b@example.com", "", "", "PENDING", "", nil, now))

	got, err := recipients().ClaimPending(context.Background(), "camp-1", "tok-1", 2, now, until)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, "Ada", got[0].FirstName)
	assert.Nil(t, got[0].SentAt)
}

func TestRecipientRepo_ReleaseClaimsOnlyOwnPendingRows(t *testing.T) {
	mock, _, recipients := newMock(t)

	mock.ExpectExec(`UPDATE campaign_recipients SET claim_token = NULL, claimed_until = NULL WHERE campaign_id = \$1 AND claim_token = \$2 AND status = 'PENDING'`).
		WithArgs("camp-1", "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, recipients().ReleaseClaims(context.Background(), "camp-1", "tok-1"))
}

func TestCampaignRepo_MarkMaterializedKeepsFirstStamp(t *testing.T) {
	mock, campaigns, _ := newMock(t)

	mock.ExpectExec(`UPDATE campaigns SET materialized_at = \$2, updated_at = \$2 WHERE id = \$1 AND materialized_at IS NULL`).
		WithArgs("camp-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, campaigns().MarkMaterialized(context.Background(), "camp-1", now))
}

func TestRecipientRepo_CountSentSince(t *testing.T) {
	mock, _, recipients := newMock(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaign_recipients WHERE tenant_id = \$1 AND status = 'SENT' AND sent_at >= \$2`).
		WithArgs(tenant, day).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := recipients().CountSentSince(context.Background(), tenant, day)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestCampaignRepo_CreateDuplicatePeriod(t *testing.T) {
	mock, campaigns, _ := newMock(t)

	mock.ExpectExec(`INSERT INTO campaigns`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_campaigns_period"})

	err := campaigns().Create(context.Background(), &domain.Campaign{
		TenantID: tenant, Name: "March digest", Kind: domain.CampaignKindMonthlyDigest,
		PeriodKey: "2026-03", Status: domain.CampaignScheduled, CreatedAt: now,
	})
	assert.ErrorIs(t, err, campaign.ErrDuplicatePeriod)
}

func TestCampaignRepo_TransitionStatus(t *testing.T) {
	mock, campaigns, _ := newMock(t)

	mock.ExpectExec(`UPDATE campaigns SET status = \$2, updated_at = \$3, started_at = COALESCE\(started_at, \$3\)\s+WHERE id = \$1 AND status = ANY\(\$4\)`).
		WithArgs("camp-1", "SENDING", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET status = \$2, updated_at = \$3, completed_at = \$3`).
		WithArgs("camp-1", "CANCELLED", now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := campaigns().TransitionStatus(context.Background(), "camp-1",
		[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignSending, now)
	require.NoError(t, err)

	err = campaigns().TransitionStatus(context.Background(), "camp-1",
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled}, domain.CampaignCancelled, now)
	assert.ErrorIs(t, err, campaign.ErrInvalidTransition)
}

func TestCampaignRepo_GetNotFound(t *testing.T) {
	mock, campaigns, _ := newMock(t)

	mock.ExpectQuery(`FROM campaigns WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("missing", tenant).
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := campaigns().Get(context.Background(), tenant, "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestSuppressionRepo(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewSuppressionRepo(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO suppressions .* ON CONFLICT \(tenant_id, email\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), tenant, "bounce@example.com", "HARD_BOUNCE", "550 mailbox unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Suppress(ctx, &domain.Suppression{
		TenantID: tenant, Email: " Bounce@Example.com ", Type: domain.SuppressionHardBounce, Reason: "550 mailbox unavailable",
	}))

	mock.ExpectExec(`DELETE FROM suppressions WHERE tenant_id = \$1 AND email = \$2`).
		WithArgs(tenant, "nobody@example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Remove(ctx, tenant, "nobody@example.com"), suppression.ErrNotFound)

	mock.ExpectQuery(`FROM suppressions WHERE tenant_id = \$1 AND email = \$2`).
		WithArgs(tenant, "nobody@example.com").
		WillReturnRows(sqlmock.NewRows(nil))
	_, err = repo.Get(ctx, tenant, "nobody@example.com")
	assert.ErrorIs(t, err, suppression.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepo_GetContact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewContactRepo(db)
	ctx := context.Background()

	cols := []string{"id", "tenant_id", "email", "first_name", "last_name", "phone", "town", "tags", "created_at",
		"status", "lawful_basis", "source", "captured_at"}
	mock.ExpectQuery(`FROM contacts c\s+LEFT JOIN contact_consents cc .* WHERE c.tenant_id = \$1 AND c.id = \$2`).
		WithArgs(tenant, "c1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("c1", tenant, "ada@example.com", "Ada", "Lovelace", "", "Leeds", "{vip,jazz}", now,
				"SUBSCRIBED", "consent", "checkout", now))
	mock.ExpectQuery(`SELECT topic, status FROM contact_preferences`).
		WithArgs(tenant, "c1").
		WillReturnRows(sqlmock.NewRows([]string{"topic", "status"}).AddRow("newsletter", "SUBSCRIBED"))

	c, err := repo.GetContact(ctx, tenant, "c1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"vip", "jazz"}, c.Tags)
	assert.Equal(t, domain.ConsentSubscribed, c.ConsentStatus())
	assert.Equal(t, domain.PreferenceSubscribed, c.Preference("newsletter"))

	mock.ExpectQuery(`FROM contacts c`).
		WithArgs(tenant, "gone").
		WillReturnRows(sqlmock.NewRows(cols))
	c, err = repo.GetContact(ctx, tenant, "gone")
	require.NoError(t, err)
	assert.Nil(t, c)

	mock.ExpectExec(`UPDATE contacts SET tags = array_append\(tags, \$3\)\s+WHERE tenant_id = \$1 AND id = \$2 AND NOT \(\$3 = ANY\(tags\)\)`).
		WithArgs(tenant, "c1", "lapsed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AddTag(ctx, tenant, "c1", "lapsed"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogRepo_UnknownTenantGetsZeroSettings(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM tenants WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(nil))

	s, err := postgres.NewCatalogRepo(db).GetSettings(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", s.TenantID)
	assert.Zero(t, s.DailySendLimit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogRepo_MissingTemplate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`FROM templates WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs(tenant, "tpl-x").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err = postgres.NewCatalogRepo(db).GetTemplate(context.Background(), tenant, "tpl-x")
	assert.ErrorIs(t, err, postgres.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_MarkRunIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewAuditRepo(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO audit_log .* ON CONFLICT \(tenant_id, action, entity_id, run_date\) DO NOTHING`).
		WithArgs(tenant, worker.ActionNoPurchaseScan, "auto-1", "2026-03-02").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM audit_log`).
		WithArgs(tenant, worker.ActionNoPurchaseScan, "auto-1", "2026-03-02").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, repo.MarkRun(ctx, tenant, worker.ActionNoPurchaseScan, "auto-1", now))
	ran, err := repo.HasRun(ctx, tenant, worker.ActionNoPurchaseScan, "auto-1", now)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTriggerRepo_OpenCheckoutsFlagsConversions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	after := domain.CheckoutCursor{StartedAt: now.Add(-4 * time.Hour), ID: "co-0"}
	mock.ExpectQuery(`FROM checkout_events ce WHERE ce.tenant_id = \$1 AND ce.status = 'STARTED' AND ce.started_at < \$2 AND \(ce.started_at, ce.id\) > \(\$3, \$4\) ORDER BY ce.started_at, ce.id LIMIT \$5`).
		WithArgs(tenant, now, after.StartedAt, "co-0", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "contact_id", "email", "event_id", "status", "started_at", "exists"}).
			AddRow("co-1", tenant, "c1", "a@example.com", "ev-1", "STARTED", now.Add(-2*time.Hour), false).
			AddRow("co-2", tenant, "", "guest@example.com", "ev-1", "STARTED", now.Add(-3*time.Hour), true))

	got, err := postgres.NewTriggerRepo(db).OpenCheckouts(context.Background(), tenant, now, after, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Converted)
	assert.True(t, got[1].Converted)
	assert.Empty(t, got[1].ContactID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
