package campaign_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/service/campaign"
)

func newTestSender(store *memStore, mailer *recordingMailer, clk clock.Clock, cfg campaign.SendConfig) *campaign.Sender {
	return campaign.NewSender(store, store, store, store, stubRenderer{}, stubLinks{}, mailer, clk, cfg)
}

func TestSend_RateCeiling(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 50)
	clk := clock.NewFake(t0)
	mailer := newRecordingMailer()

	report, err := newTestSender(store, mailer, clk, campaign.SendConfig{BatchSize: 20, RatePerSecond: 5}).
		Send(context.Background(), "camp-1")
	require.NoError(t, err)

	assert.Equal(t, 50, report.Sent)
	assert.Equal(t, 3, report.Batches)
	assert.True(t, report.Completed)
	assert.GreaterOrEqual(t, clk.Slept(), 49*time.Second/5, "50 sends at 5/s need (50-1)/5 s of spacing")
	assert.Less(t, clk.Slept(), 10*time.Second)

	c, _ := store.GetByID(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSent, c.Status)
}

func TestSend_TenantRateOverridesDefault(t *testing.T) {
	store := newMemStore()
	store.settings[testTenant].SendRatePerSecond = 2
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 3)
	clk := clock.NewFake(t0)

	_, err := newTestSender(store, newRecordingMailer(), clk, campaign.SendConfig{RatePerSecond: 100}).
		Send(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, time.Second, clk.Slept())
}

func TestSend_DailyCapStopsBeforeBatch(t *testing.T) {
	store := newMemStore()
	store.settings[testTenant].DailySendLimit = 10
	store.seedSent(8, t0.Add(-time.Hour))
	store.seedSent(50, t0.AddDate(0, 0, -1)) // yesterday does not count
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 5)
	mailer := newRecordingMailer()

	report, err := newTestSender(store, mailer, clock.NewFake(t0), campaign.SendConfig{BatchSize: 5}).
		Send(context.Background(), "camp-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, campaign.ErrDailyCapExceeded))
	assert.True(t, campaign.IsPolicy(err))
	assert.Zero(t, report.Sent)
	assert.Zero(t, mailer.total, "no row of the violating batch may be sent")

	for _, r := range store.recipientsOf("camp-1") {
		assert.Equal(t, domain.RecipientPending, r.Status)
	}
	c, _ := store.GetByID(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, c.Status, "policy stop leaves the campaign for an operator")
}

func TestSend_ResumesAfterCrash(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 10)
	mailer := newRecordingMailer()
	clk := clock.NewFake(t0)
	sender := newTestSender(store, mailer, clk, campaign.SendConfig{BatchSize: 4, RatePerSecond: 50})

	ctx, crash := context.WithCancel(context.Background())
	mailer.hook = func(n int) {
		if n == 6 {
			crash()
		}
	}
	_, err := sender.Send(ctx, "camp-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 6, mailer.total)

	mailer.hook = nil
	report, err := sender.Send(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Sent)
	assert.True(t, report.Completed)

	assert.Len(t, mailer.sent, 10)
	for to, n := range mailer.sent {
		assert.Equal(t, 1, n, "%s received %d copies", to, n)
	}
}

func TestSend_TransportFailureIsIsolated(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 3)
	mailer := newRecordingMailer()
	mailer.failTo["fan2@example.com"] = true

	report, err := newTestSender(store, mailer, clock.NewFake(t0), campaign.SendConfig{}).
		Send(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)

	for _, r := range store.recipientsOf("camp-1") {
		if r.Email == "fan2@example.com" {
			assert.Equal(t, domain.RecipientFailed, r.Status)
			assert.Contains(t, r.Error, "provider rejected")
		} else {
			assert.Equal(t, domain.RecipientSent, r.Status)
			assert.NotNil(t, r.SentAt)
		}
	}
}

func TestSend_UnverifiedSender(t *testing.T) {
	store := newMemStore()
	store.settings[testTenant].VerifiedDomains = []string{"other.example"}
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 2)
	mailer := newRecordingMailer()
	cfg := campaign.SendConfig{RequireVerifiedSender: true}

	_, err := newTestSender(store, mailer, clock.NewFake(t0), cfg).Send(context.Background(), "camp-1")
	assert.True(t, errors.Is(err, campaign.ErrUnverifiedSender))
	assert.Zero(t, mailer.total)

	store.settings[testTenant].VerifiedDomains = []string{"VENUE.example"}
	_, err = newTestSender(store, mailer, clock.NewFake(t0), cfg).Send(context.Background(), "camp-1")
	assert.NoError(t, err)
	assert.Equal(t, 2, mailer.total)
}

func TestSend_CancelStopsBeforeNextBatch(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 6)
	mailer := newRecordingMailer()
	mailer.hook = func(n int) {
		if n == 1 {
			store.setStatus("camp-1", domain.CampaignCancelled)
		}
	}

	report, err := newTestSender(store, mailer, clock.NewFake(t0), campaign.SendConfig{BatchSize: 2}).
		Send(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 2, report.Sent, "the in-flight batch completes")
}

func TestSend_RejectsDraft(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignDraft)

	_, err := newTestSender(store, newRecordingMailer(), clock.NewFake(t0), campaign.SendConfig{}).
		Send(context.Background(), "camp-1")
	assert.True(t, errors.Is(err, campaign.ErrInvalidTransition))
}

func TestSend_RefusesUnmaterializedCampaign(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	mailer := newRecordingMailer()

	report, err := newTestSender(store, mailer, clock.NewFake(t0), campaign.SendConfig{}).
		Send(context.Background(), "camp-1")
	assert.ErrorIs(t, err, campaign.ErrNotMaterialized)
	assert.False(t, report.Completed)
	assert.Zero(t, mailer.total)

	c, _ := store.GetByID(context.Background(), "camp-1")
	assert.Equal(t, domain.CampaignSending, c.Status)
}

func TestSend_LeaseLossStopsBeforeNextClaim(t *testing.T) {
	store := newMemStore()
	store.seedCampaign("camp-1", domain.CampaignSending)
	store.seedPending("camp-1", 6)
	mailer := newRecordingMailer()
	sender := newTestSender(store, mailer, clock.NewFake(t0), campaign.SendConfig{RatePerSecond: 100, BatchSize: 3})

	renewals := 0
	renew := func(context.Context) error {
		renewals++
		if renewals > 1 {
			return distlock.ErrLockLost
		}
		return nil
	}
	report, err := sender.SendWithLease(context.Background(), "camp-1", renew)
	assert.ErrorIs(t, err, distlock.ErrLockLost)
	assert.Equal(t, 3, report.Sent)
	assert.Equal(t, 3, mailer.total)

	// the lost run's claims are released so the next holder picks up at once
	report, err = sender.Send(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)
	assert.True(t, report.Completed)
}
