// Package app wires the engine from configuration. cmd/worker and
// cmd/enginectl share it so both processes run the same components against
// the same stores.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/automation"
	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/intelligence"
	"github.com/ignite/audience-engine/internal/mailing"
	"github.com/ignite/audience-engine/internal/pkg/clock"
	"github.com/ignite/audience-engine/internal/pkg/distlock"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/internal/segmentation"
	"github.com/ignite/audience-engine/internal/service/campaign"
	"github.com/ignite/audience-engine/internal/service/sending"
	"github.com/ignite/audience-engine/internal/service/suppression"
	"github.com/ignite/audience-engine/internal/worker"
)

// App holds every wired component.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Redis  *redis.Client
	Clock  clock.Clock
	Locker distlock.Locker

	Catalog      *postgres.CatalogRepo
	Automations  *automation.Store
	Suppressions *suppression.Service
	Evaluator    *segmentation.Evaluator
	Campaigns    *campaign.Service
	Materializer *campaign.Materializer
	Sender       *campaign.Sender
	Dispatcher   *campaign.Dispatcher
	Digest       *campaign.DigestPlanner
	Insights     *intelligence.Builder
	Engine       *automation.Engine
	NoPurchase   *worker.NoPurchaseScanner
	Abandoned    *worker.AbandonedCheckoutScanner
	Retention    *worker.Retention
}

// New opens the database (and Redis when configured) and wires the
// components. Close releases the connections.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			db.Close()
			rdb.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	var mailer sending.Mailer
	if cfg.Sending.DryRun {
		mailer = mailing.NewLogMailer()
	} else {
		mailer = mailing.NewSparkPostMailer(cfg.Sending.SparkPostAPIKey, cfg.Sending.SparkPostURL, nil)
	}
	return Wire(cfg, db, rdb, clock.Real{}, mailer), nil
}

// Wire builds the components on existing connections. rdb may be nil.
func Wire(cfg *config.Config, db *sql.DB, rdb *redis.Client, clk clock.Clock, mailer sending.Mailer) *App {
	a := &App{Config: cfg, DB: db, Redis: rdb, Clock: clk}
	a.Locker = distlock.Backend{Redis: rdb, DB: db}

	a.Catalog = postgres.NewCatalogRepo(db)
	contacts := postgres.NewContactRepo(db)
	audience := postgres.NewAudienceRepo(db)
	campaigns := postgres.NewCampaignRepo(db)
	recipients := postgres.NewRecipientRepo(db)
	a.Automations = automation.NewStore(db)

	a.Suppressions = suppression.NewService(postgres.NewSuppressionRepo(db))
	a.Evaluator = segmentation.NewEvaluator(postgres.NewSegmentationRepo(db), clk, cfg.Insight.MaxAge())

	renderer := mailing.NewTemplateRenderer()
	links := mailing.NewLinkSigner(cfg.Links.BaseURL, []byte(cfg.Links.SigningKey), cfg.Links.TTL())
	notifier := mailing.NewWebhookNotifier(cfg.Sending.NotifyWebhookURL, nil, a.Catalog, mailer, cfg.Sending.FromEmail)

	a.Campaigns = campaign.NewService(campaigns, a.Catalog, a.Catalog, clk)
	a.Materializer = campaign.NewMaterializer(campaigns, recipients, a.Catalog, a.Evaluator, a.Suppressions, clk)
	a.Sender = campaign.NewSender(campaigns, recipients, a.Catalog, a.Catalog, renderer, links, mailer, clk, campaign.SendConfig{
		BatchSize:             cfg.Sending.BatchSize,
		RatePerSecond:         cfg.Sending.RatePerSecond,
		DailyLimit:            cfg.Sending.DailyLimit,
		RequireVerifiedSender: cfg.Sending.RequireVerifiedSender,
		FromName:              cfg.Sending.FromName,
		FromEmail:             cfg.Sending.FromEmail,
		ReplyTo:               cfg.Sending.ReplyTo,
		ClaimTTL:              cfg.Sending.CampaignLockTTL(),
	})
	a.Dispatcher = campaign.NewDispatcher(campaigns, a.Materializer, a.Sender, a.Locker, clk, 20, cfg.Sending.CampaignLockTTL())
	a.Digest = campaign.NewDigestPlanner(campaigns, a.Catalog)
	a.Insights = intelligence.NewBuilder(audience, clk, a.Locker)

	a.Engine = automation.NewEngine(automation.Deps{
		Repo:      a.Automations,
		Contacts:  contacts,
		Consent:   a.Suppressions,
		Matcher:   a.Evaluator,
		Templates: a.Catalog,
		Tenants:   a.Catalog,
		Renderer:  renderer,
		Links:     links,
		Mailer:    mailer,
		Notifier:  notifier,
		Clock:     clk,
	}, automation.Config{
		ClaimBatch: cfg.Automation.ClaimBatch,
		Lease:      cfg.Automation.Lease(),
		FromName:   cfg.Sending.FromName,
		FromEmail:  cfg.Sending.FromEmail,
		ReplyTo:    cfg.Sending.ReplyTo,
	})

	triggers := postgres.NewTriggerRepo(db)
	a.NoPurchase = worker.NewNoPurchaseScanner(a.Automations, triggers, postgres.NewAuditRepo(db), a.Engine, a.Locker, clk)
	a.Abandoned = worker.NewAbandonedCheckoutScanner(a.Automations, triggers, a.Engine, clk, cfg.Triggers.CheckoutBatch)
	a.Retention = worker.NewRetention(db, worker.RetentionPolicy{
		CheckoutDays: cfg.Retention.CheckoutDays,
		ViewDays:     cfg.Retention.ViewDays,
		AuditDays:    cfg.Retention.AuditDays,
	})
	return a
}

// Scheduler registers every periodic job on a new scheduler.
func (a *App) Scheduler() *worker.Scheduler {
	cfg := a.Config
	s := worker.NewScheduler(cfg.Scheduler.Tick(), a.Clock)
	s.Add("automation", 0, worker.AutomationJob(a.Engine))
	s.Add("campaigns", 0, worker.CampaignJob(a.Dispatcher))
	s.Add("scan_no_purchase", cfg.Triggers.ScanEvery(), worker.ScanJob("scan_no_purchase", a.NoPurchase))
	s.Add("scan_abandoned_checkout", cfg.Triggers.ScanEvery(), worker.ScanJob("scan_abandoned_checkout", a.Abandoned))
	s.Add("insight", cfg.Insight.RebuildEvery(), worker.InsightJob(a.Insights, a.Catalog))
	s.Add("digest", cfg.Insight.DigestEvery(), worker.DigestJob(a.Digest, a.Catalog, a.Clock))
	s.Add("retention", time.Duration(cfg.Retention.EveryHours)*time.Hour, a.Retention.Run)
	return s
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	if a.Redis != nil {
		a.Redis.Close()
	}
	return a.DB.Close()
}
