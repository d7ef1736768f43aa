package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/admin"
	"github.com/BTreeMap/CourtPipe/internal/api"
	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/catalog"
	"github.com/BTreeMap/CourtPipe/internal/conversation"
	"github.com/BTreeMap/CourtPipe/internal/events"
	"github.com/BTreeMap/CourtPipe/internal/flow"
	"github.com/BTreeMap/CourtPipe/internal/lockfile"
	"github.com/BTreeMap/CourtPipe/internal/messaging"
	"github.com/BTreeMap/CourtPipe/internal/scheduler"
	"github.com/BTreeMap/CourtPipe/internal/store"
	"github.com/BTreeMap/CourtPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CourtPipe/internal/whatsapp"
)

const (
	outboxPollInterval  = 5 * time.Second
	telegramPollTimeout = 60
	evictionSchedule    = "@every 10m"
)

// backend is what a ledger store offers beyond the Ledger itself.
type backend interface {
	store.Ledger
	store.SessionStore
	store.DedupRepo
	store.OutboxRepo
	Close() error
}

// closer runs cleanup steps in reverse order of registration.
type closer struct {
	steps []func()
}

func (c *closer) add(name string, fn func() error) {
	c.steps = append(c.steps, func() {
		if err := fn(); err != nil {
			slog.Warn("shutdown step failed", "step", name, "error", err)
		}
	})
}

func (c *closer) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		c.steps[i]()
	}
}

// run wires every component and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cleanup closer
	defer cleanup.run()

	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	cleanup.add("lockfile", lock.Release)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	cat, err := openCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	db, err := openBackend(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	cleanup.add("store", db.Close)

	var sessions store.SessionStore = db
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisSessionStoreFromURL(ctx, cfg.RedisURL, cfg.SessionIdleTTL)
		if err != nil {
			return fmt.Errorf("failed to open redis session store: %w", err)
		}
		cleanup.add("redis", rs.Close)
		sessions = rs
	}

	publisher := openPublisher(cfg)
	cleanup.add("events", publisher.Close)

	manager := booking.NewManager(db,
		booking.WithPendingTTL(cfg.PendingTTL),
		booking.WithPublisher(publisher),
		booking.WithLocation(loc),
	)
	engine := flow.NewEngine(cat, flow.WithLocation(loc))

	customers, twilioSvc, err := openCustomerTransport(ctx, cfg)
	if err != nil {
		return err
	}

	adapter := conversation.NewAdapter(customers, sessions, manager, engine,
		conversation.WithDedup(db),
		conversation.WithOutbox(db),
		conversation.WithPublisher(publisher),
		conversation.WithInboundRate(cfg.InboundRate),
	)

	channelOpts := []admin.Option{
		admin.WithCatalog(cat),
		admin.WithLocation(loc),
		admin.WithAdminChats(cfg.AdminChats, cfg.AdminRestrict),
	}
	var adminSvc messaging.Service
	if cfg.TelegramToken != "" {
		bot, err := messaging.NewTelegramBot(cfg.TelegramToken)
		if err != nil {
			return err
		}
		adminSvc = messaging.NewTelegramService(bot, telegramPollTimeout)
		channelOpts = append(channelOpts, admin.WithTransport(adminSvc))
	} else {
		slog.Warn("TELEGRAM_BOT_TOKEN not set; admin commands and notifications are disabled")
	}
	channel := admin.NewChannel(manager, adapter, channelOpts...)
	adapter.SetAdminNotifier(channel)

	apiOpts := []api.Option{api.WithHealthCheck("store", pingCheck(db))}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
	}
	server := api.NewServer(manager, apiOpts...)

	sched := scheduler.NewScheduler(ctx)
	if err := sched.AddJob("expiry-sweep", cfg.SweepSchedule, func(ctx context.Context) error {
		_, err := adapter.SweepExpired(ctx)
		return err
	}); err != nil {
		return err
	}
	if cfg.SessionIdleTTL > 0 {
		if err := sched.AddJob("session-eviction", evictionSchedule, func(ctx context.Context) error {
			_, err := adapter.EvictIdle(ctx, cfg.SessionIdleTTL)
			return err
		}); err != nil {
			return err
		}
	}
	cleanup.add("scheduler", func() error { sched.Stop(); return nil })

	sender := store.NewOutboxSender(db, adapter.SendOutbox, outboxPollInterval)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("failed to recover stale outbox messages", "error", err)
	}

	// Start consumers before transports so no inbound message waits on a full channel.
	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	goRun(adapter.Run)
	goRun(channel.Run)
	goRun(sender.Run)
	cleanup.add("workers", func() error { wg.Wait(); return nil })
	cleanup.add("cancel", func() error { cancel(); return nil })

	if err := customers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start customer transport: %w", err)
	}
	cleanup.add("customer transport", customers.Stop)
	if adminSvc != nil {
		if err := adminSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start admin transport: %w", err)
		}
		cleanup.add("admin transport", adminSvc.Stop)
	}

	serverErr := server.Start(cfg.APIAddr)
	cleanup.add("api", func() error { return server.Shutdown(context.Background()) })

	slog.Info("CourtPipe running", "api_addr", cfg.APIAddr, "customer_transport", cfg.CustomerTransport)
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		return nil
	case err := <-serverErr:
		return err
	}
}

func openCatalog(path string) (catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("catalog loaded", "path", path)
	return cat, nil
}

func openBackend(dsn string) (backend, error) {
	if dsn == MemoryDSN {
		slog.Warn("using in-memory store; reservations are lost on restart")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// openPublisher always logs events and adds the configured brokers. A broker that cannot
// be reached at startup is skipped.
func openPublisher(cfg Config) events.Publisher {
	pubs := events.Multi{events.LogPublisher{}}
	if cfg.NATSURL != "" {
		if p, err := events.NewNATSPublisher(cfg.NATSURL); err != nil {
			slog.Error("NATS publisher disabled", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	if cfg.AMQPURL != "" {
		if p, err := events.NewAMQPPublisher(cfg.AMQPURL, ""); err != nil {
			slog.Error("AMQP publisher disabled", "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

// openCustomerTransport returns the customer transport and, for Twilio, the service
// whose webhook the API server must mount.
func openCustomerTransport(ctx context.Context, cfg Config) (messaging.Service, *messaging.TwilioService, error) {
	switch cfg.CustomerTransport {
	case TransportWhatsApp:
		opts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN)}
		if cfg.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cfg.TwilioAuthToken, cfg.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc, nil
	case TransportNone:
		slog.Warn("customer transport disabled; outbound messages are only recorded in memory")
		return messaging.NewMockService(), nil, nil
	}
	return nil, nil, errors.New("unknown customer transport " + cfg.CustomerTransport)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func pingCheck(db backend) api.HealthCheck {
	p, ok := db.(pinger)
	if !ok {
		return func(context.Context) error { return nil }
	}
	return p.Ping
}
