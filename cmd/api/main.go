package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hemtjanst/api/internal/app"
	"hemtjanst/api/internal/authpw"
	"hemtjanst/api/internal/config"
	"hemtjanst/api/internal/content"
	"hemtjanst/api/internal/editmode"
	"hemtjanst/api/internal/email"
	"hemtjanst/api/internal/flags"
	"hemtjanst/api/internal/gitrepo"
	"hemtjanst/api/internal/logging"
	"hemtjanst/api/internal/realtime"
	"hemtjanst/api/internal/search"
	"hemtjanst/api/internal/session"
	"hemtjanst/api/internal/store"
)

func main() {
	cfg := config.Load()

	provider, err := logging.NewProvider(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	logger := provider.GetLogger("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
		log.Fatalf("failed to create history dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	cache := content.NewCache(dataStore, content.WithCacheLogger(provider.GetLogger("content")))
	if err := cache.Load(ctx); err != nil {
		logger.Warn("initial content load failed, serving empty content until the next refresh", "error", err)
	}

	schemas, err := content.LoadSchemaDir(cfg.SchemasDir)
	if err != nil {
		log.Fatalf("content schemas failed to load: %v", err)
	}

	history := gitrepo.New(cfg.HistoryDir)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, provider.GetLogger("search"))
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewLocal(cache), cfg.DefaultLocale(), provider.GetLogger("search"))
	searchService.ReindexAll(cache.Snapshot(""))

	pipeline := content.NewPipeline(dataStore,
		content.WithSchemas(schemas),
		content.WithLocales(cfg.SupportedLocales...),
		content.WithObservers(history, searchService),
		content.WithPipelineLogger(provider.GetLogger("publish")),
	)

	sessionOpts := []editmode.SessionsOption{editmode.WithSessionsLogger(provider.GetLogger("editmode"))}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		leases, err := session.NewLeaseStore(cfg.RedisURL, cfg.LockLeaseTTL)
		if err != nil {
			logger.Warn("redis unavailable, edit locks stay local to this process", "error", err)
		} else {
			defer leases.Close()
			sessionOpts = append(sessionOpts, editmode.WithLeaser(leases))
		}
	}
	sessions := editmode.NewSessions(cache, pipeline, sessionOpts...)

	bridge := realtime.NewBridge(provider.GetLogger("realtime"))
	bridge.Subscribe("content_blocks", realtime.AllEvents, func(realtime.Event) {
		cache.Invalidate()
	})
	hub := realtime.NewHub(cfg.CORSOrigin, provider.GetLogger("realtime"))
	hub.Attach(bridge)
	go hub.Run(ctx)

	listener := realtime.NewPGListener(cfg.DatabaseURL, bridge, realtime.WithListenerLogger(provider.GetLogger("realtime")))
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime listener stopped", "error", err)
		}
	}()

	flagService := flags.NewService(dataStore, flags.WithLogger(provider.GetLogger("flags")))
	go flags.NewWorker(flagService, cfg.FlagSchedulerInterval).Run(ctx)

	mailer := email.NewService(email.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		FromName:    cfg.SMTPFromName,
		OfficeEmail: cfg.OfficeEmail,
	})
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured, quote reminders and office notifications are disabled")
	}

	signIn := authpw.NewService(dataStore)
	if created, err := signIn.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, "Admin"); err != nil {
		logger.Warn("admin bootstrap failed", "error", err)
	} else if created {
		logger.Info("admin account created", "email", cfg.AdminEmail)
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Cache:    cache,
		Pipeline: pipeline,
		Sessions: sessions,
		Flags:    flagService,
		Search:   searchService,
		History:  history,
		Mailer:   mailer,
		SignIn:   signIn,
		Realtime: hub,
		Logger:   provider.GetLogger("app"),
	})
	go service.RunReminders(ctx, cfg.ReminderInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("hemtjanst API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.CloseAll(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	cache.Wait()
}
