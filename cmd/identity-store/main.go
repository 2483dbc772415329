package main

import (
	"context"
	"log/slog"
	"os"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	evbus "github.com/vardius/message-bus"

	"github.com/h44z/identity-store/internal"
	"github.com/h44z/identity-store/internal/adapters"
	"github.com/h44z/identity-store/internal/app"
	"github.com/h44z/identity-store/internal/app/audit"
	"github.com/h44z/identity-store/internal/app/identity"
	"github.com/h44z/identity-store/internal/config"
)

// main entry point for the identity store
func main() {
	ctx := internal.SignalAwareContext(context.Background(), syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.GetConfig()
	internal.AssertNoError(err)
	internal.SetupLogging(cfg.Advanced.LogLevel, cfg.Advanced.LogPretty, cfg.Advanced.LogJson)

	shouldExit, err := app.HandleProgramArgs(cfg, os.Stdout, os.Args[1:])
	switch {
	case shouldExit && err == nil:
		return
	case shouldExit && err != nil:
		slog.Error("failed to process program args", "error", err)
		os.Exit(1)
	}

	slog.Info("starting identity store", "version", app.Version, "database", cfg.Database.Type)

	rawDb, err := adapters.NewDatabase(cfg.Database)
	internal.AssertNoError(err)

	database, err := adapters.NewSqlRepository(rawDb)
	internal.AssertNoError(err)

	queueSize := 100
	eventBus := evbus.New(queueSize)

	auditRecorder, err := audit.NewAuditRecorder(cfg, eventBus, database)
	internal.AssertNoError(err)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	adapters.RegisterInventoryGauges(registry, database)

	// the bootstrap runs on its own session, app.New clears it when done
	bootstrapSession := adapters.NewSession(rawDb,
		adapters.WithMetrics(adapters.NewStoreMetrics(registry)),
		adapters.WithBatchSize(cfg.Identity.QueryBatchSize),
		adapters.WithRequiredTransaction(cfg.Identity.RequireTransaction))

	identityManager, err := identity.NewManager(cfg.Identity, eventBus,
		adapters.NewAccountStore(bootstrapSession), adapters.NewRoleStore(bootstrapSession))
	internal.AssertNoError(err)

	backend, err := app.New(cfg, eventBus, bootstrapSession, identityManager, auditRecorder)
	internal.AssertNoError(err)
	internal.AssertNoError(backend.Startup(ctx))

	if cfg.Metrics.Enabled {
		go adapters.NewMetricsServer(cfg.Metrics.ListeningAddress, registry).Run(ctx)
	}

	slog.Info("identity store started")

	// wait until context gets cancelled
	<-ctx.Done()

	if sqlDb, err := rawDb.DB(); err == nil {
		internal.LogClose(sqlDb)
	}

	slog.Info("stopped identity store")
}
