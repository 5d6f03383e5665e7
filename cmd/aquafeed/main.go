// AquaFeed gateway.
//
// This is the main entry point. The gateway bridges authenticated HTTP and
// WebSocket clients to a fleet of aquarium controllers on an MQTT bus:
//   - Telemetry from <namespace>/<deviceId>/<category> is decoded and kept
//     as the latest reading per device and category
//   - Feed commands are published to <namespace>/<deviceId>/alimentar
//   - Logins and commands are written to a SQLite audit trail
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	_ "github.com/aquafeed/aquafeed-core/migrations"

	"github.com/aquafeed/aquafeed-core/internal/api"
	"github.com/aquafeed/aquafeed-core/internal/audit"
	"github.com/aquafeed/aquafeed-core/internal/auth"
	"github.com/aquafeed/aquafeed-core/internal/command"
	"github.com/aquafeed/aquafeed-core/internal/device"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/config"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/database"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/logging"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/metrics"
	"github.com/aquafeed/aquafeed-core/internal/infrastructure/mqtt"
	"github.com/aquafeed/aquafeed-core/internal/ingest"
	"github.com/aquafeed/aquafeed-core/internal/query"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:funlen // Linear startup wiring
	log := logging.Default()
	log.Info("starting AquaFeed gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Control database: users and audit trail
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	users := auth.NewUserRepository(db.DB)
	if _, seedErr := auth.SeedAdmin(ctx, users, cfg.Security.SeedAdmin.Username, cfg.Security.SeedAdmin.Password, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log.Component("audit"))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m, err = metrics.New(prometheus.NewRegistry())
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	// Transport
	mqttLog := log.Component("mqtt")
	mqttClient, err := mqtt.New(cfg.MQTT, mqtt.WithLogger(mqttLog))
	if err != nil {
		return fmt.Errorf("creating MQTT client: %w", err)
	}
	mqttClient.SetOnStateChange(func(s mqtt.ConnState) {
		m.ConnectionState(s)
		mqttLog.Debug("connection state changed", "state", s.String())
	})
	mqttClient.SetOnConnect(func() {
		mqttLog.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	})
	topics := mqttClient.Topics()

	// Ingestion: bus -> pipeline -> store, fanned out to WebSocket clients
	store := device.NewStore()
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	pipelineOpts := []ingest.Option{
		ingest.WithLogger(log.Component("ingest")),
		ingest.WithObserver(hub),
	}
	if m != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithMetrics(m))
	}
	pipeline := ingest.NewPipeline(ingest.Config{
		Workers:        cfg.Ingest.Workers,
		QueueSize:      cfg.Ingest.QueueSize,
		EnqueueTimeout: cfg.Ingest.EnqueueTimeout,
	}, ingest.NewDecoder(cfg.MQTT.Namespace), store, pipelineOpts...)

	for _, cat := range cfg.Ingest.Categories {
		filter := topics.CategoryFilter(cat)
		if subErr := mqttClient.Subscribe(filter, byte(cfg.MQTT.QoS), pipeline.Handle); subErr != nil {
			return fmt.Errorf("subscribing %s: %w", filter, subErr)
		}
		log.Info("telemetry subscription registered", "filter", filter, "qos", cfg.MQTT.QoS)
	}

	// Commands and queries
	dispatchOpts := []command.Option{
		command.WithRecorder(recorder),
		command.WithLogger(log.Component("command")),
	}
	if m != nil {
		dispatchOpts = append(dispatchOpts, command.WithMetrics(m))
	}
	dispatcher := command.NewDispatcher(mqttClient, topics, command.PolicyFromConfig(cfg.Commands), dispatchOpts...)
	queries := query.NewService(store, cfg.Query.FreshnessWindow)

	// HTTP surface
	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Metrics:    cfg.Metrics,
		Logger:     log.Component("api"),
		Query:      queries,
		Dispatcher: dispatcher,
		Auth:       auth.NewAuthenticator(users, cfg.Security.JWT.Secret, auth.TTLFromMinutes(cfg.Security.JWT.AccessTokenTTL)),
		Users:      users,
		Audit:      auditRepo,
		Recorder:   recorder,
		Broker:     mqttClient,
		Ingest:     pipeline,
		Hub:        hub,
		Version:    version,
	}
	if m != nil {
		deps.MetricsHandler = m.Handler()
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete",
		"namespace", cfg.MQTT.Namespace,
		"categories", cfg.Ingest.Categories,
		"delivery", cfg.Commands.Delivery,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mqttClient.Start(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	log.Info("AquaFeed gateway stopped", "devices", store.Len())
	return nil
}

// getConfigPath returns the configuration file path.
// Uses AQUAFEED_CONFIG environment variable if set, otherwise defaults.
func getConfigPath() string {
	if path := os.Getenv("AQUAFEED_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
