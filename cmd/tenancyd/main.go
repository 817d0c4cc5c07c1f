package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	adapterhttp "github.com/angelitosystems/tenancy/internal/adapter/http"
	tenancynats "github.com/angelitosystems/tenancy/internal/adapter/nats"
	"github.com/angelitosystems/tenancy/internal/adapter/natskv"
	"github.com/angelitosystems/tenancy/internal/adapter/otel"
	"github.com/angelitosystems/tenancy/internal/adapter/postgres"
	"github.com/angelitosystems/tenancy/internal/adapter/ristretto"
	"github.com/angelitosystems/tenancy/internal/adapter/tiered"
	"github.com/angelitosystems/tenancy/internal/adapter/ws"
	"github.com/angelitosystems/tenancy/internal/config"
	"github.com/angelitosystems/tenancy/internal/connection"
	"github.com/angelitosystems/tenancy/internal/credentials"
	"github.com/angelitosystems/tenancy/internal/logger"
	"github.com/angelitosystems/tenancy/internal/middleware"
	"github.com/angelitosystems/tenancy/internal/port/cache"
	"github.com/angelitosystems/tenancy/internal/port/events"
	"github.com/angelitosystems/tenancy/internal/resilience"
	"github.com/angelitosystems/tenancy/internal/secrets"
	"github.com/angelitosystems/tenancy/internal/service"
	"github.com/angelitosystems/tenancy/internal/tenancy"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"strategy", cfg.Resolver.Strategy,
		"driver", cfg.Connections.Driver,
		"cache", cfg.Cache.Enabled,
	)

	ctx := context.Background()

	// Secrets can override the YAML/env encryption key.
	vault, err := secrets.NewVault(secrets.EnvLoader("TENANCY_ENCRYPTION_KEY"))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if key := vault.Get("TENANCY_ENCRYPTION_KEY"); key != "" {
		cfg.Credentials.EncryptionKey = key
	}

	// --- Infrastructure ---

	// Central (landlord) PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("central migrations applied")

	// NATS JetStream (optional: tenancy events keep working locally without it)
	var notifier *tenancynats.Notifier
	if cfg.NATS.URL != "" {
		notifier, err = tenancynats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			slog.Warn("nats unavailable, tenancy events disabled", "error", err)
		} else {
			defer func() { _ = notifier.Close() }()
		}
	}

	// --- Tenancy core ---

	dir := postgres.NewDirectory(pool)
	domains := tenancy.NewDomainResolver(cfg.Resolver)

	// Resolution cache: process-local ristretto, with a shared NATS KV
	// level in front of the directory when the broker is available.
	var resolverCache cache.Cache
	if cfg.Cache.Enabled {
		local, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer local.Close()
		resolverCache = local

		if notifier != nil {
			kv, err := notifier.KeyValue(ctx, "tenancy_resolution", cfg.Cache.TTL)
			if err != nil {
				slog.Warn("shared resolution cache unavailable", "error", err)
			} else {
				resolverCache = tiered.New(local, natskv.New(kv), cfg.Cache.TTL)
			}
		}
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	creds, err := credentials.NewStore(
		postgres.NewCredentialBackend(pool),
		cfg.Credentials, cfg.Connections,
		connection.PgxProber, breaker, log,
	)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	manager := connection.NewManager(cfg.Connections, creds, connection.PgxOpener, log)
	defer manager.CloseAll(ctx)

	resolver := tenancy.NewResolver(dir, domains, resolverCache, cfg.Resolver, cfg.Cache, log)

	hub := ws.NewHub(log)

	var eventSink events.Notifier = hub
	if notifier != nil {
		eventSink = fanout{notifier, hub}
	}

	tctx := tenancy.NewContext(manager, eventSink, log)

	// --- Tenant provisioning ---

	var prov service.Provisioner
	p, err := postgres.NewProvisioner(pool, cfg.Connections.Driver)
	switch {
	case err == nil:
		prov = p
	case errors.Is(err, connection.ErrUnsupportedDriver):
		slog.Warn("tenant database provisioning disabled", "driver", cfg.Connections.Driver)
	default:
		return fmt.Errorf("provisioner: %w", err)
	}

	tenants := service.NewTenantService(dir, manager, prov,
		postgres.RunTenantMigrations, resolver, eventSink, cfg.Connections, log)

	// --- Telemetry ---

	shutdownMetrics, err := otel.InitMetrics(ctx, cfg.Telemetry, cfg.Logging.Service, log)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	shutdownTracing, err := otel.InitTracing(ctx, cfg.Telemetry, cfg.Logging.Service, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
		_ = shutdownTracing(sctx)
	}()

	if cfg.Telemetry.OTLPEndpoint != "" {
		metrics, err := otel.NewMetrics(manager.ActiveConnectionCount)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		resolver.SetMetrics(metrics)
		manager.SetMetrics(metrics)
		tctx.SetMetrics(metrics)
	}

	// --- HTTP ---

	handlers := &adapterhttp.Handlers{
		Tenants:     tenants,
		Credentials: creds,
		Connections: manager,
	}

	r := chi.NewRouter()

	r.Use(adapterhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(adapterhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(adapterhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.InitializeTenancy(resolver, tctx, domains, log))

	r.Get("/health", healthHandler(cfg, pool.Ping, notifier))
	r.Get("/ws", hub.HandleWS)

	adapterhttp.MountRoutes(r, handlers)

	// Periodic pool snapshots for connected dashboards.
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go hub.MonitorPool(monitorCtx, manager, 5*time.Second)

	// Hourly expiry sweep keeps lapsed tenants from resolving.
	go sweepLoop(monitorCtx, tenants, log)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// fanout delivers tenancy events to NATS and the WebSocket hub.
type fanout struct {
	nats *tenancynats.Notifier
	hub  *ws.Hub
}

func (f fanout) TenantCreated(ctx context.Context, id string) {
	f.nats.TenantCreated(ctx, id)
	f.hub.TenantCreated(ctx, id)
}

func (f fanout) TenantSwitched(ctx context.Context, oldID, newID string) {
	f.nats.TenantSwitched(ctx, oldID, newID)
	f.hub.TenantSwitched(ctx, oldID, newID)
}

// sweepLoop deactivates expired tenants once an hour.
func sweepLoop(ctx context.Context, tenants *service.TenantService, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tenants.SweepExpired(ctx)
			if err != nil {
				log.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expiry sweep finished", "deactivated", n)
			}
		}
	}
}

// healthHandler reports liveness of the central database and event broker.
func healthHandler(cfg *config.Config, ping func(context.Context) error, notifier *tenancynats.Notifier) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
		Strategy string `json:"strategy"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:   "ok",
			Postgres: "ok",
			NATS:     "disabled",
			Strategy: cfg.Resolver.Strategy,
		}
		if err := ping(r.Context()); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
		}
		if notifier != nil {
			status.NATS = "ok"
			if !notifier.IsConnected() {
				status.Status = "degraded"
				status.NATS = "disconnected"
			}
		}

		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
