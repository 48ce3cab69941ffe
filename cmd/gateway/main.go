// Package main runs the custodian API gateway: the public HTTP surface that
// authenticates users, issues sign tickets, and proxies key operations to
// the enclave service.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/key_custodian/internal/api"
	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/auth"
	"github.com/R3E-Network/key_custodian/internal/config"
	"github.com/R3E-Network/key_custodian/internal/enclaveclient"
	"github.com/R3E-Network/key_custodian/internal/identity"
	"github.com/R3E-Network/key_custodian/internal/janitor"
	"github.com/R3E-Network/key_custodian/internal/ratelimit"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/internal/storage/backupfile"
	"github.com/R3E-Network/key_custodian/internal/storage/memory"
	"github.com/R3E-Network/key_custodian/internal/storage/postgres"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

func main() {
	// Missing .env is fine; production injects real environment variables.
	_ = godotenv.Load()

	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("load gateway config: %v", err)
	}
	lg := logger.New(cfg.Logging).WithField("component", "gateway")

	stores, cleanup, err := buildStores(cfg, lg)
	if err != nil {
		lg.WithError(err).Fatal("initialize storage")
	}
	defer cleanup()

	sessions := token.NewSessionSigner(token.Config{
		Secret: []byte(cfg.SessionSigningSecret),
		TTL:    cfg.SessionTTL(),
	})
	tickets := token.NewTicketSigner(token.Config{
		Secret: []byte(cfg.TicketSigningSecret),
	})

	recorder := audit.NewRecorder(stores.Audit, lg)
	limiter := ratelimit.New(nil)

	enclave := enclaveclient.New(enclaveclient.Config{
		BaseURL: cfg.EnclaveBaseURL,
		APIKey:  cfg.InternalAPIKey,
		Timeout: 15 * time.Second,
		Log:     lg,
	})

	authSvc := auth.NewService(auth.Config{
		Challenges:    stores.Challenges,
		Users:         stores.Users,
		Recorder:      recorder,
		Sessions:      sessions,
		Log:           lg,
		ChallengeTTL:  cfg.ChallengeTTL(),
		DeepLinkBase:  cfg.BotDeepLinkBase,
		BotConfigured: cfg.BotAPIKey != "",
	})

	identSvc := identity.NewService(identity.Config{
		Identities: stores.Identities,
		Tickets:    stores.Tickets,
		Backups:    stores.Backups,
		Recorder:   recorder,
		Enclave:    enclave,
		Signer:     tickets,
		Limiter:    limiter,
		Log:        lg,
		TicketTTL:  cfg.TicketTTL(),
		Limits: identity.RateLimits{
			PerUser:         cfg.RateLimitPerUser,
			PerIdentitySign: cfg.RateLimitPerIdentitySign,
			Window:          cfg.RateLimitWindow(),
		},
	})

	srv := api.NewServer(api.ServerConfig{
		Addr:           cfg.Addr(),
		Auth:           authSvc,
		Identities:     identSvc,
		Audit:          stores.Audit,
		Sessions:       sessions,
		BotAPIKey:      cfg.BotAPIKey,
		AllowedOrigins: splitCSV(cfg.CORSAllowedOrigins),
		Log:            lg,
	})

	jan := janitor.New(janitor.Config{
		Challenges: stores.Challenges,
		Tickets:    stores.Tickets,
		Limiter:    limiter,
		Window:     cfg.RateLimitWindow(),
		Schedule:   cfg.JanitorSchedule,
		Log:        lg,
	})
	if err := jan.Start(); err != nil {
		lg.WithError(err).Fatal("start janitor")
	}

	go func() {
		if err := srv.Start(); err != nil {
			lg.WithError(err).Fatal("gateway server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		lg.WithError(err).Error("gateway shutdown")
	}
	jan.Stop()
	lg.Info("gateway stopped")
}

// buildStores selects the storage backend. DATABASE_URL turns on postgres
// for everything; without it the in-memory store backs the API and sealed
// key backups go to a JSON file so they survive a restart.
func buildStores(cfg *config.GatewayConfig, lg *logger.Logger) (storage.Stores, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return storage.Stores{}, nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return storage.Stores{}, nil, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return storage.Stores{}, nil, err
		}
		store := postgres.New(db, nil)
		lg.Info("using postgres storage")
		return storage.Stores{
			Users:      store,
			Identities: store,
			Tickets:    store,
			Challenges: store,
			Backups:    store,
			Audit:      store,
		}, func() { db.Close() }, nil
	}

	mem := memory.New(nil)
	stores := storage.Stores{
		Users:      mem,
		Identities: mem,
		Tickets:    mem,
		Challenges: mem,
		Backups:    mem,
		Audit:      mem,
	}
	if cfg.BackupFilePath != "" {
		backups, err := backupfile.New(cfg.BackupFilePath, nil, lg)
		if err != nil {
			return storage.Stores{}, nil, err
		}
		stores.Backups = backups
	}
	lg.Warn("DATABASE_URL not set, using in-memory storage; users and identities will not survive a restart")
	return stores, func() {}, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
