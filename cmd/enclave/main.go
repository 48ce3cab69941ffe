// Package main runs the enclave service: the key-holding process that
// generates, signs with, and seals secp256k1 keys. It listens on an internal
// interface and trusts only callers presenting the shared API key.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/config"
	"github.com/R3E-Network/key_custodian/internal/enclave"
	"github.com/R3E-Network/key_custodian/internal/enclave/seal"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadEnclave()
	if err != nil {
		log.Fatalf("load enclave config: %v", err)
	}
	lg := logger.New(cfg.Logging).WithField("component", "enclave")

	ctx := context.Background()
	sealer, err := seal.NewStack(ctx, seal.Options{
		SealingKey: cfg.SealingKey,
		KMSKeyARN:  cfg.KMSKeyARN,
		AWSRegion:  cfg.AWSRegion,
	}, lg)
	if err != nil {
		lg.WithError(err).Fatal("initialize sealer")
	}

	var sink *audit.Sink
	if cfg.AuditLogPath != "" {
		sink, err = audit.NewFileSink(cfg.AuditLogPath, 0)
		if err != nil {
			lg.WithError(err).Fatal("open audit log")
		}
		sink.Start()
	}

	svc := enclave.NewService(enclave.Config{
		Tickets: token.NewTicketSigner(token.Config{Secret: []byte(cfg.TicketSigningSecret)}),
		Sealer:  sealer,
		Sink:    sink,
		Log:     lg,
	})

	srv := enclave.NewServer(enclave.ServerConfig{
		Addr:           cfg.Addr(),
		Service:        svc,
		InternalAPIKey: cfg.InternalAPIKey,
		RateLimitRPS:   cfg.RateLimitRPS,
		Log:            lg,
	})

	go func() {
		if err := srv.Start(); err != nil {
			lg.WithError(err).Fatal("enclave server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		lg.WithError(err).Error("enclave shutdown")
	}
	if err := sink.Stop(shutdownCtx); err != nil {
		lg.WithError(err).Error("audit sink shutdown")
	}
	lg.Info("enclave stopped")
}
