// Package janitor runs the gateway's periodic cleanup: expired challenges
// and tickets are dropped from the store, and the rate limiter's stale hit
// windows are compacted. Expiry is already enforced at read time everywhere,
// so the janitor only bounds storage growth; nothing breaks if a sweep is
// late or lost.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/internal/ratelimit"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// Config wires the janitor's dependencies.
type Config struct {
	Challenges storage.ChallengeStore
	Tickets    storage.TicketStore
	Limiter    *ratelimit.Limiter
	// Window is the rate-limit window; hits older than this are swept.
	Window time.Duration
	// Schedule is a cron spec such as "@every 1m".
	Schedule string
	Log      *logger.Logger
}

// Janitor owns the cron schedule and the sweep itself.
type Janitor struct {
	challenges storage.ChallengeStore
	tickets    storage.TicketStore
	limiter    *ratelimit.Limiter
	window     time.Duration
	schedule   string
	log        *logger.Logger
	cron       *cron.Cron
}

// New builds a janitor. Start must be called to begin sweeping.
func New(cfg Config) *Janitor {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("janitor")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Janitor{
		challenges: cfg.Challenges,
		tickets:    cfg.Tickets,
		limiter:    cfg.Limiter,
		window:     cfg.Window,
		schedule:   schedule,
		log:        log,
	}
}

// Start registers the sweep on the configured schedule and begins running
// it. An unparseable schedule is a configuration error, so it fails here
// rather than silently never firing.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	j.cron = c
	c.Start()
	j.log.WithField("schedule", j.schedule).Info("janitor started")
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.log.Info("janitor stopped")
}

// Sweep performs one cleanup pass and reports how many records of each kind
// were dropped. Store errors are logged and do not stop the remaining steps;
// the next tick retries everything anyway.
func (j *Janitor) Sweep(ctx context.Context) (challenges, tickets, buckets int) {

	if j.challenges != nil {
		n, err := j.challenges.PurgeExpiredChallenges(ctx)
		if err != nil {
			j.log.WithError(err).Warn("purge expired challenges")
		} else {
			challenges = n
		}
	}
	if j.tickets != nil {
		n, err := j.tickets.PurgeExpiredTickets(ctx)
		if err != nil {
			j.log.WithError(err).Warn("purge expired tickets")
		} else {
			tickets = n
		}
	}
	if j.limiter != nil && j.window > 0 {
		buckets = j.limiter.Sweep(j.window)
	}

	metrics.RecordJanitorPurged("challenge", challenges)
	metrics.RecordJanitorPurged("ticket", tickets)
	metrics.RecordJanitorPurged("rate_bucket", buckets)

	if challenges+tickets+buckets > 0 {
		j.log.WithFields(map[string]interface{}{
			"challenges":   challenges,
			"tickets":      tickets,
			"rate_buckets": buckets,
		}).Info("janitor sweep")
	}
	return challenges, tickets, buckets
}
