// Package storage defines the persistence contracts for the custodian API.
// Back-ends are interchangeable; the in-memory store serves tests and local
// development, postgres serves production, and the backup file store keeps
// sealed keys on disk.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/key_custodian/internal/domain"
)

var (
	// ErrNotFound marks a lookup that matched no live row. Expired
	// challenges are reported as absent on purpose.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks an insert that collided with an existing id.
	ErrDuplicate = errors.New("already exists")

	// ErrChallengeResolved marks a resolution attempt against a challenge
	// that already carries an external id.
	ErrChallengeResolved = errors.New("challenge already resolved")

	// ErrChallengeConsumed marks an operation against a challenge that a
	// verify call has already consumed.
	ErrChallengeConsumed = errors.New("challenge already consumed")
)

// UserStore persists user records.
type UserStore interface {
	// GetOrCreateUserByExternalID returns the user owning externalID,
	// creating it first if absent. The bool reports creation.
	GetOrCreateUserByExternalID(ctx context.Context, externalID string) (domain.User, bool, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// IdentityStore persists signing identities.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, ident domain.Identity) (domain.Identity, error)
	GetIdentity(ctx context.Context, id string) (domain.Identity, error)
	ListIdentitiesByUser(ctx context.Context, userID string) ([]domain.Identity, error)
	MarkIdentityDestroyed(ctx context.Context, id string) error
}

// TicketStore persists single-use sign tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, t domain.Ticket) (domain.Ticket, error)
	GetTicket(ctx context.Context, id string) (domain.Ticket, error)
	// MarkTicketUsed sets used_at exactly once. Later calls are no-ops that
	// leave the original instant in place; only a missing row is an error.
	MarkTicketUsed(ctx context.Context, id string) error
	// PurgeExpiredTickets drops tickets whose expires_at is not after now.
	PurgeExpiredTickets(ctx context.Context) (int, error)
}

// ChallengeStore persists auth challenges. Expired challenges are invisible
// to every operation except the purge.
type ChallengeStore interface {
	CreateChallenge(ctx context.Context, ch domain.Challenge) (domain.Challenge, error)
	GetChallenge(ctx context.Context, id string) (domain.Challenge, error)
	// ResolveChallenge binds externalID to the challenge. First writer
	// wins: a second resolution returns ErrChallengeResolved regardless
	// of the value, and a consumed challenge returns ErrChallengeConsumed.
	ResolveChallenge(ctx context.Context, id, externalID string) error
	// ConsumeChallenge marks the challenge spent by a verify call. Exactly
	// one consume succeeds; later calls return ErrChallengeConsumed.
	ConsumeChallenge(ctx context.Context, id string) error
	PurgeExpiredChallenges(ctx context.Context) (int, error)
}

// BackupStore persists sealed key backups.
type BackupStore interface {
	// PutBackup upserts by identity id, preserving created_at and
	// advancing updated_at on overwrite.
	PutBackup(ctx context.Context, b domain.KeyBackup) (domain.KeyBackup, error)
	GetBackup(ctx context.Context, identityID string) (domain.KeyBackup, error)
	DeleteBackup(ctx context.Context, identityID string) error
}

// AuditStore persists the append-only audit stream.
type AuditStore interface {
	AppendAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error)
	// ListAuditByUser returns events newest-first.
	ListAuditByUser(ctx context.Context, userID string, limit, offset int) ([]domain.AuditEvent, error)
}

// Stores bundles the per-entity interfaces an API service needs.
type Stores struct {
	Users      UserStore
	Identities IdentityStore
	Tickets    TicketStore
	Challenges ChallengeStore
	Backups    BackupStore
	Audit      AuditStore
}

// Clock is the time source stores consult for expiry and timestamps.
// A nil Clock means time.Now.
type Clock func() time.Time

// Resolve returns the clock or the wall clock.
func (c Clock) Resolve() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c
}
