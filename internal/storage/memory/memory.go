// Package memory is the in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and single-node development setups.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/storage"
)

// Store holds every entity in process memory.
type Store struct {
	mu              sync.RWMutex
	now             func() time.Time
	users           map[string]domain.User
	usersByExternal map[string]string
	identities      map[string]domain.Identity
	tickets         map[string]domain.Ticket
	challenges      map[string]domain.Challenge
	backups         map[string]domain.KeyBackup
	audit           []domain.AuditEvent
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.IdentityStore = (*Store)(nil)
var _ storage.TicketStore = (*Store)(nil)
var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.BackupStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates an empty store. A nil clock falls back to time.Now.
func New(clock storage.Clock) *Store {
	return &Store{
		now:             clock.Resolve(),
		users:           make(map[string]domain.User),
		usersByExternal: make(map[string]string),
		identities:      make(map[string]domain.Identity),
		tickets:         make(map[string]domain.Ticket),
		challenges:      make(map[string]domain.Challenge),
		backups:         make(map[string]domain.KeyBackup),
	}
}

// Stores returns the bundle with every interface backed by this store.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{
		Users:      s,
		Identities: s,
		Tickets:    s,
		Challenges: s,
		Backups:    s,
		Audit:      s,
	}
}

// UserStore implementation ----------------------------------------------------

func (s *Store) GetOrCreateUserByExternalID(_ context.Context, externalID string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByExternal[externalID]; ok {
		return s.users[id], false, nil
	}

	user := domain.User{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Status:     domain.UserStatusActive,
		CreatedAt:  s.now().UTC(),
	}
	s.users[user.ID] = user
	s.usersByExternal[externalID] = user.ID
	return user, true, nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return user, nil
}

// IdentityStore implementation ------------------------------------------------

func (s *Store) CreateIdentity(_ context.Context, ident domain.Identity) (domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ident.ID == "" {
		ident.ID = uuid.NewString()
	} else if _, exists := s.identities[ident.ID]; exists {
		return domain.Identity{}, fmt.Errorf("identity %s: %w", ident.ID, storage.ErrDuplicate)
	}

	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now().UTC()
	}
	s.identities[ident.ID] = ident
	return ident, nil
}

func (s *Store) GetIdentity(_ context.Context, id string) (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[id]
	if !ok {
		return domain.Identity{}, fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return ident, nil
}

func (s *Store) ListIdentitiesByUser(_ context.Context, userID string) ([]domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Identity, 0)
	for _, ident := range s.identities {
		if ident.UserID == userID {
			result = append(result, ident)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) MarkIdentityDestroyed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	ident.Status = domain.IdentityStatusDestroyed
	s.identities[id] = ident
	return nil
}

// TicketStore implementation --------------------------------------------------

func (s *Store) CreateTicket(_ context.Context, t domain.Ticket) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if _, exists := s.tickets[t.ID]; exists {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", t.ID, storage.ErrDuplicate)
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	s.tickets[t.ID] = cloneTicket(t)
	return cloneTicket(t), nil
}

func (s *Store) GetTicket(_ context.Context, id string) (domain.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	return cloneTicket(t), nil
}

func (s *Store) MarkTicketUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return fmt.Errorf("ticket %s: %w", id, storage.ErrNotFound)
	}
	if t.UsedAt != nil {
		// Idempotent: the first instant stands.
		return nil
	}
	usedAt := s.now().UTC()
	t.UsedAt = &usedAt
	s.tickets[id] = t
	return nil
}

func (s *Store) PurgeExpiredTickets(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, t := range s.tickets {
		if !t.ExpiresAt.After(now) {
			delete(s.tickets, id)
			removed++
		}
	}
	return removed, nil
}

// ChallengeStore implementation -----------------------------------------------

func (s *Store) CreateChallenge(_ context.Context, ch domain.Challenge) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	} else if _, exists := s.challenges[ch.ID]; exists {
		return domain.Challenge{}, fmt.Errorf("challenge %s: %w", ch.ID, storage.ErrDuplicate)
	}

	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now().UTC()
	}
	s.challenges[ch.ID] = cloneChallenge(ch)
	return cloneChallenge(ch), nil
}

func (s *Store) GetChallenge(_ context.Context, id string) (domain.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.challenges[id]
	if !ok || !ch.ExpiresAt.After(s.now()) {
		return domain.Challenge{}, fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
	}
	return cloneChallenge(ch), nil
}

func (s *Store) ResolveChallenge(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[id]
	if !ok || !ch.ExpiresAt.After(s.now()) {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
	}
	if ch.ConsumedAt != nil {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeConsumed)
	}
	if ch.ExternalID != "" {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeResolved)
	}
	ch.ExternalID = externalID
	s.challenges[id] = ch
	return nil
}

func (s *Store) ConsumeChallenge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[id]
	if !ok || !ch.ExpiresAt.After(s.now()) {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
	}
	if ch.ConsumedAt != nil {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeConsumed)
	}
	consumedAt := s.now().UTC()
	ch.ConsumedAt = &consumedAt
	s.challenges[id] = ch
	return nil
}

func (s *Store) PurgeExpiredChallenges(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, ch := range s.challenges {
		if !ch.ExpiresAt.After(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	return removed, nil
}

// BackupStore implementation --------------------------------------------------

func (s *Store) PutBackup(_ context.Context, b domain.KeyBackup) (domain.KeyBackup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if existing, ok := s.backups[b.IdentityID]; ok {
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	s.backups[b.IdentityID] = b
	return b, nil
}

func (s *Store) GetBackup(_ context.Context, identityID string) (domain.KeyBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.backups[identityID]
	if !ok {
		return domain.KeyBackup{}, fmt.Errorf("backup %s: %w", identityID, storage.ErrNotFound)
	}
	return b, nil
}

func (s *Store) DeleteBackup(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.backups[identityID]; !ok {
		return fmt.Errorf("backup %s: %w", identityID, storage.ErrNotFound)
	}
	delete(s.backups, identityID)
	return nil
}

// AuditStore implementation ---------------------------------------------------

func (s *Store) AppendAudit(_ context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
	ev.Metadata = cloneMetadata(ev.Metadata)
	s.audit = append(s.audit, ev)
	return cloneAudit(ev), nil
}

func (s *Store) ListAuditByUser(_ context.Context, userID string, limit, offset int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.AuditEvent, 0)
	// Append order is chronological; walk backwards for newest-first.
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].UserID == userID {
			matched = append(matched, cloneAudit(s.audit[i]))
		}
	}

	if offset >= len(matched) {
		return []domain.AuditEvent{}, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Clone helpers ----------------------------------------------------------------

func cloneTicket(t domain.Ticket) domain.Ticket {
	if t.UsedAt != nil {
		usedAt := *t.UsedAt
		t.UsedAt = &usedAt
	}
	return t
}

func cloneChallenge(ch domain.Challenge) domain.Challenge {
	if ch.ConsumedAt != nil {
		consumedAt := *ch.ConsumedAt
		ch.ConsumedAt = &consumedAt
	}
	return ch
}

func cloneAudit(ev domain.AuditEvent) domain.AuditEvent {
	ev.Metadata = cloneMetadata(ev.Metadata)
	return ev
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
