// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/storage"
)

// Store implements the storage interfaces over a sql.DB handle.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.IdentityStore = (*Store)(nil)
var _ storage.TicketStore = (*Store)(nil)
var _ storage.ChallengeStore = (*Store)(nil)
var _ storage.BackupStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)

// New creates a Store using the provided database handle. A nil clock falls
// back to time.Now.
func New(db *sql.DB, clock storage.Clock) *Store {
	return &Store{db: db, now: clock.Resolve()}
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

// --- UserStore --------------------------------------------------------------

func (s *Store) GetOrCreateUserByExternalID(ctx context.Context, externalID string) (domain.User, bool, error) {
	user, err := s.getUserByExternalID(ctx, externalID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return domain.User{}, false, err
	}

	candidate := domain.User{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		Status:     domain.UserStatusActive,
		CreatedAt:  s.now().UTC(),
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO custodian_users (id, external_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO NOTHING
	`, candidate.ID, candidate.ExternalID, candidate.Status, candidate.CreatedAt)
	if err != nil {
		return domain.User{}, false, err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return candidate, true, nil
	}

	// Lost the insert race; the winner's row is now visible.
	user, err = s.getUserByExternalID(ctx, externalID)
	return user, false, err
}

func (s *Store) getUserByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, status, created_at
		FROM custodian_users
		WHERE external_id = $1
	`, externalID)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, status, created_at
		FROM custodian_users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (domain.User, error) {
	var user domain.User
	if err := row.Scan(&user.ID, &user.ExternalID, &user.Status, &user.CreatedAt); err != nil {
		return domain.User{}, mapNoRows(err)
	}
	return user, nil
}

// --- IdentityStore ----------------------------------------------------------

func (s *Store) CreateIdentity(ctx context.Context, ident domain.Identity) (domain.Identity, error) {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO custodian_identities (id, user_id, alg, public_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ident.ID, ident.UserID, ident.Alg, ident.PublicKey, ident.Status, ident.CreatedAt)
	if err != nil {
		return domain.Identity{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Identity{}, fmt.Errorf("identity %s: %w", ident.ID, storage.ErrDuplicate)
	}
	return ident, nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (domain.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, alg, public_key, status, created_at
		FROM custodian_identities
		WHERE id = $1
	`, id)

	var ident domain.Identity
	if err := row.Scan(&ident.ID, &ident.UserID, &ident.Alg, &ident.PublicKey, &ident.Status, &ident.CreatedAt); err != nil {
		return domain.Identity{}, mapNoRows(err)
	}
	return ident, nil
}

func (s *Store) ListIdentitiesByUser(ctx context.Context, userID string) ([]domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, alg, public_key, status, created_at
		FROM custodian_identities
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Identity, 0)
	for rows.Next() {
		var ident domain.Identity
		if err := rows.Scan(&ident.ID, &ident.UserID, &ident.Alg, &ident.PublicKey, &ident.Status, &ident.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, ident)
	}
	return result, rows.Err()
}

func (s *Store) MarkIdentityDestroyed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE custodian_identities
		SET status = $2
		WHERE id = $1
	`, id, domain.IdentityStatusDestroyed)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("identity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- TicketStore ------------------------------------------------------------

func (s *Store) CreateTicket(ctx context.Context, t domain.Ticket) (domain.Ticket, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO custodian_tickets (id, identity_id, digest_hash, scope, sig_type, nonce, expires_at, used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.IdentityID, t.DigestHash, t.Scope, t.SigType, t.Nonce, t.ExpiresAt, t.UsedAt, t.CreatedAt)
	if err != nil {
		return domain.Ticket{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", t.ID, storage.ErrDuplicate)
	}
	return t, nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, digest_hash, scope, sig_type, nonce, expires_at, used_at, created_at
		FROM custodian_tickets
		WHERE id = $1
	`, id)

	var (
		t      domain.Ticket
		usedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.IdentityID, &t.DigestHash, &t.Scope, &t.SigType, &t.Nonce, &t.ExpiresAt, &usedAt, &t.CreatedAt); err != nil {
		return domain.Ticket{}, mapNoRows(err)
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return t, nil
}

func (s *Store) MarkTicketUsed(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE custodian_tickets
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`, id, s.now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return nil
	}

	// Zero rows: either the ticket is gone or a previous call won. The
	// latter is a no-op; the first used_at stands.
	if _, err := s.GetTicket(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *Store) PurgeExpiredTickets(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM custodian_tickets WHERE expires_at <= $1
	`, s.now())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// --- ChallengeStore ---------------------------------------------------------

func (s *Store) CreateChallenge(ctx context.Context, ch domain.Challenge) (domain.Challenge, error) {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO custodian_challenges (id, external_id, created_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, ch.ID, ch.ExternalID, ch.CreatedAt, ch.ExpiresAt, ch.ConsumedAt)
	if err != nil {
		return domain.Challenge{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Challenge{}, fmt.Errorf("challenge %s: %w", ch.ID, storage.ErrDuplicate)
	}
	return ch, nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, created_at, expires_at, consumed_at
		FROM custodian_challenges
		WHERE id = $1 AND expires_at > $2
	`, id, s.now())
	return scanChallenge(row, id)
}

func scanChallenge(row *sql.Row, id string) (domain.Challenge, error) {
	var (
		ch         domain.Challenge
		consumedAt sql.NullTime
	)
	if err := row.Scan(&ch.ID, &ch.ExternalID, &ch.CreatedAt, &ch.ExpiresAt, &consumedAt); err != nil {
		return domain.Challenge{}, mapNoRows(err)
	}
	if consumedAt.Valid {
		ch.ConsumedAt = &consumedAt.Time
	}
	return ch, nil
}

func (s *Store) ResolveChallenge(ctx context.Context, id, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE custodian_challenges
		SET external_id = $2
		WHERE id = $1 AND external_id = '' AND consumed_at IS NULL AND expires_at > $3
	`, id, externalID, s.now())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return nil
	}
	return s.diagnoseChallenge(ctx, id)
}

func (s *Store) ConsumeChallenge(ctx context.Context, id string) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE custodian_challenges
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND expires_at > $3
	`, id, now, now)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return nil
	}

	ch, err := s.GetChallenge(ctx, id)
	if err != nil {
		return err
	}
	if ch.ConsumedAt != nil {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeConsumed)
	}
	return fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
}

// diagnoseChallenge explains why a guarded challenge update matched nothing.
func (s *Store) diagnoseChallenge(ctx context.Context, id string) error {
	ch, err := s.GetChallenge(ctx, id)
	if err != nil {
		return err
	}
	if ch.ConsumedAt != nil {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeConsumed)
	}
	if ch.ExternalID != "" {
		return fmt.Errorf("challenge %s: %w", id, storage.ErrChallengeResolved)
	}
	return fmt.Errorf("challenge %s: %w", id, storage.ErrNotFound)
}

func (s *Store) PurgeExpiredChallenges(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM custodian_challenges WHERE expires_at <= $1
	`, s.now())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// --- BackupStore ------------------------------------------------------------

func (s *Store) PutBackup(ctx context.Context, b domain.KeyBackup) (domain.KeyBackup, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO custodian_key_backups (identity_id, alg, sealed_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identity_id) DO UPDATE
		SET alg = EXCLUDED.alg, sealed_key = EXCLUDED.sealed_key, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`, b.IdentityID, b.Alg, b.SealedKey, now)

	if err := row.Scan(&b.CreatedAt, &b.UpdatedAt); err != nil {
		return domain.KeyBackup{}, err
	}
	return b, nil
}

func (s *Store) GetBackup(ctx context.Context, identityID string) (domain.KeyBackup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identity_id, alg, sealed_key, created_at, updated_at
		FROM custodian_key_backups
		WHERE identity_id = $1
	`, identityID)

	var b domain.KeyBackup
	if err := row.Scan(&b.IdentityID, &b.Alg, &b.SealedKey, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return domain.KeyBackup{}, mapNoRows(err)
	}
	return b, nil
}

func (s *Store) DeleteBackup(ctx context.Context, identityID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM custodian_key_backups WHERE identity_id = $1
	`, identityID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("backup %s: %w", identityID, storage.ErrNotFound)
	}
	return nil
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) AppendAudit(ctx context.Context, ev domain.AuditEvent) (domain.AuditEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}

	metadataJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return domain.AuditEvent{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO custodian_audit (id, user_id, identity_id, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.UserID, nullString(ev.IdentityID), ev.Action, metadataJSON, ev.CreatedAt)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	return ev, nil
}

func (s *Store) ListAuditByUser(ctx context.Context, userID string, limit, offset int) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, identity_id, action, metadata, created_at
		FROM custodian_audit
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var (
			ev          domain.AuditEvent
			identityID  sql.NullString
			metadataRaw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &identityID, &ev.Action, &metadataRaw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if identityID.Valid {
			ev.IdentityID = identityID.String
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &ev.Metadata)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// --- helpers ----------------------------------------------------------------

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
