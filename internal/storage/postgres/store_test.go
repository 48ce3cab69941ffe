package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return New(db, func() time.Time { return fixed }), mock
}

func TestGetOrCreateUserInsertsWhenMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, external_id, status, created_at").
		WithArgs("tg-1001").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custodian_users").
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, created, err := store.GetOrCreateUserByExternalID(context.Background(), "tg-1001")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "tg-1001", user.ExternalID)
	assert.Equal(t, domain.UserStatusActive, user.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateUserSurvivesInsertRace(t *testing.T) {
	store, mock := newMockStore(t)

	winner := time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, external_id, status, created_at").
		WithArgs("tg-1002").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO custodian_users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, external_id, status, created_at").
		WithArgs("tg-1002").
		WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "status", "created_at"}).
			AddRow("u-race", "tg-1002", "active", winner))

	user, created, err := store.GetOrCreateUserByExternalID(context.Background(), "tg-1002")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u-race", user.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentityReportsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO custodian_identities").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.CreateIdentity(context.Background(), domain.Identity{
		ID:     "id-1",
		UserID: "u-1",
		Alg:    domain.AlgSecp256k1,
		Status: domain.IdentityStatusActive,
	})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTicketUsedDiagnosesZeroRows(t *testing.T) {
	t.Run("already used is a no-op", func(t *testing.T) {
		store, mock := newMockStore(t)
		usedAt := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

		mock.ExpectExec("UPDATE custodian_tickets").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, identity_id, digest_hash").
			WithArgs("tk-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "identity_id", "digest_hash", "scope", "sig_type", "nonce", "expires_at", "used_at", "created_at",
			}).AddRow("tk-1", "id-1", "dh", "sign", "schnorr", "n", usedAt.Add(time.Hour), usedAt, usedAt.Add(-time.Minute)))

		assert.NoError(t, store.MarkTicketUsed(context.Background(), "tk-1"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE custodian_tickets").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, identity_id, digest_hash").
			WithArgs("tk-nope").
			WillReturnError(sql.ErrNoRows)

		err := store.MarkTicketUsed(context.Background(), "tk-nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveChallengeGuardedUpdate(t *testing.T) {
	t.Run("first writer wins", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE custodian_challenges").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.ResolveChallenge(context.Background(), "ch-1", "tg-1"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved", func(t *testing.T) {
		store, mock := newMockStore(t)
		created := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)

		mock.ExpectExec("UPDATE custodian_challenges").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, external_id, created_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "created_at", "expires_at", "consumed_at"}).
				AddRow("ch-1", "tg-other", created, created.Add(10*time.Minute), nil))

		err := store.ResolveChallenge(context.Background(), "ch-1", "tg-1")
		assert.ErrorIs(t, err, storage.ErrChallengeResolved)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already consumed", func(t *testing.T) {
		store, mock := newMockStore(t)
		created := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)
		consumed := created.Add(time.Minute)

		mock.ExpectExec("UPDATE custodian_challenges").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, external_id, created_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "external_id", "created_at", "expires_at", "consumed_at"}).
				AddRow("ch-1", "tg-other", created, created.Add(10*time.Minute), consumed))

		err := store.ResolveChallenge(context.Background(), "ch-1", "tg-1")
		assert.ErrorIs(t, err, storage.ErrChallengeConsumed)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired rows read as missing", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE custodian_challenges").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id, external_id, created_at").
			WillReturnError(sql.ErrNoRows)

		err := store.ResolveChallenge(context.Background(), "ch-old", "tg-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListAuditDecodesMetadata(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, user_id, identity_id, action, metadata, created_at").
		WithArgs("u-1", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "identity_id", "action", "metadata", "created_at"}).
			AddRow("ev-2", "u-1", "id-1", "identity.sign", []byte(`{"sig_type":"schnorr"}`), created.Add(time.Minute)).
			AddRow("ev-1", "u-1", nil, "user.create", []byte(`{}`), created))

	events, err := store.ListAuditByUser(context.Background(), "u-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AuditIdentitySign, events[0].Action)
	assert.Equal(t, "schnorr", events[0].Metadata["sig_type"])
	assert.Empty(t, events[1].IdentityID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreIntegration exercises the real schema end to end. It only
// runs when TEST_POSTGRES_DSN points at a disposable database.
func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())
	require.NoError(t, Migrate(db))

	store := New(db, nil)
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		external := "tg-" + uuid.NewString()

		first, created, err := store.GetOrCreateUserByExternalID(ctx, external)
		require.NoError(t, err)
		assert.True(t, created)

		second, created, err := store.GetOrCreateUserByExternalID(ctx, external)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		got, err := store.GetUser(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, external, got.ExternalID)
	})

	t.Run("tickets used once", func(t *testing.T) {
		user := mustUser(t, store, ctx)
		ident := mustIdentity(t, store, ctx, user.ID)

		ticket, err := store.CreateTicket(ctx, domain.Ticket{
			IdentityID: ident.ID,
			DigestHash: "abc",
			Scope:      domain.ScopeSign,
			SigType:    domain.SigTypeSchnorr,
			Nonce:      uuid.NewString(),
			ExpiresAt:  time.Now().UTC().Add(time.Minute),
		})
		require.NoError(t, err)

		require.NoError(t, store.MarkTicketUsed(ctx, ticket.ID))

		first, err := store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		require.NotNil(t, first.UsedAt)

		require.NoError(t, store.MarkTicketUsed(ctx, ticket.ID))
		second, err := store.GetTicket(ctx, ticket.ID)
		require.NoError(t, err)
		assert.True(t, second.UsedAt.Equal(*first.UsedAt), "used_at must not move on repeat marks")
	})

	t.Run("challenges", func(t *testing.T) {
		ch, err := store.CreateChallenge(ctx, domain.Challenge{
			ExpiresAt: time.Now().UTC().Add(time.Minute),
		})
		require.NoError(t, err)

		require.NoError(t, store.ResolveChallenge(ctx, ch.ID, "tg-winner"))
		assert.ErrorIs(t, store.ResolveChallenge(ctx, ch.ID, "tg-loser"), storage.ErrChallengeResolved)

		require.NoError(t, store.ConsumeChallenge(ctx, ch.ID))
		assert.ErrorIs(t, store.ConsumeChallenge(ctx, ch.ID), storage.ErrChallengeConsumed)
		assert.ErrorIs(t, store.ResolveChallenge(ctx, ch.ID, "tg-late"), storage.ErrChallengeConsumed)
	})

	t.Run("backups upsert", func(t *testing.T) {
		user := mustUser(t, store, ctx)
		ident := mustIdentity(t, store, ctx, user.ID)

		first, err := store.PutBackup(ctx, domain.KeyBackup{
			IdentityID: ident.ID,
			Alg:        domain.AlgSecp256k1,
			SealedKey:  "kms:first",
		})
		require.NoError(t, err)

		second, err := store.PutBackup(ctx, domain.KeyBackup{
			IdentityID: ident.ID,
			Alg:        domain.AlgSecp256k1,
			SealedKey:  "kms:second",
		})
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Equal(t, "kms:second", second.SealedKey)

		require.NoError(t, store.DeleteBackup(ctx, ident.ID))
		assert.ErrorIs(t, store.DeleteBackup(ctx, ident.ID), storage.ErrNotFound)
	})

	t.Run("audit newest first", func(t *testing.T) {
		user := mustUser(t, store, ctx)

		for _, action := range []domain.AuditAction{domain.AuditUserCreate, domain.AuditSessionCreate, domain.AuditIdentityCreate} {
			_, err := store.AppendAudit(ctx, domain.AuditEvent{
				UserID: user.ID,
				Action: action,
			})
			require.NoError(t, err)
		}

		events, err := store.ListAuditByUser(ctx, user.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, domain.AuditIdentityCreate, events[0].Action)
		assert.Equal(t, domain.AuditSessionCreate, events[1].Action)
	})
}

func mustUser(t *testing.T, store *Store, ctx context.Context) domain.User {
	t.Helper()
	user, _, err := store.GetOrCreateUserByExternalID(ctx, "tg-"+uuid.NewString())
	require.NoError(t, err)
	return user
}

func mustIdentity(t *testing.T, store *Store, ctx context.Context, userID string) domain.Identity {
	t.Helper()
	ident, err := store.CreateIdentity(ctx, domain.Identity{
		UserID:    userID,
		Alg:       domain.AlgSecp256k1,
		PublicKey: "02" + uuid.NewString(),
		Status:    domain.IdentityStatusActive,
	})
	require.NoError(t, err)
	return ident
}
