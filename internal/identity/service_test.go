package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/digest"
	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/enclave"
	"github.com/R3E-Network/key_custodian/internal/enclave/seal"
	custerrors "github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/ratelimit"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/internal/storage/memory"
	"github.com/R3E-Network/key_custodian/internal/token"
)

const testUser = "user-1"

var ticketSecret = []byte("test-ticket-secret")

// testEnclave drives a real enclave service through the Enclave interface,
// counting imports and allowing per-method fault injection.
type testEnclave struct {
	svc *enclave.Service

	mu          sync.Mutex
	importCalls int
	exportErr   error
}

func (e *testEnclave) Generate(ctx context.Context, identityID, _ string) (string, error) {
	return e.svc.Generate(ctx, identityID)
}

func (e *testEnclave) Sign(ctx context.Context, identityID, digestHex, ticket string) (domain.SignatureResponse, error) {
	res, err := e.svc.Sign(ctx, identityID, digestHex, ticket)
	if err != nil {
		return domain.SignatureResponse{}, err
	}
	return domain.SignatureResponse{Signature: res.Signature, R: res.R, S: res.S, V: res.V}, nil
}

func (e *testEnclave) Destroy(ctx context.Context, identityID string) error {
	return e.svc.Destroy(ctx, identityID)
}

func (e *testEnclave) Export(ctx context.Context, identityID string) (string, string, error) {
	e.mu.Lock()
	failErr := e.exportErr
	e.mu.Unlock()
	if failErr != nil {
		return "", "", failErr
	}
	return e.svc.Export(ctx, identityID)
}

func (e *testEnclave) Import(ctx context.Context, identityID, alg, sealedKey string) error {
	e.mu.Lock()
	e.importCalls++
	e.mu.Unlock()
	return e.svc.Import(ctx, identityID, alg, sealedKey)
}

func (e *testEnclave) imports() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.importCalls
}

type identityHarness struct {
	svc     *Service
	store   *memory.Store
	enclave *testEnclave
	signer  *token.TicketSigner
	now     time.Time
}

func newIdentityHarness(t *testing.T) *identityHarness {
	t.Helper()

	h := &identityHarness{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }

	h.store = memory.New(storage.Clock(clock))
	h.signer = token.NewTicketSigner(token.Config{Secret: ticketSecret, Now: clock})

	sealer, err := seal.NewAESSealer([]byte("test-sealing-secret"))
	require.NoError(t, err)
	h.enclave = &testEnclave{svc: enclave.NewService(enclave.Config{
		Tickets: token.NewTicketSigner(token.Config{Secret: ticketSecret, Now: clock}),
		Sealer:  sealer,
		Now:     clock,
	})}

	h.svc = h.serviceWithLimits(RateLimits{PerUser: 30, PerIdentitySign: 60, Window: time.Minute})
	return h
}

// serviceWithLimits builds a service over the harness state with its own
// limiter, so budget tests do not disturb the shared one.
func (h *identityHarness) serviceWithLimits(limits RateLimits) *Service {
	clock := func() time.Time { return h.now }
	return NewService(Config{
		Identities: h.store,
		Tickets:    h.store,
		Backups:    h.store,
		Recorder:   audit.NewRecorder(h.store, nil),
		Enclave:    h.enclave,
		Signer:     h.signer,
		Limiter:    ratelimit.New(clock),
		Now:        clock,
		TicketTTL:  90 * time.Second,
		Limits:     limits,
	})
}

func (h *identityHarness) mustCreate(t *testing.T) domain.Identity {
	t.Helper()
	ident, err := h.svc.Create(context.Background(), testUser)
	require.NoError(t, err)
	return ident
}

func testDigest(fill byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill
	}
	return hex.EncodeToString(b)
}

func auditActions(t *testing.T, store *memory.Store, userID string) []domain.AuditAction {
	t.Helper()
	events, err := store.ListAuditByUser(context.Background(), userID, 50, 0)
	require.NoError(t, err)
	actions := make([]domain.AuditAction, 0, len(events))
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	return actions
}

func TestCreateProvisionsKeyBackupAndRow(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()

	ident := h.mustCreate(t)
	assert.Equal(t, testUser, ident.UserID)
	assert.Equal(t, domain.AlgSecp256k1, ident.Alg)
	assert.Equal(t, domain.IdentityStatusActive, ident.Status)
	assert.Len(t, ident.PublicKey, 66)

	stored, err := h.store.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, ident.PublicKey, stored.PublicKey)

	backup, err := h.store.GetBackup(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgSecp256k1, backup.Alg)
	assert.NotEmpty(t, backup.SealedKey)

	assert.Equal(t, 1, h.enclave.svc.KeyCount())
	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentityCreate)
}

type failingBackupStore struct {
	storage.BackupStore
	putErr error
}

func (f failingBackupStore) PutBackup(ctx context.Context, b domain.KeyBackup) (domain.KeyBackup, error) {
	if f.putErr != nil {
		return domain.KeyBackup{}, f.putErr
	}
	return f.BackupStore.PutBackup(ctx, b)
}

func TestCreateUnwindsWhenBackupWriteFails(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	clock := func() time.Time { return h.now }

	svc := NewService(Config{
		Identities: h.store,
		Tickets:    h.store,
		Backups:    failingBackupStore{BackupStore: h.store, putErr: fmt.Errorf("disk full")},
		Recorder:   audit.NewRecorder(h.store, nil),
		Enclave:    h.enclave,
		Signer:     h.signer,
		Limiter:    ratelimit.New(clock),
		Now:        clock,
		TicketTTL:  90 * time.Second,
		Limits:     RateLimits{PerUser: 30, PerIdentitySign: 60, Window: time.Minute},
	})

	_, err := svc.Create(ctx, testUser)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindInternal, custerrors.KindOf(err))

	// The generated key must not outlive the failed create.
	assert.Equal(t, 0, h.enclave.svc.KeyCount())

	idents, err := h.store.ListIdentitiesByUser(ctx, testUser)
	require.NoError(t, err)
	assert.Empty(t, idents)

	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentityCreateFailed)
}

func TestCreateUnwindsWhenExportFails(t *testing.T) {
	h := newIdentityHarness(t)
	h.enclave.exportErr = fmt.Errorf("kms unavailable")

	_, err := h.svc.Create(context.Background(), testUser)
	require.Error(t, err)
	assert.Equal(t, 0, h.enclave.svc.KeyCount())
	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentityCreateFailed)
}

func TestCreateRateLimited(t *testing.T) {
	h := newIdentityHarness(t)
	svc := h.serviceWithLimits(RateLimits{PerUser: 1, PerIdentitySign: 60, Window: time.Minute})
	ctx := context.Background()

	_, err := svc.Create(ctx, testUser)
	require.NoError(t, err)

	_, err = svc.Create(ctx, testUser)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindRateLimited, custerrors.KindOf(err))

	// The window slides; after it passes the budget is back.
	h.now = h.now.Add(61 * time.Second)
	_, err = svc.Create(ctx, testUser)
	require.NoError(t, err)
}

func TestGetAndListEnforceOwnership(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	got, err := h.svc.Get(ctx, testUser, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)

	_, err = h.svc.Get(ctx, "user-2", ident.ID)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindForbidden, custerrors.KindOf(err))

	_, err = h.svc.Get(ctx, testUser, "missing")
	require.Error(t, err)
	assert.Equal(t, custerrors.KindNotFound, custerrors.KindOf(err))

	mine, err := h.svc.List(ctx, testUser)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := h.svc.List(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestSignIntentMintsVerifiableTicket(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x11)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	_, digestBytes, err := digest.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, digest.Hash(digestBytes), intent.DigestHash)
	assert.Equal(t, h.now.Add(90*time.Second), intent.ExpiresAt)
	assert.NotEmpty(t, intent.Nonce)

	row, err := h.store.GetTicket(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, row.IdentityID)
	assert.Equal(t, domain.SigTypeSchnorr, row.SigType)
	assert.Nil(t, row.UsedAt)

	claims, err := h.signer.Verify(intent.Ticket)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, claims.ID)
	assert.Equal(t, testUser, claims.Subject)
	assert.Equal(t, intent.Nonce, claims.Nonce)
	assert.Equal(t, domain.ScopeSign, claims.Scope)
	assert.Equal(t, string(domain.SigTypeSchnorr), claims.SigType)
}

func TestSignIntentRejections(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x22)

	cases := []struct {
		name    string
		user    string
		id      string
		digest  string
		scope   string
		sigType domain.SigType
		kind    custerrors.Kind
	}{
		{"bad scope", testUser, ident.ID, raw, "admin", "", custerrors.KindValidation},
		{"bad sig type", testUser, ident.ID, raw, "", "ed25519", custerrors.KindValidation},
		{"short digest", testUser, ident.ID, "abcd", "", "", custerrors.KindValidation},
		{"foreign identity", "user-2", ident.ID, raw, "", "", custerrors.KindForbidden},
		{"unknown identity", testUser, "missing", raw, "", "", custerrors.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SignIntent(ctx, tc.user, tc.id, tc.digest, tc.scope, tc.sigType)
			require.Error(t, err)
			assert.Equal(t, tc.kind, custerrors.KindOf(err))
		})
	}
}

func TestSignIntentAfterDestroyConflicts(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	require.NoError(t, h.svc.Destroy(ctx, testUser, ident.ID))

	_, err := h.svc.SignIntent(ctx, testUser, ident.ID, testDigest(0x33), "", "")
	require.Error(t, err)
	assert.Equal(t, custerrors.KindConflict, custerrors.KindOf(err))
}

func TestSignSchnorrHappyPath(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x44)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	sig, err := h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.NoError(t, err)
	assert.Len(t, sig.Signature, 128)
	assert.Empty(t, sig.R)
	assert.Nil(t, sig.V)

	row, err := h.store.GetTicket(ctx, intent.ID)
	require.NoError(t, err)
	assert.NotNil(t, row.UsedAt)

	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentitySign)
}

func TestSignECDSAIncludesRecovery(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x55)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", domain.SigTypeECDSA)
	require.NoError(t, err)

	sig, err := h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.NoError(t, err)
	assert.Len(t, sig.Signature, 130)
	assert.Len(t, sig.R, 64)
	assert.Len(t, sig.S, 64)
	require.NotNil(t, sig.V)
	assert.Contains(t, []int{0, 1}, *sig.V)
}

func TestSignAcceptsPrefixedUppercaseDigest(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0xab)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, "0x"+strings.ToUpper(raw), "", "")
	require.NoError(t, err)

	// The sign call may spell the same digest differently.
	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.NoError(t, err)
}

func TestSignUsedTicketConflicts(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x66)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.NoError(t, err)

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindConflict, custerrors.KindOf(err))
}

func TestSignCrossBindingsAreForbidden(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	identA := h.mustCreate(t)
	identB := h.mustCreate(t)
	raw := testDigest(0x77)

	intent, err := h.svc.SignIntent(ctx, testUser, identA.ID, raw, "", "")
	require.NoError(t, err)

	cases := []struct {
		name    string
		user    string
		id      string
		digest  string
		message string
	}{
		{"foreign session", "user-2", identA.ID, raw, "session"},
		{"other identity", testUser, identB.ID, raw, "identity"},
		{"other digest", testUser, identA.ID, testDigest(0x78), "digest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Sign(ctx, tc.user, tc.id, tc.digest, intent.Ticket)
			require.Error(t, err)
			assert.Equal(t, custerrors.KindForbidden, custerrors.KindOf(err))
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestSignTicketWithoutRowIsNotFound(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x88)

	_, digestBytes, err := digest.Decode(raw)
	require.NoError(t, err)

	// A well-formed token whose jti was never persisted.
	tok, err := h.signer.Mint(token.TicketParams{
		TicketID:   uuid.NewString(),
		UserID:     testUser,
		IdentityID: ident.ID,
		DigestHash: digest.Hash(digestBytes),
		SigType:    domain.SigTypeSchnorr,
		Nonce:      uuid.NewString(),
		ExpiresAt:  h.now.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, tok)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindNotFound, custerrors.KindOf(err))
}

func TestSignTicketExpiryBoundaryIsGone(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x99)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	// Exactly at expires_at the row decides: gone, not invalid-token.
	h.now = intent.ExpiresAt

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindGone, custerrors.KindOf(err))
}

func TestSignLongExpiredTicketIsUnauthenticated(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0x9a)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	h.now = intent.ExpiresAt.Add(time.Minute)

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindUnauthenticated, custerrors.KindOf(err))
}

func TestSignRestoresKeyTransparently(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0xaa)

	// Simulate an enclave restart wiping the in-memory key.
	require.NoError(t, h.enclave.svc.Destroy(ctx, ident.ID))
	require.Equal(t, 0, h.enclave.svc.KeyCount())

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	sig, err := h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.NoError(t, err)
	assert.Len(t, sig.Signature, 128)
	assert.Equal(t, 1, h.enclave.imports())
	assert.Equal(t, 1, h.enclave.svc.KeyCount())
}

func TestSignWithoutKeyOrBackupConflicts(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)
	raw := testDigest(0xbb)

	intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	require.NoError(t, h.enclave.svc.Destroy(ctx, ident.ID))
	require.NoError(t, h.store.DeleteBackup(ctx, ident.ID))

	_, err = h.svc.Sign(ctx, testUser, ident.ID, raw, intent.Ticket)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindConflict, custerrors.KindOf(err))
	assert.Contains(t, err.Error(), "no backup")
}

func TestSignRateLimited(t *testing.T) {
	h := newIdentityHarness(t)
	svc := h.serviceWithLimits(RateLimits{PerUser: 30, PerIdentitySign: 1, Window: time.Minute})
	ctx := context.Background()

	ident, err := svc.Create(ctx, testUser)
	require.NoError(t, err)
	raw := testDigest(0xcc)

	intentA, err := svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)
	intentB, err := svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
	require.NoError(t, err)

	_, err = svc.Sign(ctx, testUser, ident.ID, raw, intentA.Ticket)
	require.NoError(t, err)

	_, err = svc.Sign(ctx, testUser, ident.ID, raw, intentB.Ticket)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindRateLimited, custerrors.KindOf(err))
}

func TestSignBatchReturnsOrderedSignatures(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	digests := []string{testDigest(0x01), testDigest(0x02), testDigest(0x03)}
	sigs, err := h.svc.SignBatch(ctx, testUser, ident.ID, digests, "")
	require.NoError(t, err)
	require.Len(t, sigs, 3)

	seen := make(map[string]bool)
	for _, sig := range sigs {
		assert.Len(t, sig.Signature, 128)
		assert.False(t, seen[sig.Signature], "distinct digests must yield distinct signatures")
		seen[sig.Signature] = true
	}

	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentitySignBatch)
}

func TestSignBatchECDSA(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	sigs, err := h.svc.SignBatch(ctx, testUser, ident.ID, []string{testDigest(0x0a)}, domain.SigTypeECDSA)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.NotNil(t, sigs[0].V)
}

func TestSignBatchStopsAtFirstFailure(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	digests := []string{testDigest(0x01), "not-hex", testDigest(0x03)}
	sigs, err := h.svc.SignBatch(ctx, testUser, ident.ID, digests, "")
	require.Error(t, err)
	assert.Nil(t, sigs)
	assert.Equal(t, custerrors.KindValidation, custerrors.KindOf(err))

	se := custerrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, 1, se.Details["index"])
}

func TestSignBatchSizeBounds(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	_, err := h.svc.SignBatch(ctx, testUser, ident.ID, nil, "")
	assert.Equal(t, custerrors.KindValidation, custerrors.KindOf(err))

	big := make([]string, MaxBatchDigests+1)
	for i := range big {
		big[i] = testDigest(byte(i))
	}
	_, err = h.svc.SignBatch(ctx, testUser, ident.ID, big, "")
	assert.Equal(t, custerrors.KindValidation, custerrors.KindOf(err))
}

func TestDestroyWipesKeyRowAndBackup(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	require.NoError(t, h.svc.Destroy(ctx, testUser, ident.ID))

	stored, err := h.store.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IdentityStatusDestroyed, stored.Status)

	_, err = h.store.GetBackup(ctx, ident.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Equal(t, 0, h.enclave.svc.KeyCount())
	assert.Contains(t, auditActions(t, h.store, testUser), domain.AuditIdentityDestroy)
}

func TestDestroyIsFinal(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	require.NoError(t, h.svc.Destroy(ctx, testUser, ident.ID))

	err := h.svc.Destroy(ctx, testUser, ident.ID)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindConflict, custerrors.KindOf(err))
}

func TestDestroyRestoresMissingKeyFirst(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	// The enclave lost the key; destroy must still wipe the restored copy.
	require.NoError(t, h.enclave.svc.Destroy(ctx, ident.ID))

	require.NoError(t, h.svc.Destroy(ctx, testUser, ident.ID))
	assert.Equal(t, 1, h.enclave.imports())
	assert.Equal(t, 0, h.enclave.svc.KeyCount())

	_, err := h.store.GetBackup(ctx, ident.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDestroyOwnership(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	err := h.svc.Destroy(ctx, "user-2", ident.ID)
	require.Error(t, err)
	assert.Equal(t, custerrors.KindForbidden, custerrors.KindOf(err))

	err = h.svc.Destroy(ctx, testUser, "missing")
	require.Error(t, err)
	assert.Equal(t, custerrors.KindNotFound, custerrors.KindOf(err))
}

func TestConcurrentRestoresCollapse(t *testing.T) {
	h := newIdentityHarness(t)
	ctx := context.Background()
	ident := h.mustCreate(t)

	require.NoError(t, h.enclave.svc.Destroy(ctx, ident.ID))

	raws := []string{testDigest(0xd1), testDigest(0xd2), testDigest(0xd3), testDigest(0xd4)}
	intents := make([]Intent, len(raws))
	for i, raw := range raws {
		intent, err := h.svc.SignIntent(ctx, testUser, ident.ID, raw, "", "")
		require.NoError(t, err)
		intents[i] = intent
	}

	var wg sync.WaitGroup
	errs := make([]error, len(raws))
	for i := range raws {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Sign(ctx, testUser, ident.ID, raws[i], intents[i].Ticket)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "sign %d", i)
	}
	// Late arrivals may re-import the identical sealed key; every sign
	// still succeeds and the key ends up present exactly once.
	assert.Equal(t, 1, h.enclave.svc.KeyCount())
	assert.GreaterOrEqual(t, h.enclave.imports(), 1)
}
