// Package identity orchestrates the custodial key lifecycle: creation with
// a sealed backup, ticketed signing with transparent restore, and audited
// destruction. The enclave holds the only plaintext key; this package owns
// every durable row that describes it.
package identity

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/digest"
	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/internal/ratelimit"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// MaxBatchDigests caps one sign-batch request.
const MaxBatchDigests = 64

// Enclave is the slice of the enclave protocol the orchestrator drives.
// *enclaveclient.Client implements it.
type Enclave interface {
	Generate(ctx context.Context, identityID, alg string) (string, error)
	Sign(ctx context.Context, identityID, digest, ticket string) (domain.SignatureResponse, error)
	Destroy(ctx context.Context, identityID string) error
	Export(ctx context.Context, identityID string) (alg, sealedKey string, err error)
	Import(ctx context.Context, identityID, alg, sealedKey string) error
}

// RateLimits carries the admission budgets for the limiter keys.
type RateLimits struct {
	PerUser         int
	PerIdentitySign int
	Window          time.Duration
}

// Service implements identity creation, signing, and destruction.
type Service struct {
	identities storage.IdentityStore
	tickets    storage.TicketStore
	backups    storage.BackupStore
	recorder   *audit.Recorder
	enclave    Enclave
	signer     *token.TicketSigner
	limiter    *ratelimit.Limiter
	log        *logger.Logger
	now        func() time.Time

	ticketTTL time.Duration
	limits    RateLimits

	// restoreMu serializes backup imports per identity so concurrent
	// restores collapse into a single enclave import.
	restoreMu sync.Map // identity id -> *sync.Mutex
}

// Config wires the identity service.
type Config struct {
	Identities storage.IdentityStore
	Tickets    storage.TicketStore
	Backups    storage.BackupStore
	Recorder   *audit.Recorder
	Enclave    Enclave
	Signer     *token.TicketSigner
	Limiter    *ratelimit.Limiter
	Log        *logger.Logger
	Now        func() time.Time

	TicketTTL time.Duration
	Limits    RateLimits
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("identity")
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = 90 * time.Second
	}
	return &Service{
		identities: cfg.Identities,
		tickets:    cfg.Tickets,
		backups:    cfg.Backups,
		recorder:   cfg.Recorder,
		enclave:    cfg.Enclave,
		signer:     cfg.Signer,
		limiter:    cfg.Limiter,
		log:        cfg.Log,
		now:        cfg.Now,
		ticketTTL:  cfg.TicketTTL,
		limits:     cfg.Limits,
	}
}

// allow runs one admission check. The bucket names the key class for the
// rejection metric; raw keys carry ids and would blow up label cardinality.
func (s *Service) allow(key, bucket string, limit int) error {
	if s.limiter == nil || limit <= 0 {
		return nil
	}
	if !s.limiter.Allow(key, limit, s.limits.Window) {
		metrics.RecordRateLimited(bucket)
		return errors.RateLimited("rate limit exceeded for " + bucket)
	}
	return nil
}

// Create provisions a new secp256k1 identity. The sequence generate, export,
// put backup, create row, audit must complete as a whole; any later step
// failing triggers a best-effort unwind of the earlier ones so no dangling
// key or backup survives a failed create.
func (s *Service) Create(ctx context.Context, userID string) (domain.Identity, error) {
	if err := s.allow("user:"+userID+":identity_create", "identity_create", s.limits.PerUser); err != nil {
		return domain.Identity{}, err
	}

	identityID := uuid.NewString()
	log := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"identity_id": identityID,
		"user_id":     userID,
	})

	publicKey, err := s.enclave.Generate(ctx, identityID, domain.AlgSecp256k1)
	if err != nil {
		return domain.Identity{}, err
	}

	alg, sealedKey, err := s.enclave.Export(ctx, identityID)
	if err != nil {
		s.unwindCreate(ctx, userID, identityID, false, false, "export failed")
		return domain.Identity{}, err
	}

	if _, err := s.backups.PutBackup(ctx, domain.KeyBackup{
		IdentityID: identityID,
		Alg:        alg,
		SealedKey:  sealedKey,
	}); err != nil {
		s.unwindCreate(ctx, userID, identityID, false, false, "backup write failed")
		return domain.Identity{}, errors.Internal("persist key backup", err)
	}

	ident, err := s.identities.CreateIdentity(ctx, domain.Identity{
		ID:        identityID,
		UserID:    userID,
		Alg:       alg,
		PublicKey: publicKey,
		Status:    domain.IdentityStatusActive,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.unwindCreate(ctx, userID, identityID, true, false, "identity row failed")
		return domain.Identity{}, errors.Internal("persist identity", err)
	}

	if err := s.recorder.Record(ctx, domain.AuditEvent{
		UserID:     userID,
		IdentityID: identityID,
		Action:     domain.AuditIdentityCreate,
		Metadata:   map[string]interface{}{"alg": alg, "public_key": publicKey},
	}); err != nil {
		s.unwindCreate(ctx, userID, identityID, true, true, "audit append failed")
		return domain.Identity{}, err
	}

	log.Info("identity created")
	return ident, nil
}

// unwindCreate rolls back a partially-completed create. Every step is best
// effort; the original error already owns the response.
func (s *Service) unwindCreate(ctx context.Context, userID, identityID string, backupWritten, rowWritten bool, reason string) {
	log := s.log.WithContext(ctx).WithField("identity_id", identityID)

	if err := s.enclave.Destroy(ctx, identityID); err != nil {
		log.WithError(err).Warn("cleanup destroy failed, key may linger until enclave restart")
	}
	if backupWritten {
		if err := s.backups.DeleteBackup(ctx, identityID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("cleanup backup delete failed")
		}
	}
	if rowWritten {
		if err := s.identities.MarkIdentityDestroyed(ctx, identityID); err != nil {
			log.WithError(err).Warn("cleanup row mark failed")
		}
	}
	s.recorder.RecordBestEffort(ctx, domain.AuditEvent{
		UserID:     userID,
		IdentityID: identityID,
		Action:     domain.AuditIdentityCreateFailed,
		Metadata:   map[string]interface{}{"reason": reason},
	})
}

// Get returns one identity owned by the caller.
func (s *Service) Get(ctx context.Context, userID, identityID string) (domain.Identity, error) {
	return s.loadOwned(ctx, userID, identityID)
}

// List returns all identities of the caller, destroyed ones included.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Identity, error) {
	idents, err := s.identities.ListIdentitiesByUser(ctx, userID)
	if err != nil {
		return nil, errors.Internal("list identities", err)
	}
	return idents, nil
}

func (s *Service) loadOwned(ctx context.Context, userID, identityID string) (domain.Identity, error) {
	ident, err := s.identities.GetIdentity(ctx, identityID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.Identity{}, errors.NotFound("identity not found")
		}
		return domain.Identity{}, errors.Internal("load identity", err)
	}
	if ident.UserID != userID {
		return domain.Identity{}, errors.Forbidden("identity belongs to another user")
	}
	return ident, nil
}

// Intent is the sign-intent response: the ticket row's public fields plus
// the signed ticket token.
type Intent struct {
	ID         string    `json:"id"`
	DigestHash string    `json:"digest_hash"`
	Nonce      string    `json:"nonce"`
	ExpiresAt  time.Time `json:"expires_at"`
	Ticket     string    `json:"ticket"`
}

// SignIntent mints a single-use ticket binding one digest to one identity.
func (s *Service) SignIntent(ctx context.Context, userID, identityID, rawDigest, scope string, sigType domain.SigType) (Intent, error) {
	if err := s.allow("user:"+userID+":sign_intent", "sign_intent", s.limits.PerUser); err != nil {
		return Intent{}, err
	}

	if scope != "" && scope != domain.ScopeSign {
		return Intent{}, errors.InvalidFormat("scope", "only \"sign\" is accepted")
	}
	if sigType == "" {
		sigType = domain.SigTypeSchnorr
	}
	if !sigType.Valid() {
		return Intent{}, errors.InvalidFormat("sig_type", "must be \"schnorr\" or \"ecdsa\"")
	}

	_, digestBytes, err := digest.Decode(rawDigest)
	if err != nil {
		return Intent{}, errors.InvalidFormat("digest", err.Error())
	}
	digestHash := digest.Hash(digestBytes)

	ident, err := s.loadOwned(ctx, userID, identityID)
	if err != nil {
		return Intent{}, err
	}
	if ident.Status != domain.IdentityStatusActive {
		return Intent{}, errors.Conflict("identity is destroyed")
	}

	now := s.now().UTC()
	row, err := s.tickets.CreateTicket(ctx, domain.Ticket{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		DigestHash: digestHash,
		Scope:      domain.ScopeSign,
		SigType:    sigType,
		Nonce:      uuid.NewString(),
		ExpiresAt:  now.Add(s.ticketTTL),
		CreatedAt:  now,
	})
	if err != nil {
		return Intent{}, errors.Internal("persist ticket", err)
	}

	tok, err := s.signer.Mint(token.TicketParams{
		TicketID:   row.ID,
		UserID:     userID,
		IdentityID: identityID,
		DigestHash: digestHash,
		SigType:    sigType,
		Nonce:      row.Nonce,
		ExpiresAt:  row.ExpiresAt,
	})
	if err != nil {
		return Intent{}, err
	}

	metrics.RecordTicketIssued()
	return Intent{
		ID:         row.ID,
		DigestHash: digestHash,
		Nonce:      row.Nonce,
		ExpiresAt:  row.ExpiresAt,
		Ticket:     tok,
	}, nil
}

// Sign consumes a ticket and produces the signature. The checks run in a
// fixed order: digest normalization, token verification, claim binding, row
// state, then the enclave call. The enclave's nonce ledger is the
// authoritative at-most-once barrier; the row's used_at is the durable
// fallback that survives an enclave restart.
func (s *Service) Sign(ctx context.Context, userID, identityID, rawDigest, ticketToken string) (domain.SignatureResponse, error) {
	if err := s.allow("identity:"+identityID+":sign", "sign", s.limits.PerIdentitySign); err != nil {
		return domain.SignatureResponse{}, err
	}

	canonical, digestBytes, err := digest.Decode(rawDigest)
	if err != nil {
		return domain.SignatureResponse{}, errors.InvalidFormat("digest", err.Error())
	}
	digestHash := digest.Hash(digestBytes)

	claims, err := s.signer.Verify(ticketToken)
	if err != nil {
		return domain.SignatureResponse{}, err
	}

	switch {
	case claims.Subject != userID:
		return domain.SignatureResponse{}, errors.Forbidden("ticket belongs to another session")
	case claims.IdentityID != identityID:
		return domain.SignatureResponse{}, errors.Forbidden("ticket is bound to another identity")
	case claims.Scope != domain.ScopeSign:
		return domain.SignatureResponse{}, errors.Forbidden("ticket scope is not sign")
	case claims.DigestHash != digestHash:
		return domain.SignatureResponse{}, errors.Forbidden("ticket is bound to another digest")
	}

	row, err := s.tickets.GetTicket(ctx, claims.ID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.SignatureResponse{}, errors.NotFound("ticket not found")
		}
		return domain.SignatureResponse{}, errors.Internal("load ticket", err)
	}
	if row.UsedAt != nil {
		return domain.SignatureResponse{}, errors.Conflict("ticket already used")
	}
	if !row.ExpiresAt.After(s.now()) {
		return domain.SignatureResponse{}, errors.Gone("ticket expired")
	}

	start := s.now()
	result, err := s.signWithRestore(ctx, identityID, canonical, ticketToken)
	metrics.RecordSignature(string(row.SigType), signOutcome(err), time.Since(start))
	if err != nil {
		return domain.SignatureResponse{}, err
	}

	if err := s.markUsedAndAudit(ctx, userID, identityID, row, digestHash); err != nil {
		return domain.SignatureResponse{}, err
	}
	return result, nil
}

func signOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.KindOf(err))
}

func (s *Service) markUsedAndAudit(ctx context.Context, userID, identityID string, row domain.Ticket, digestHash string) error {
	if err := s.tickets.MarkTicketUsed(ctx, row.ID); err != nil {
		return errors.Internal("consume ticket", err)
	}
	return s.recorder.Record(ctx, domain.AuditEvent{
		UserID:     userID,
		IdentityID: identityID,
		Action:     domain.AuditIdentitySign,
		Metadata: map[string]interface{}{
			"ticket_id":   row.ID,
			"digest_hash": digestHash,
			"sig_type":    string(row.SigType),
		},
	})
}

// SignBatch signs up to MaxBatchDigests digests in order, minting a fresh
// server-side ticket per digest so every signature still passes the full
// single-use pipeline. The first failing item aborts the batch and its error
// is returned; earlier signatures are discarded rather than partially
// returned.
func (s *Service) SignBatch(ctx context.Context, userID, identityID string, rawDigests []string, sigType domain.SigType) ([]domain.SignatureResponse, error) {
	if len(rawDigests) == 0 {
		return nil, errors.Validation("digests must not be empty")
	}
	if len(rawDigests) > MaxBatchDigests {
		return nil, errors.Validation("digests must not exceed 64 items").WithDetails("count", len(rawDigests))
	}

	// The batch is one logical signing operation against both budgets.
	if err := s.allow("user:"+userID+":sign_intent", "sign_intent", s.limits.PerUser); err != nil {
		return nil, err
	}
	if err := s.allow("identity:"+identityID+":sign", "sign", s.limits.PerIdentitySign); err != nil {
		return nil, err
	}

	if sigType == "" {
		sigType = domain.SigTypeSchnorr
	}
	if !sigType.Valid() {
		return nil, errors.InvalidFormat("sig_type", "must be \"schnorr\" or \"ecdsa\"")
	}

	ident, err := s.loadOwned(ctx, userID, identityID)
	if err != nil {
		return nil, err
	}
	if ident.Status != domain.IdentityStatusActive {
		return nil, errors.Conflict("identity is destroyed")
	}

	signatures := make([]domain.SignatureResponse, 0, len(rawDigests))
	hashes := make([]string, 0, len(rawDigests))
	for i, raw := range rawDigests {
		sig, digestHash, err := s.signBatchItem(ctx, userID, identityID, raw, sigType)
		if err != nil {
			if se := errors.GetServiceError(err); se != nil {
				se.WithDetails("index", i)
			}
			return nil, err
		}
		signatures = append(signatures, sig)
		hashes = append(hashes, digestHash)
	}

	if err := s.recorder.Record(ctx, domain.AuditEvent{
		UserID:     userID,
		IdentityID: identityID,
		Action:     domain.AuditIdentitySignBatch,
		Metadata: map[string]interface{}{
			"count":         len(signatures),
			"sig_type":      string(sigType),
			"digest_hashes": hashes,
		},
	}); err != nil {
		return nil, err
	}
	return signatures, nil
}

func (s *Service) signBatchItem(ctx context.Context, userID, identityID, rawDigest string, sigType domain.SigType) (domain.SignatureResponse, string, error) {
	canonical, digestBytes, err := digest.Decode(rawDigest)
	if err != nil {
		return domain.SignatureResponse{}, "", errors.InvalidFormat("digest", err.Error())
	}
	digestHash := digest.Hash(digestBytes)

	now := s.now().UTC()
	row, err := s.tickets.CreateTicket(ctx, domain.Ticket{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		DigestHash: digestHash,
		Scope:      domain.ScopeSign,
		SigType:    sigType,
		Nonce:      uuid.NewString(),
		ExpiresAt:  now.Add(s.ticketTTL),
		CreatedAt:  now,
	})
	if err != nil {
		return domain.SignatureResponse{}, "", errors.Internal("persist ticket", err)
	}

	tok, err := s.signer.Mint(token.TicketParams{
		TicketID:   row.ID,
		UserID:     userID,
		IdentityID: identityID,
		DigestHash: digestHash,
		SigType:    sigType,
		Nonce:      row.Nonce,
		ExpiresAt:  row.ExpiresAt,
	})
	if err != nil {
		return domain.SignatureResponse{}, "", err
	}

	start := s.now()
	sig, err := s.signWithRestore(ctx, identityID, canonical, tok)
	metrics.RecordSignature(string(sigType), signOutcome(err), time.Since(start))
	if err != nil {
		return domain.SignatureResponse{}, "", err
	}

	if err := s.tickets.MarkTicketUsed(ctx, row.ID); err != nil {
		return domain.SignatureResponse{}, "", errors.Internal("consume ticket", err)
	}
	return sig, digestHash, nil
}

// Destroy wipes the enclave key, marks the row destroyed, and drops the
// backup. A missing enclave key is restored first so a recovered instance
// cannot resurrect the key later from a stale backup.
func (s *Service) Destroy(ctx context.Context, userID, identityID string) error {
	if err := s.allow("identity:"+identityID+":destroy", "destroy", s.limits.PerUser); err != nil {
		return err
	}

	ident, err := s.loadOwned(ctx, userID, identityID)
	if err != nil {
		return err
	}
	if ident.Status != domain.IdentityStatusActive {
		return errors.Conflict("identity is already destroyed")
	}

	if err := s.withRestoreRetry(ctx, identityID, func() error {
		return s.enclave.Destroy(ctx, identityID)
	}); err != nil {
		return err
	}

	if err := s.identities.MarkIdentityDestroyed(ctx, identityID); err != nil {
		return errors.Internal("mark identity destroyed", err)
	}
	if err := s.backups.DeleteBackup(ctx, identityID); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		return errors.Internal("delete key backup", err)
	}

	if err := s.recorder.Record(ctx, domain.AuditEvent{
		UserID:     userID,
		IdentityID: identityID,
		Action:     domain.AuditIdentityDestroy,
		Metadata:   map[string]interface{}{"reason": "user-request"},
	}); err != nil {
		return err
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"identity_id": identityID,
		"user_id":     userID,
	}).Info("identity destroyed")
	return nil
}

func (s *Service) signWithRestore(ctx context.Context, identityID, canonicalDigest, ticketToken string) (domain.SignatureResponse, error) {
	var result domain.SignatureResponse
	err := s.withRestoreRetry(ctx, identityID, func() error {
		var callErr error
		result, callErr = s.enclave.Sign(ctx, identityID, canonicalDigest, ticketToken)
		return callErr
	})
	return result, err
}

// withRestoreRetry runs the enclave call, and on a missing-key answer
// imports the sealed backup and retries exactly once. A second missing-key
// answer after a successful import is an enclave fault, not a caller error.
func (s *Service) withRestoreRetry(ctx context.Context, identityID string, call func() error) error {
	err := call()
	if errors.KindOf(err) != errors.KindNotFound {
		return err
	}

	if err := s.restore(ctx, identityID); err != nil {
		return err
	}

	err = call()
	if errors.KindOf(err) == errors.KindNotFound {
		metrics.RecordRestore("lost")
		return errors.Upstream("enclave lost the key after restore", err)
	}
	return err
}

// restore imports the sealed backup into the enclave under a per-identity
// lock. A concurrent restorer that arrives second re-imports the same sealed
// bytes, which the enclave treats as an overwrite with the identical scalar.
func (s *Service) restore(ctx context.Context, identityID string) error {
	muIface, _ := s.restoreMu.LoadOrStore(identityID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	backup, err := s.backups.GetBackup(ctx, identityID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			metrics.RecordRestore("no-backup")
			return errors.Conflict("key not present in enclave and no backup exists")
		}
		metrics.RecordRestore("failed")
		return errors.Internal("load key backup", err)
	}

	if err := s.enclave.Import(ctx, identityID, backup.Alg, backup.SealedKey); err != nil {
		metrics.RecordRestore("failed")
		return errors.Internal("restore key from backup", err)
	}

	metrics.RecordRestore("ok")
	s.log.WithContext(ctx).WithField("identity_id", identityID).Info("key restored from sealed backup")
	return nil
}
