// Package enclave implements the key-holding service. Private keys live in
// process memory only; everything that leaves the process is either a public
// key, a signature, or a sealed backup blob.
package enclave

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/digest"
	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/enclave/seal"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// keyRecord is one identity's in-memory key material.
type keyRecord struct {
	alg       string
	priv      *btcec.PrivateKey
	publicKey string
	createdAt time.Time
}

// Service holds the key map and the nonce ledger behind a single lock, so a
// racing sign observes the nonce inserted by the winner.
type Service struct {
	mu     sync.Mutex
	keys   map[string]*keyRecord
	nonces map[string]time.Time

	tickets *token.TicketSigner
	sealer  seal.Sealer
	sink    *audit.Sink
	log     *logger.Logger
	now     func() time.Time
	keygen  func() (*btcec.PrivateKey, error)
}

// Config wires the service dependencies. Now and KeyGen default to the real
// clock and generator when nil.
type Config struct {
	Tickets *token.TicketSigner
	Sealer  seal.Sealer
	Sink    *audit.Sink
	Log     *logger.Logger
	Now     func() time.Time
	KeyGen  func() (*btcec.PrivateKey, error)
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.KeyGen == nil {
		cfg.KeyGen = btcec.NewPrivateKey
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("enclave")
	}
	return &Service{
		keys:    make(map[string]*keyRecord),
		nonces:  make(map[string]time.Time),
		tickets: cfg.Tickets,
		sealer:  cfg.Sealer,
		sink:    cfg.Sink,
		log:     cfg.Log,
		now:     cfg.Now,
		keygen:  cfg.KeyGen,
	}
}

// SignResult carries a produced signature. R, S, and V are set for ECDSA
// only; V is the recovery parity.
type SignResult struct {
	Signature string
	R         string
	S         string
	V         *int
}

// Generate creates a fresh secp256k1 key under identityID and returns the
// compressed public key. A second generate for the same id is a conflict.
func (s *Service) Generate(ctx context.Context, identityID string) (string, error) {
	if identityID == "" {
		return "", errors.Validation("identity_id is required")
	}

	priv, err := s.keygen()
	if err != nil {
		return "", errors.Internal("generate key", err)
	}
	publicKey := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	s.mu.Lock()
	if _, exists := s.keys[identityID]; exists {
		s.mu.Unlock()
		priv.Zero()
		s.logOp("generate", identityID, "", "", "conflict")
		return "", errors.Conflict("key already exists for identity")
	}
	s.keys[identityID] = &keyRecord{
		alg:       domain.AlgSecp256k1,
		priv:      priv,
		publicKey: publicKey,
		createdAt: s.now().UTC(),
	}
	s.mu.Unlock()

	s.logOp("generate", identityID, "", "", "ok")
	return publicKey, nil
}

// Sign produces a signature over a 32-byte digest after re-verifying the
// ticket and claiming its nonce. The nonce insertion happens before the
// signature so a concurrent replay observes it and fails.
func (s *Service) Sign(ctx context.Context, identityID, rawDigest, ticketToken string) (SignResult, error) {
	_, digestBytes, err := digest.Decode(rawDigest)
	if err != nil {
		return SignResult{}, errors.InvalidFormat("digest", err.Error())
	}
	digestHash := digest.Hash(digestBytes)

	s.mu.Lock()
	s.pruneNoncesLocked()

	record, ok := s.keys[identityID]
	if !ok {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, "", "key-not-found")
		return SignResult{}, errors.NotFound("no key for identity")
	}

	claims, err := s.tickets.Verify(ticketToken)
	if err != nil {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, "", "bad-ticket")
		return SignResult{}, err
	}
	if claims.Scope != domain.ScopeSign {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, claims.SigType, "scope-mismatch")
		return SignResult{}, errors.Forbidden("ticket scope is not sign")
	}
	if claims.IdentityID != identityID {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, claims.SigType, "identity-mismatch")
		return SignResult{}, errors.Forbidden("ticket is bound to another identity")
	}
	if claims.DigestHash != digestHash {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, claims.SigType, "digest-mismatch")
		return SignResult{}, errors.Forbidden("ticket is bound to another digest")
	}

	if _, seen := s.nonces[claims.Nonce]; seen {
		s.mu.Unlock()
		s.logOp("sign", identityID, digestHash, claims.SigType, "replay")
		return SignResult{}, errors.Conflict("ticket nonce already used")
	}
	s.nonces[claims.Nonce] = claims.ExpiresAt.Time

	// Sign while still holding the lock so a concurrent destroy cannot
	// zero the scalar mid-signature.
	result, err := signDigest(record.priv, digestBytes, domain.SigType(claims.SigType))
	s.mu.Unlock()
	if err != nil {
		s.logOp("sign", identityID, digestHash, claims.SigType, "sign-failed")
		return SignResult{}, errors.Internal("produce signature", err)
	}

	s.logOp("sign", identityID, digestHash, claims.SigType, "ok")
	return result, nil
}

func signDigest(priv *btcec.PrivateKey, digestBytes []byte, sigType domain.SigType) (SignResult, error) {
	switch sigType {
	case domain.SigTypeECDSA:
		compact := btcecdsa.SignCompact(priv, digestBytes, true)
		recovery := int(compact[0]-27) & 3

		sig := make([]byte, 0, 65)
		sig = append(sig, compact[1:65]...)
		sig = append(sig, byte(recovery))

		v := recovery
		return SignResult{
			Signature: hex.EncodeToString(sig),
			R:         hex.EncodeToString(compact[1:33]),
			S:         hex.EncodeToString(compact[33:65]),
			V:         &v,
		}, nil
	default:
		sig, err := schnorr.Sign(priv, digestBytes)
		if err != nil {
			return SignResult{}, err
		}
		return SignResult{Signature: hex.EncodeToString(sig.Serialize())}, nil
	}
}

// Destroy removes the in-memory key and wipes its scalar.
func (s *Service) Destroy(ctx context.Context, identityID string) error {
	s.mu.Lock()
	record, ok := s.keys[identityID]
	if ok {
		delete(s.keys, identityID)
	}
	s.mu.Unlock()

	if !ok {
		s.logOp("destroy", identityID, "", "", "not-found")
		return errors.NotFound("no key for identity")
	}

	record.priv.Zero()
	s.logOp("destroy", identityID, "", "", "ok")
	return nil
}

// Export seals the identity's private key for durable backup. The scalar is
// copied under the lock; sealing may call out to KMS and must not hold it.
func (s *Service) Export(ctx context.Context, identityID string) (alg, sealedKey string, err error) {
	s.mu.Lock()
	record, ok := s.keys[identityID]
	var raw []byte
	if ok {
		alg = record.alg
		raw = record.priv.Serialize()
	}
	s.mu.Unlock()
	if !ok {
		s.logOp("export", identityID, "", "", "not-found")
		return "", "", errors.NotFound("no key for identity")
	}

	sealed, err := s.sealer.Seal(ctx, raw)
	wipe(raw)
	if err != nil {
		s.logOp("export", identityID, "", "", "seal-failed")
		return "", "", errors.Internal("seal key", err)
	}

	s.logOp("export", identityID, "", "", "ok")
	return alg, sealed, nil
}

// Import unseals a backup and installs the key, overwriting any existing
// record for the identity.
func (s *Service) Import(ctx context.Context, identityID, alg, sealedKey string) error {
	if identityID == "" {
		return errors.Validation("identity_id is required")
	}
	if alg != "" && alg != domain.AlgSecp256k1 {
		return errors.Validation("unsupported key algorithm")
	}

	raw, err := s.sealer.Unseal(ctx, sealedKey)
	if err != nil {
		s.logOp("import", identityID, "", "", "unseal-failed")
		return errors.Validation("sealed key could not be unsealed")
	}
	defer wipe(raw)

	if len(raw) != 32 {
		s.logOp("import", identityID, "", "", "bad-scalar")
		return errors.Validation("sealed key is not a 32-byte scalar")
	}
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(raw)
	if overflow || scalar.IsZero() {
		scalar.Zero()
		s.logOp("import", identityID, "", "", "bad-scalar")
		return errors.Validation("sealed key is not a valid secp256k1 scalar")
	}
	priv := secp256k1.NewPrivateKey(&scalar)
	publicKey := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	s.mu.Lock()
	if prev, exists := s.keys[identityID]; exists {
		prev.priv.Zero()
	}
	s.keys[identityID] = &keyRecord{
		alg:       domain.AlgSecp256k1,
		priv:      priv,
		publicKey: publicKey,
		createdAt: s.now().UTC(),
	}
	s.mu.Unlock()

	s.logOp("import", identityID, "", "", "ok")
	return nil
}

// PublicKey returns the compressed public key held for identityID.
func (s *Service) PublicKey(identityID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.keys[identityID]
	if !ok {
		return "", false
	}
	return record.publicKey, true
}

// KeyCount reports how many keys are resident, for health output.
func (s *Service) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// NonceCount reports the live ledger size, for health output.
func (s *Service) NonceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nonces)
}

// pruneNoncesLocked drops ledger entries whose ticket expiry has passed.
// Callers hold s.mu.
func (s *Service) pruneNoncesLocked() {
	now := s.now()
	for nonce, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, nonce)
		}
	}
}

func (s *Service) logOp(op, identityID, digestHash, sigType, outcome string) {
	if s.sink == nil {
		return
	}
	s.sink.Log(audit.Entry{
		Timestamp:  s.now().UTC(),
		Op:         op,
		IdentityID: identityID,
		DigestHash: digestHash,
		SigType:    sigType,
		Outcome:    outcome,
	})
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
