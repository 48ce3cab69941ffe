// Package token mints and verifies the two JWT families used by the
// custodian: bearer session tokens and single-use sign tickets. The two
// families are signed with distinct secrets so one can never stand in for
// the other.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
)

const issuer = "key-custodian"

// expiryLeeway lets the ticket row decide the exact-boundary case. A token
// presented at its own exp instant must reach the row check, which answers
// gone rather than invalid-token.
const expiryLeeway = time.Second

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	ExternalID string `json:"external_id"`
	jwt.RegisteredClaims
}

// TicketClaims are the claims carried by a sign ticket token. The jti is
// the ticket row id; the nonce binds the token to the enclave ledger.
type TicketClaims struct {
	IdentityID string `json:"identity_id"`
	DigestHash string `json:"digest_hash"`
	Scope      string `json:"scope"`
	SigType    string `json:"sig_type"`
	Nonce      string `json:"nonce"`
	jwt.RegisteredClaims
}

// Config configures a signer.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// SessionSigner mints and verifies session tokens.
type SessionSigner struct {
	cfg Config
}

// NewSessionSigner creates a session signer.
func NewSessionSigner(cfg Config) *SessionSigner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionSigner{cfg: cfg}
}

// Mint issues a session token for the user. It returns the token and its
// expiry instant.
func (s *SessionSigner) Mint(userID, externalID string) (string, time.Time, error) {
	now := s.cfg.Now()
	expiresAt := now.Add(s.cfg.TTL)

	claims := &SessionClaims{
		ExternalID: externalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.Secret)
	if err != nil {
		return "", time.Time{}, errors.Internal("failed to sign session token", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a session token.
func (s *SessionSigner) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, jwt.WithTimeFunc(s.cfg.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

// TicketSigner mints and verifies sign ticket tokens. The token exp always
// equals the ticket row's expires_at, which the caller computes.
type TicketSigner struct {
	cfg Config
}

// NewTicketSigner creates a ticket signer.
func NewTicketSigner(cfg Config) *TicketSigner {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TicketSigner{cfg: cfg}
}

// TicketParams describes the ticket to mint.
type TicketParams struct {
	TicketID   string
	UserID     string
	IdentityID string
	DigestHash string
	SigType    domain.SigType
	Nonce      string
	ExpiresAt  time.Time
}

// Mint issues a single-use sign ticket token.
func (s *TicketSigner) Mint(p TicketParams) (string, error) {
	claims := &TicketClaims{
		IdentityID: p.IdentityID,
		DigestHash: p.DigestHash,
		Scope:      domain.ScopeSign,
		SigType:    string(p.SigType),
		Nonce:      p.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.TicketID,
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(s.cfg.Now()),
			Issuer:    issuer,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.Secret)
	if err != nil {
		return "", errors.Internal("failed to sign ticket token", err)
	}
	return signed, nil
}

// Verify parses and validates a ticket token.
func (s *TicketSigner) Verify(tokenString string) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, jwt.WithTimeFunc(s.cfg.Now), jwt.WithLeeway(expiryLeeway), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.ID == "" || claims.Nonce == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing ticket binding")
	}
	return claims, nil
}
