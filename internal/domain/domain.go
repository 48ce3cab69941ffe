// Package domain defines the entities shared by the gateway, its stores,
// and the enclave protocol.
package domain

import "time"

// AlgSecp256k1 is the only key algorithm the service supports.
const AlgSecp256k1 = "secp256k1"

// ScopeSign is the only ticket scope the service accepts.
const ScopeSign = "sign"

// UserStatus tracks whether a user has completed a verified session.
type UserStatus string

const (
	UserStatusPending UserStatus = "pending"
	UserStatusActive  UserStatus = "active"
)

// User is an account keyed by the chat provider's external id.
type User struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id"`
	Status     UserStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IdentityStatus tracks an identity's lifecycle.
type IdentityStatus string

const (
	IdentityStatusActive    IdentityStatus = "active"
	IdentityStatusDestroyed IdentityStatus = "destroyed"
)

// Identity is a named secp256k1 keypair owned by one user. The id doubles
// as the enclave's key handle.
type Identity struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Alg       string         `json:"alg"`
	PublicKey string         `json:"public_key"`
	Status    IdentityStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Challenge bridges the web flow and the out-of-band chat confirmation.
// ExternalID stays empty until the bot resolves it; ConsumedAt is set when
// a verify call exchanges the challenge for a session.
type Challenge struct {
	ID         string     `json:"id"`
	ExternalID string     `json:"external_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Resolved reports whether the bot has attached an external id.
func (c *Challenge) Resolved() bool { return c.ExternalID != "" }

// SigType selects the signature scheme a ticket authorizes.
type SigType string

const (
	SigTypeSchnorr SigType = "schnorr"
	SigTypeECDSA   SigType = "ecdsa"
)

// Valid reports whether s names a supported scheme.
func (s SigType) Valid() bool { return s == SigTypeSchnorr || s == SigTypeECDSA }

// Ticket is a single-use authorization to sign one digest with one
// identity. The row id equals the token's jti.
type Ticket struct {
	ID         string     `json:"id"`
	IdentityID string     `json:"identity_id"`
	DigestHash string     `json:"digest_hash"`
	Scope      string     `json:"scope"`
	SigType    SigType    `json:"sig_type"`
	Nonce      string     `json:"nonce"`
	ExpiresAt  time.Time  `json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SignatureResponse is the wire form of a produced signature, shared by the
// enclave protocol and the public sign route. R, S, and V are present for
// ECDSA only; V is the recovery parity and may legitimately be zero.
type SignatureResponse struct {
	Signature string `json:"signature"`
	R         string `json:"r,omitempty"`
	S         string `json:"s,omitempty"`
	V         *int   `json:"v,omitempty"`
}

// KeyBackup holds the sealed private key for an identity. The plaintext
// key exists only inside the enclave process.
type KeyBackup struct {
	IdentityID string    `json:"identity_id"`
	Alg        string    `json:"alg"`
	SealedKey  string    `json:"sealed_key"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditAction enumerates recorded operations.
type AuditAction string

const (
	AuditUserCreate           AuditAction = "user.create"
	AuditSessionCreate        AuditAction = "session.create"
	AuditIdentityCreate       AuditAction = "identity.create"
	AuditIdentityCreateFailed AuditAction = "identity.create_failed"
	AuditIdentitySign         AuditAction = "identity.sign"
	AuditIdentitySignBatch    AuditAction = "identity.sign_batch"
	AuditIdentityDestroy      AuditAction = "identity.destroy"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	IdentityID string                 `json:"identity_id,omitempty"`
	Action     AuditAction            `json:"action"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
