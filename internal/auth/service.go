// Package auth implements the challenge handshake that turns an out-of-band
// chat confirmation into a bearer session.
package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/R3E-Network/key_custodian/internal/audit"
	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/metrics"
	"github.com/R3E-Network/key_custodian/internal/storage"
	"github.com/R3E-Network/key_custodian/internal/token"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// maxExternalIDLen bounds the chat provider ids we accept.
const maxExternalIDLen = 128

// Service drives the challenge lifecycle and session issuance.
type Service struct {
	challenges storage.ChallengeStore
	users      storage.UserStore
	recorder   *audit.Recorder
	sessions   *token.SessionSigner
	log        *logger.Logger
	now        func() time.Time

	challengeTTL  time.Duration
	deepLinkBase  string
	botConfigured bool
}

// Config wires the auth service.
type Config struct {
	Challenges storage.ChallengeStore
	Users      storage.UserStore
	Recorder   *audit.Recorder
	Sessions   *token.SessionSigner
	Log        *logger.Logger
	Now        func() time.Time

	ChallengeTTL time.Duration
	DeepLinkBase string
	// BotConfigured switches between the production flow, where only the
	// bot may resolve challenges, and the test-mode flow where a caller
	// can self-resolve at creation.
	BotConfigured bool
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("auth")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return &Service{
		challenges:    cfg.Challenges,
		users:         cfg.Users,
		recorder:      cfg.Recorder,
		sessions:      cfg.Sessions,
		log:           cfg.Log,
		now:           cfg.Now,
		challengeTTL:  cfg.ChallengeTTL,
		deepLinkBase:  cfg.DeepLinkBase,
		botConfigured: cfg.BotConfigured,
	}
}

// ChallengeResult is the response of CreateChallenge.
type ChallengeResult struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeepLink    string    `json:"deep_link,omitempty"`
}

// CreateChallenge allocates a fresh challenge. With no bot configured and an
// external id supplied, the challenge is resolved on the spot so test
// environments can complete the flow without a chat round trip.
func (s *Service) CreateChallenge(ctx context.Context, externalID string) (ChallengeResult, error) {
	externalID = strings.TrimSpace(externalID)
	if len(externalID) > maxExternalIDLen {
		return ChallengeResult{}, errors.InvalidFormat("external_id", "too long")
	}

	now := s.now().UTC()
	ch, err := s.challenges.CreateChallenge(ctx, domain.Challenge{
		CreatedAt: now,
		ExpiresAt: now.Add(s.challengeTTL),
	})
	if err != nil {
		return ChallengeResult{}, errors.Internal("create challenge", err)
	}

	result := ChallengeResult{ChallengeID: ch.ID, ExpiresAt: ch.ExpiresAt}

	if s.botConfigured {
		if s.deepLinkBase != "" {
			result.DeepLink = s.deepLinkBase + "?start=" + ch.ID
		}
		return result, nil
	}

	if externalID != "" {
		if err := s.challenges.ResolveChallenge(ctx, ch.ID, externalID); err != nil {
			return ChallengeResult{}, errors.Internal("self-resolve challenge", err)
		}
		s.log.WithContext(ctx).WithField("challenge_id", ch.ID).Debug("challenge self-resolved in test mode")
	}
	return result, nil
}

// Resolve binds the verified external id to a pending challenge. The bot
// route calls this after its own key check; first writer wins.
func (s *Service) Resolve(ctx context.Context, challengeID, externalID string) error {
	challengeID = strings.TrimSpace(challengeID)
	externalID = strings.TrimSpace(externalID)
	if challengeID == "" {
		return errors.Validation("challenge_id is required")
	}
	if externalID == "" {
		return errors.Validation("external_id is required")
	}
	if len(externalID) > maxExternalIDLen {
		return errors.InvalidFormat("external_id", "too long")
	}

	err := s.challenges.ResolveChallenge(ctx, challengeID, externalID)
	switch {
	case err == nil:
		metrics.RecordChallengeResolution("resolved")
		return nil
	case stderrors.Is(err, storage.ErrChallengeConsumed):
		metrics.RecordChallengeResolution("consumed")
		return errors.Conflict("challenge already consumed")
	case stderrors.Is(err, storage.ErrChallengeResolved):
		metrics.RecordChallengeResolution("duplicate")
		return errors.Conflict("challenge already resolved")
	case stderrors.Is(err, storage.ErrNotFound):
		metrics.RecordChallengeResolution("not_found")
		return errors.NotFound("challenge not found or expired")
	default:
		return errors.Internal("resolve challenge", err)
	}
}

// Session is the verify response.
type Session struct {
	Token     string      `json:"token"`
	ExpiresIn int         `json:"expires_in"`
	User      domain.User `json:"user"`
}

// Verify exchanges a resolved challenge for a session token. The consume is
// a compare-and-set, so of two racing verifies exactly one succeeds and the
// loser sees the challenge as spent.
func (s *Service) Verify(ctx context.Context, challengeID string) (Session, error) {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return Session{}, errors.Validation("challenge_id is required")
	}

	ch, err := s.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return Session{}, errors.NotFound("challenge not found or expired")
		}
		return Session{}, errors.Internal("load challenge", err)
	}
	if !ch.Resolved() {
		return Session{}, errors.NotYetResolved("challenge awaiting confirmation")
	}

	if err := s.challenges.ConsumeChallenge(ctx, challengeID); err != nil {
		switch {
		case stderrors.Is(err, storage.ErrChallengeConsumed), stderrors.Is(err, storage.ErrNotFound):
			// A spent challenge is indistinguishable from a missing one.
			return Session{}, errors.NotFound("challenge not found or expired")
		default:
			return Session{}, errors.Internal("consume challenge", err)
		}
	}

	user, created, err := s.users.GetOrCreateUserByExternalID(ctx, ch.ExternalID)
	if err != nil {
		return Session{}, errors.Internal("resolve user", err)
	}

	if created {
		if err := s.recorder.Record(ctx, domain.AuditEvent{
			UserID:   user.ID,
			Action:   domain.AuditUserCreate,
			Metadata: map[string]interface{}{"external_id": user.ExternalID},
		}); err != nil {
			return Session{}, err
		}
	}
	if err := s.recorder.Record(ctx, domain.AuditEvent{
		UserID:   user.ID,
		Action:   domain.AuditSessionCreate,
		Metadata: map[string]interface{}{"challenge_id": challengeID},
	}); err != nil {
		return Session{}, err
	}

	tok, expiresAt, err := s.sessions.Mint(user.ID, user.ExternalID)
	if err != nil {
		return Session{}, err
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"user_id":      user.ID,
		"user_created": created,
	}).Info("session issued")

	return Session{
		Token:     tok,
		ExpiresIn: int(expiresAt.Sub(s.now()).Seconds()),
		User:      user,
	}, nil
}
