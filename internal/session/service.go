// Package session is the host session mechanism: signed HS256 tokens for a
// shadow account, backed by a table so logout really ends them.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session/repo"
)

var (
	ErrInvalidToken = errors.New("session: invalid token")
	ErrRevoked      = errors.New("session: revoked")
)

type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		Secret: os.Getenv("SESSION_SECRET"),
		Issuer: os.Getenv("SESSION_ISSUER"),
		TTL:    24 * time.Hour,
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "identity-bridge"
	}
	if d, err := time.ParseDuration(os.Getenv("SESSION_TTL")); err == nil && d > 0 {
		cfg.TTL = d
	}
	return cfg
}

// Claims carried by a session token. Subject is the shadow id.
type Claims struct {
	AuthID int64 `json:"aid"`
	jwt.RegisteredClaims
}

// Service issues, validates and revokes sessions.
type Service struct {
	key    []byte
	issuer string
	ttl    time.Duration
	repo   *repo.SessionRepo
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewService(db *sqlx.DB, cfg Config, logger *zap.SugaredLogger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	key := []byte(cfg.Secret)
	if len(key) == 0 {
		// sessions will not survive a restart
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		logger.Warnw("SESSION_SECRET not set, using an ephemeral signing key")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{key: key, issuer: cfg.Issuer, ttl: cfg.TTL, repo: repo.NewSessionRepo(db), logger: logger, now: time.Now}, nil
}

// SetClock overrides time.Now. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) EnsureTable(ctx context.Context) error { return s.repo.EnsureTable(ctx) }

// Establish issues a session for shadowID on behalf of forum user authID.
func (s *Service) Establish(ctx context.Context, shadowID, authID int64) (entity.Instruction, error) {
	now := s.now().UTC()
	sess := entity.Session{
		ID:        ksuid.New().String(),
		ShadowID:  shadowID,
		AuthID:    authID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	claims := Claims{
		AuthID: authID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(shadowID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return entity.Instruction{}, err
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		return entity.Instruction{}, fmt.Errorf("save session: %w", err)
	}
	return entity.Instruction{Token: signed, ShadowID: shadowID, AuthID: authID, ExpiresAt: sess.ExpiresAt}, nil
}

func (s *Service) parse(token string, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return s.key, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Validate returns the claims of a live session.
func (s *Service) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parse(token, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	sess, err := s.repo.Get(ctx, claims.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !sess.Active(s.now()) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Invalidate revokes the session behind token. Expired tokens are still
// accepted here so a stale cookie can be cleaned up.
func (s *Service) Invalidate(ctx context.Context, token string) error {
	claims, err := s.parse(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}
	return s.repo.Revoke(ctx, claims.ID, s.now())
}

// InvalidateShadow revokes every session of a shadow account.
func (s *Service) InvalidateShadow(ctx context.Context, shadowID int64) (int64, error) {
	return s.repo.RevokeShadow(ctx, shadowID, s.now())
}

// ActiveCount counts live sessions; shadowID 0 counts all of them.
func (s *Service) ActiveCount(ctx context.Context, shadowID int64) (int, error) {
	return s.repo.CountActive(ctx, shadowID, s.now())
}

// Prune deletes sessions that expired more than grace ago.
func (s *Service) Prune(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().Add(-grace))
	if err == nil && n > 0 {
		s.logger.Infow("pruned expired sessions", "count", n)
	}
	return n, err
}
