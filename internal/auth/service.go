// Package auth is the session orchestrator: it verifies forum credentials,
// resolves the shadow account, establishes the host session and, policy
// permitting, mints a video platform token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum"
	forumentity "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/entity"
	forumrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/repo"
	sessionentity "github.com/ovaphlow/pitchfork/identity-bridge/internal/session/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/vault"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/video"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/utilities"
)

// PasswordVerifier checks a plaintext password against a stored hash of any
// supported format. credential.Chain satisfies it.
type PasswordVerifier interface {
	Verify(plaintext, storedHash string) bool
}

// SessionManager is the host session mechanism.
type SessionManager interface {
	Establish(ctx context.Context, shadowID, authID int64) (sessionentity.Instruction, error)
	Invalidate(ctx context.Context, token string) error
	InvalidateShadow(ctx context.Context, shadowID int64) (int64, error)
}

// VideoPlatform is the subset of the video bridge the orchestrator calls.
type VideoPlatform interface {
	PasswordGrant(ctx context.Context, identifier, password string) (video.TokenBundle, error)
	FetchIdentity(ctx context.Context, accessToken string) (video.Identity, error)
	RegisterUser(ctx context.Context, reg video.Registration) error
}

// Deps are the collaborators built by the composition root.
type Deps struct {
	Users     *forumrepo.UserRepo
	Verifier  PasswordVerifier
	Hasher    credential.PasswordHasher
	Resolver  *identity.Resolver
	Store     *identityrepo.Store
	Vault     *vault.Vault
	Video     VideoPlatform
	Sessions  SessionManager
	Lifecycle *forum.Lifecycle
	Metrics   *Metrics
	Logger    *zap.SugaredLogger
}

// TokenOutcome reports what happened to the video platform token.
type TokenOutcome string

const (
	TokenMinted  TokenOutcome = "minted"
	TokenSkipped TokenOutcome = "skipped"
	TokenFailed  TokenOutcome = "failed"
)

// LoginResult is the success variant of Login and Register.
type LoginResult struct {
	Session       sessionentity.Instruction `json:"session"`
	AuthID        int64                     `json:"auth_id"`
	ShadowID      int64                     `json:"shadow_id"`
	ShadowCreated bool                      `json:"shadow_created"`
	Token         TokenOutcome              `json:"video_token"`
	// VerificationToken is set when registration enqueued a verification job.
	VerificationToken string `json:"verification_token,omitempty"`
}

// Service orchestrates login, registration, logout and account lifecycle.
type Service struct {
	cfg Config
	Deps
	logger *zap.SugaredLogger

	dummyOnce sync.Once
	dummyHash string
}

func New(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindConfigMissing, "auth.New", err)
	}
	if cfg.PeerGrantMethod == GrantPassword && deps.Video == nil {
		return nil, newError(KindConfigMissing, "auth.New", errors.New("password grant enabled without a video platform"))
	}
	if deps.Users == nil || deps.Resolver == nil || deps.Store == nil || deps.Sessions == nil || deps.Vault == nil {
		return nil, newError(KindConfigMissing, "auth.New", errors.New("missing collaborator"))
	}
	if deps.Verifier == nil {
		deps.Verifier = credential.DefaultChain()
	}
	if deps.Hasher == nil {
		deps.Hasher = credential.BcryptHasher{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{cfg: cfg, Deps: deps, logger: logger}, nil
}

func (s *Service) Config() Config { return s.cfg }

// Login verifies identifier/password against the forum and links the user
// to a shadow account and a host session.
func (s *Service) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	const op = "auth.Login"
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		s.Metrics.login(outcomeFailure)
		return nil, newError(KindInvalidCredentials, op, nil)
	}

	u, err := s.Users.FindForLogin(ctx, identifier)
	if errors.Is(err, forumrepo.ErrNotFound) {
		s.spendVerify(password)
		s.rejectLogin(ctx, nil, "unknown identifier")
		return nil, newError(KindInvalidCredentials, op, nil)
	}
	if err != nil {
		s.Metrics.login(outcomeFailure)
		return nil, newError(KindStorageFailure, op, err)
	}
	if u.PasswordHash == "" {
		s.spendVerify(password)
	}
	if u.PasswordHash == "" || !s.Verifier.Verify(password, u.PasswordHash) {
		s.rejectLogin(ctx, &u.ID, "password mismatch")
		return nil, newError(KindInvalidCredentials, op, nil)
	}
	if u.Inactive {
		s.rejectLogin(ctx, &u.ID, "inactive: "+u.InactiveReason)
		return nil, newError(KindInvalidCredentials, op, nil)
	}
	s.upgradeHash(ctx, u, password)

	res, err := s.establish(ctx, op, u, identifier, password)
	if err != nil {
		if KindOf(err) == KindBridgeUnavailable {
			s.Metrics.login(outcomeBlocked)
		} else {
			s.Metrics.login(outcomeFailure)
		}
		return nil, err
	}
	s.Metrics.login(outcomeSuccess)
	s.Store.InsertAudit(ctx, "login", &u.ID, &res.ShadowID, map[string]any{"token": res.Token, "shadow_created": res.ShadowCreated})
	return res, nil
}

// spendVerify checks password against a throwaway hash so a miss on the
// identifier takes as long as a miss on the password.
func (s *Service) spendVerify(password string) {
	s.dummyOnce.Do(func() {
		secret, err := credential.RandomSecret(18)
		if err == nil {
			s.dummyHash, err = s.Hasher.Hash(secret)
		}
		if err != nil {
			s.logger.Warnw("dummy hash unavailable", "err", err)
		}
	})
	if s.dummyHash != "" {
		s.Verifier.Verify(password, s.dummyHash)
	}
}

func (s *Service) rejectLogin(ctx context.Context, authID *int64, reason string) {
	s.Metrics.login(outcomeFailure)
	s.logger.Debugw("login rejected", "auth_id", authID, "reason", reason)
	s.Store.InsertAudit(ctx, "login_failed", authID, nil, map[string]any{"reason": reason})
}

// upgradeHash rewrites legacy portable or md5 hashes with bcrypt. Failure only logs.
func (s *Service) upgradeHash(ctx context.Context, u *forumentity.User, password string) {
	if !credential.NeedsRehash(u.PasswordHash) {
		return
	}
	hash, err := s.Hasher.Hash(password)
	if err == nil {
		err = s.Users.UpdatePassword(ctx, u.ID, hash)
	}
	if err != nil {
		s.logger.Warnw("legacy hash upgrade failed", "auth_id", u.ID, "err", err)
		return
	}
	s.logger.Infow("upgraded legacy password hash", "auth_id", u.ID)
}

// establish runs the flow from a verified forum user onward: shadow
// resolution, session, identity map, video token.
func (s *Service) establish(ctx context.Context, op string, u *forumentity.User, identifier, password string) (*LoginResult, error) {
	authUser := identity.AuthUser{ID: u.ID, Username: u.Username, UsernameClean: u.UsernameClean, Email: u.Email}
	shadowID, created, err := s.Resolver.EnsureShadowAccount(ctx, authUser, s.cfg.resolverPolicy())
	if errors.Is(err, identity.ErrResolutionExhausted) {
		s.Store.InsertAudit(ctx, "shadow_failed", &u.ID, nil, map[string]any{"error": err.Error()})
		return nil, newError(KindResolutionExhausted, op, err)
	}
	if err != nil {
		return nil, newError(KindStorageFailure, op, err)
	}
	if created {
		s.Metrics.shadowCreated()
		s.Store.InsertAudit(ctx, "shadow_created", &u.ID, &shadowID, nil)
	}

	ins, err := s.Sessions.Establish(ctx, shadowID, u.ID)
	if err != nil {
		return nil, newError(KindStorageFailure, op, err)
	}
	err = s.Store.UpsertIdentity(ctx, identityrepo.IdentityUpsert{
		AuthID:        u.ID,
		UsernameClean: u.UsernameClean,
		Email:         u.Email,
		ShadowID:      &shadowID,
		Status:        entity.StatusLinked,
	})
	if err != nil {
		s.revoke(ctx, ins.Token)
		return nil, newError(KindStorageFailure, op, err)
	}

	res := &LoginResult{Session: ins, AuthID: u.ID, ShadowID: shadowID, ShadowCreated: created, Token: TokenSkipped}
	if s.cfg.PeerGrantMethod == GrantDisabled {
		s.Metrics.grant(string(TokenSkipped))
		return res, nil
	}
	if err := s.mintToken(ctx, u.ID, identifier, password); err != nil {
		res.Token = TokenFailed
		s.Metrics.grant(string(TokenFailed))
		s.Store.InsertAudit(ctx, "token_failed", &u.ID, &shadowID, map[string]any{"error": err.Error(), "policy": s.cfg.PeerFailPolicy})
		if recErr := s.Store.RecordError(ctx, u.ID, err.Error()); recErr != nil {
			s.logger.Warnw("recording bridge error failed", "auth_id", u.ID, "err", recErr)
		}
		if s.cfg.PeerFailPolicy == FailBlockLogin {
			s.revoke(ctx, ins.Token)
			s.logger.Warnw("video token grant failed, login blocked", "auth_id", u.ID, "err", err)
			return nil, newError(KindBridgeUnavailable, op, err)
		}
		s.logger.Warnw("video token grant failed, login allowed", "auth_id", u.ID, "err", err)
		return res, nil
	}
	res.Token = TokenMinted
	s.Metrics.grant(string(TokenMinted))
	s.Store.InsertAudit(ctx, "token_minted", &u.ID, &shadowID, nil)
	return res, nil
}

func (s *Service) revoke(ctx context.Context, token string) {
	if err := s.Sessions.Invalidate(ctx, token); err != nil {
		s.logger.Errorw("revoking session failed", "err", err)
	}
}

// mintToken runs the password grant and stores the sealed bundle. The
// plaintext password is only passed through.
func (s *Service) mintToken(ctx context.Context, authID int64, identifier, password string) error {
	bundle, err := s.Video.PasswordGrant(ctx, identifier, password)
	if err != nil {
		return err
	}
	rec := entity.TokenRecord{
		AuthID:       authID,
		AccessToken:  s.Vault.Encrypt(bundle.AccessToken),
		RefreshToken: s.Vault.Encrypt(bundle.RefreshToken),
		ExpiresAt:    bundle.ExpiresAt(),
		Scope:        bundle.Scope,
		Source:       string(GrantPassword),
	}
	if err := s.Store.StorePlatformToken(ctx, rec); err != nil {
		return fmt.Errorf("store platform token: %w", err)
	}

	// ids are a cache; a failure here does not fail the grant
	me, err := s.Video.FetchIdentity(ctx, bundle.AccessToken)
	if err != nil {
		s.logger.Debugw("video identity lookup failed", "auth_id", authID, "err", err)
		return nil
	}
	if err := s.Store.CacheVideoIDs(ctx, authID, me.UserID, me.AccountID, me.ActorID); err != nil {
		s.logger.Warnw("caching video ids failed", "auth_id", authID, "err", err)
	}
	return nil
}

// RegisterInput is the payload of Register.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	IP       string
}

// Register creates the forum account and then continues exactly like a
// verified login.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*LoginResult, error) {
	const op = "auth.Register"
	res, err := s.register(ctx, op, in)
	if err != nil {
		s.Metrics.registration(outcomeFailure)
		return nil, err
	}
	s.Metrics.registration(outcomeSuccess)
	return res, nil
}

func (s *Service) register(ctx context.Context, op string, in RegisterInput) (*LoginResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	clean := forumentity.CleanUsername(in.Username)
	if clean == "" || in.Password == "" || !strings.Contains(in.Email, "@") {
		return nil, newError(KindInvalidInput, op, errors.New("username, email and password are required"))
	}

	taken, err := s.Users.ExistsClean(ctx, clean)
	if err != nil {
		return nil, newError(KindStorageFailure, op, err)
	}
	if taken {
		return nil, newError(KindDuplicateUsername, op, nil)
	}
	if taken, err = s.Users.ExistsEmail(ctx, in.Email); err != nil {
		return nil, newError(KindStorageFailure, op, err)
	}
	if taken {
		return nil, newError(KindDuplicateEmail, op, nil)
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return nil, newError(KindInvalidInput, op, err)
	}
	u := &forumentity.User{
		Username:       in.Username,
		UsernameClean:  clean,
		Email:          in.Email,
		PasswordHash:   hash,
		RegistrationIP: in.IP,
	}
	if _, err := s.Users.Create(ctx, u); err != nil {
		if errors.Is(err, forumrepo.ErrDuplicateUsername) {
			return nil, newError(KindDuplicateUsername, op, nil)
		}
		return nil, newError(KindStorageFailure, op, err)
	}
	s.logger.Infow("forum user registered", "auth_id", u.ID, "email", utilities.MaskEmail(u.Email))
	s.Store.InsertAudit(ctx, "register", &u.ID, nil, map[string]any{"ip": in.IP})

	if s.cfg.VideoAutoRegister && s.Video != nil {
		reg := video.Registration{Username: videoUsername(u), Email: u.Email, Password: in.Password, DisplayName: u.Username}
		if err := s.Video.RegisterUser(ctx, reg); err != nil {
			s.logger.Warnw("video platform registration failed", "auth_id", u.ID, "err", err)
			s.Store.InsertAudit(ctx, "video_register_failed", &u.ID, nil, map[string]any{"error": err.Error()})
		}
	}

	var verification string
	if s.cfg.RequireEmailVerification {
		verification, err = s.Store.CreateJob(ctx, u.ID, "email_verification", map[string]any{"email": u.Email, "username": u.Username})
		if err != nil {
			return nil, newError(KindStorageFailure, op, err)
		}
	}

	res, err := s.establish(ctx, op, u, u.Email, in.Password)
	if err != nil {
		return nil, err
	}
	res.VerificationToken = verification
	return res, nil
}

// videoUsername fits the forum name to the platform's [a-z0-9_.] usernames.
func videoUsername(u *forumentity.User) string {
	name := strings.ReplaceAll(identity.SanitizeLogin(u.UsernameClean), "-", "_")
	if name == "" {
		name = fmt.Sprintf("user_%d", u.ID)
	}
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

// Logout ends the session behind token. It always reports success.
func (s *Service) Logout(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := s.Sessions.Invalidate(ctx, token); err != nil {
		s.logger.Debugw("logout with unusable token", "err", err)
		return
	}
	s.Store.InsertAudit(ctx, "logout", nil, nil, nil)
}

// PlatformAccessToken returns the decrypted, unexpired video access token.
func (s *Service) PlatformAccessToken(ctx context.Context, authID int64) (string, error) {
	const op = "auth.PlatformAccessToken"
	rec, err := s.Store.GetPlatformToken(ctx, authID)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return "", newError(KindNotFound, op, nil)
	}
	if err != nil {
		return "", newError(KindStorageFailure, op, err)
	}
	if rec.ExpiresAt != nil && !time.Now().Before(*rec.ExpiresAt) {
		return "", newError(KindNotFound, op, errors.New("token expired"))
	}
	token := s.Vault.Decrypt(rec.AccessToken)
	if token == "" {
		return "", newError(KindNotFound, op, errors.New("token unavailable"))
	}
	return token, nil
}
