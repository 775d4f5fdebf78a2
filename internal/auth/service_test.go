package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/dbtest"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum"
	forumentity "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/entity"
	forumrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/vault"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/video"
)

// fakeVideo stands in for the platform. grantErr makes every grant fail.
type fakeVideo struct {
	mu         sync.Mutex
	grantErr   error
	grants     []string
	registered []video.Registration
}

func (f *fakeVideo) PasswordGrant(_ context.Context, identifier, _ string) (video.TokenBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, identifier)
	if f.grantErr != nil {
		return video.TokenBundle{}, f.grantErr
	}
	return video.TokenBundle{
		AccessToken:  "access-" + identifier,
		RefreshToken: "refresh-" + identifier,
		ExpiresIn:    3600,
		ObtainedAt:   time.Now(),
	}, nil
}

func (f *fakeVideo) FetchIdentity(context.Context, string) (video.Identity, error) {
	return video.Identity{UserID: entity.Int64(11), AccountID: entity.Int64(12), ActorID: entity.Int64(13), Username: "alice"}, nil
}

func (f *fakeVideo) RegisterUser(_ context.Context, reg video.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, reg)
	return nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type harness struct {
	svc      *Service
	users    *forumrepo.UserRepo
	store    *identityrepo.Store
	hosts    *host.Registry
	sessions *session.Service
	video    *fakeVideo
	metrics  *Metrics
	anonID   int64
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	logger := zaptest.NewLogger(t).Sugar()

	users := forumrepo.NewUserRepo(db)
	if err := users.EnsureTable(ctx); err != nil {
		t.Fatalf("forum tables: %v", err)
	}
	anon, err := users.Create(ctx, &forumentity.User{Username: "Anonymous"})
	if err != nil {
		t.Fatalf("anonymous user: %v", err)
	}
	hasher := credential.BcryptHasher{Cost: bcrypt.MinCost}
	hosts := host.NewRegistry(db, nil, hasher)
	if err := hosts.EnsureTable(ctx); err != nil {
		t.Fatalf("host table: %v", err)
	}
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := identityrepo.NewStore(db, logger, identityrepo.WithClock(clock.Now))
	sessions, err := session.NewService(db, session.Config{Secret: "test-secret", Issuer: "test", TTL: time.Hour}, logger)
	if err != nil {
		t.Fatalf("session service: %v", err)
	}
	if err := sessions.EnsureTable(ctx); err != nil {
		t.Fatalf("session table: %v", err)
	}
	lc, err := forum.NewLifecycle(users, store, forum.Config{AnonymousID: anon, ContentColumns: forum.DefaultContentColumns()}, logger)
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	fv := &fakeVideo{}
	deps := Deps{
		Users:     users,
		Hasher:    hasher,
		Resolver:  identity.NewResolver(hosts, store, logger),
		Store:     store,
		Vault:     vault.New("auth-key", "secure-auth-key"),
		Sessions:  sessions,
		Lifecycle: lc,
		Metrics:   metrics,
		Logger:    logger,
	}
	if cfg.PeerGrantMethod != GrantDisabled {
		deps.Video = fv
	}
	svc, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{svc: svc, users: users, store: store, hosts: hosts, sessions: sessions, video: fv, metrics: metrics, anonID: anon}
}

func (h *harness) addUser(t *testing.T, username, email, hash string) int64 {
	t.Helper()
	id, err := h.users.Create(context.Background(), &forumentity.User{Username: username, Email: email, PasswordHash: hash})
	if err != nil {
		t.Fatalf("create forum user %s: %v", username, err)
	}
	return id
}

func (h *harness) addAlice(t *testing.T) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return h.addUser(t, "alice", "alice@x.test", string(hash))
}

func (h *harness) audits(t *testing.T, authID int64) []string {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), authID, 100)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func TestLoginCreatesShadowAndLinks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)

	res, err := h.svc.Login(ctx, "alice@x.test", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !res.ShadowCreated || res.AuthID != aliceID || res.Token != TokenMinted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Session.Token == "" || res.Session.ShadowID != res.ShadowID {
		t.Fatalf("unexpected session: %+v", res.Session)
	}

	id, ok, err := h.hosts.LookupByLogin(ctx, "alice")
	if err != nil || !ok || id != res.ShadowID {
		t.Fatalf("expected shadow login alice -> %d, got %d %v %v", res.ShadowID, id, ok, err)
	}
	acct, err := h.hosts.Get(ctx, id)
	if err != nil {
		t.Fatalf("get shadow: %v", err)
	}
	if acct.Role != "subscriber" || !acct.BridgeManaged || acct.Email != "alice@x.test" {
		t.Fatalf("unexpected shadow account: %+v", acct)
	}

	row, err := h.store.GetIdentity(ctx, aliceID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if row.Status != entity.StatusLinked || row.ShadowID == nil || *row.ShadowID != res.ShadowID {
		t.Fatalf("unexpected map row: %+v", row)
	}
	if row.VideoActorID == nil || *row.VideoActorID != 13 {
		t.Fatalf("expected cached video ids, got %+v", row)
	}

	tok, err := h.svc.PlatformAccessToken(ctx, aliceID)
	if err != nil || tok != "access-alice@x.test" {
		t.Fatalf("platform token: %q %v", tok, err)
	}
	rec, err := h.store.GetPlatformToken(ctx, aliceID)
	if err != nil {
		t.Fatalf("get platform token: %v", err)
	}
	if strings.Contains(rec.AccessToken, "access-") {
		t.Fatalf("token stored in plaintext: %q", rec.AccessToken)
	}

	if got := testutil.ToFloat64(h.metrics.Logins.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 successful login, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.ShadowsCreated); got != 1 {
		t.Fatalf("expected 1 shadow created, got %v", got)
	}
	actions := h.audits(t, aliceID)
	for _, want := range []string{"shadow_created", "token_minted", "login"} {
		if !contains(actions, want) {
			t.Fatalf("missing audit %q in %v", want, actions)
		}
	}
}

func TestSecondLoginReusesShadow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)

	first, err := h.svc.Login(ctx, "alice@x.test", "secret")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	before, _ := h.store.GetIdentity(ctx, aliceID)

	second, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if second.ShadowCreated || second.ShadowID != first.ShadowID {
		t.Fatalf("expected reuse of shadow %d, got %+v", first.ShadowID, second)
	}
	after, _ := h.store.GetIdentity(ctx, aliceID)
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("expected updated_at to move: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
	if n, _ := h.hosts.Count(ctx, true); n != 1 {
		t.Fatalf("expected one shadow account, got %d", n)
	}
}

func TestLoginRejectsWithGenericError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)
	bobHash, _ := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	bobID := h.addUser(t, "bob", "bob@x.test", string(bobHash))
	if err := h.users.SetInactive(ctx, bobID, forumentity.ReasonDeactivated); err != nil {
		t.Fatalf("deactivate bob: %v", err)
	}

	cases := []struct{ name, identifier, password string }{
		{"empty", "", "secret"},
		{"unknown user", "carol@x.test", "secret"},
		{"wrong password", "alice@x.test", "nope"},
		{"inactive user", "bob", "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Login(ctx, tc.identifier, tc.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected invalid credentials, got %v", err)
			}
			if msg := KindOf(err).Message(); msg != "invalid username/email or password" {
				t.Fatalf("unexpected message %q", msg)
			}
		})
	}
	if n, _ := h.hosts.Count(ctx, false); n != 0 {
		t.Fatalf("rejected logins must not create shadows, got %d", n)
	}
	if !contains(h.audits(t, aliceID), "login_failed") {
		t.Fatalf("expected login_failed audit for alice")
	}
	if got := testutil.ToFloat64(h.metrics.Logins.WithLabelValues(outcomeFailure)); got != 4 {
		t.Fatalf("expected 4 failed logins, got %v", got)
	}
}

// countingVerifier records every hash it is asked to check.
type countingVerifier struct {
	mu     sync.Mutex
	hashes []string
}

func (c *countingVerifier) Verify(plaintext, storedHash string) bool {
	c.mu.Lock()
	c.hashes = append(c.hashes, storedHash)
	c.mu.Unlock()
	return credential.Verify(plaintext, storedHash)
}

func TestUnknownIdentifierStillChecksAHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.addAlice(t)
	cv := &countingVerifier{}
	h.svc.Verifier = cv

	if _, err := h.svc.Login(ctx, "nobody@x.test", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "alice@x.test", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if len(cv.hashes) != 2 {
		t.Fatalf("expected one hash check per login, got %d", len(cv.hashes))
	}
	if !strings.HasPrefix(cv.hashes[0], "$2") {
		t.Fatalf("unknown identifier must be checked against a bcrypt hash, got %q", cv.hashes[0])
	}
}

func TestBlockLoginOnBridgeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.PeerFailPolicy = FailBlockLogin })
	aliceID := h.addAlice(t)
	h.video.grantErr = video.ErrUnavailable

	_, err := h.svc.Login(ctx, "alice@x.test", "secret")
	if !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("expected bridge unavailable, got %v", err)
	}
	if n, err := h.sessions.ActiveCount(ctx, 0); err != nil || n != 0 {
		t.Fatalf("expected no live session, got %d %v", n, err)
	}
	row, err := h.store.GetIdentity(ctx, aliceID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if row.LastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
	if got := testutil.ToFloat64(h.metrics.Logins.WithLabelValues(outcomeBlocked)); got != 1 {
		t.Fatalf("expected 1 blocked login, got %v", got)
	}
	if !contains(h.audits(t, aliceID), "token_failed") {
		t.Fatalf("expected token_failed audit")
	}
}

func TestAllowLoginOnBridgeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.addAlice(t)
	h.video.grantErr = video.ErrUnavailable

	res, err := h.svc.Login(ctx, "alice@x.test", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token != TokenFailed {
		t.Fatalf("expected failed token outcome, got %s", res.Token)
	}
	if _, err := h.sessions.Validate(ctx, res.Session.Token); err != nil {
		t.Fatalf("session should be live: %v", err)
	}
	if _, err := h.svc.PlatformAccessToken(ctx, res.AuthID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no platform token, got %v", err)
	}
}

func TestGrantDisabledSkipsPlatform(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.PeerGrantMethod = GrantDisabled })
	h.addAlice(t)

	res, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token != TokenSkipped || len(h.video.grants) != 0 {
		t.Fatalf("expected skipped grant, got %s after %d grants", res.Token, len(h.video.grants))
	}
}

func TestNewRequiresVideoForPasswordGrant(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected config missing, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.MatchPolicy = "closest"
	if _, err := New(cfg, Deps{Video: &fakeVideo{}}); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("expected config missing for bad policy, got %v", err)
	}
}

func TestLegacyHashUpgradedOnLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	// md5("secret")
	id := h.addUser(t, "legacy", "legacy@x.test", "5ebe2294ecd0e0f08eab7690d2a6ee69")

	if _, err := h.svc.Login(ctx, "legacy", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	u, err := h.users.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !strings.HasPrefix(u.PasswordHash, "$2") || !credential.Verify("secret", u.PasswordHash) {
		t.Fatalf("expected bcrypt upgrade, got %q", u.PasswordHash)
	}
}

func TestRegisterDuplicateEmailCreatesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.addAlice(t)

	_, err := h.svc.Register(ctx, RegisterInput{Username: "alice2", Email: "ALICE@x.test", Password: "pw"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected duplicate email, got %v", err)
	}
	_, err = h.svc.Register(ctx, RegisterInput{Username: "ALICE", Email: "other@x.test", Password: "pw"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected duplicate username, got %v", err)
	}
	if n, _ := h.hosts.Count(ctx, false); n != 0 {
		t.Fatalf("expected no shadow accounts, got %d", n)
	}
	if _, err := h.users.GetByUsernameClean(ctx, "alice2"); !errors.Is(err, forumrepo.ErrNotFound) {
		t.Fatalf("expected no forum user, got %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.Registrations.WithLabelValues(outcomeFailure)); got != 2 {
		t.Fatalf("expected 2 failed registrations, got %v", got)
	}
}

func TestRegisterCreatesAccountShadowAndJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.RequireEmailVerification = true
		c.VideoAutoRegister = true
	})

	res, err := h.svc.Register(ctx, RegisterInput{Username: "Dana Smith", Email: "dana@x.test", Password: "pw-123", IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !res.ShadowCreated || res.Token != TokenMinted || res.VerificationToken == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	u, err := h.users.GetByID(ctx, res.AuthID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u.UsernameClean != "dana smith" || !credential.Verify("pw-123", u.PasswordHash) {
		t.Fatalf("unexpected forum user: %+v", u)
	}
	if len(h.video.registered) != 1 || h.video.registered[0].Username != "dana_smith" {
		t.Fatalf("expected platform registration, got %+v", h.video.registered)
	}

	job, err := h.svc.ResolveVerificationJob(ctx, res.VerificationToken)
	if err != nil {
		t.Fatalf("resolve job: %v", err)
	}
	if job.Type != "email_verification" || job.AuthID != res.AuthID || job.Status != entity.JobPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	if got := testutil.ToFloat64(h.metrics.Registrations.WithLabelValues(outcomeSuccess)); got != 1 {
		t.Fatalf("expected 1 registration, got %v", got)
	}
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Register(context.Background(), RegisterInput{Username: "  ", Email: "x@x.test", Password: "pw"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.addAlice(t)

	res, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	h.svc.Logout(ctx, res.Session.Token)
	if _, err := h.sessions.Validate(ctx, res.Session.Token); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	// garbage and repeated logouts are silent
	h.svc.Logout(ctx, res.Session.Token)
	h.svc.Logout(ctx, "not-a-token")
	h.svc.Logout(ctx, "")
}

func TestDeactivateEndsSessionsAndBlocksLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)

	res, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor := entity.Int64(99)
	if err := h.svc.Deactivate(ctx, aliceID, actor); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.sessions.Validate(ctx, res.Session.Token); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "alice", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected inactive login to fail, got %v", err)
	}

	if err := h.svc.Reactivate(ctx, aliceID, actor); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	again, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login after reactivate: %v", err)
	}
	if again.ShadowID != res.ShadowID {
		t.Fatalf("expected the same shadow after reactivation")
	}
	if got := testutil.ToFloat64(h.metrics.Lifecycle.WithLabelValues("deactivate", outcomeSuccess)); got != 1 {
		t.Fatalf("expected deactivate metric, got %v", got)
	}
}

func TestTombstoneDeleteThroughOrchestrator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)
	res, err := h.svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := h.svc.TombstoneDelete(ctx, aliceID, nil); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if _, err := h.sessions.Validate(ctx, res.Session.Token); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if _, err := h.svc.PlatformAccessToken(ctx, aliceID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected platform token to be cleared, got %v", err)
	}
	if _, err := h.svc.Login(ctx, "alice@x.test", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected tombstoned login to fail, got %v", err)
	}
	if err := h.svc.Reactivate(ctx, aliceID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected reactivation of tombstoned user to be refused, got %v", err)
	}
	if err := h.svc.TombstoneDelete(ctx, aliceID+1000, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
	if _, err := h.svc.AnonymizeContent(ctx, h.anonID, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected anonymizing the anonymous user to fail, got %v", err)
	}
}

func TestVerificationJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	aliceID := h.addAlice(t)

	if _, err := h.svc.CreateVerificationJob(ctx, aliceID, " ", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	token, err := h.svc.CreateVerificationJob(ctx, aliceID, "password_reset", map[string]any{"email": "alice@x.test"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	due, err := h.svc.DueJobs(ctx, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due job, got %d %v", len(due), err)
	}
	if err := h.svc.CompleteVerificationJob(ctx, token, entity.JobPending, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if err := h.svc.CompleteVerificationJob(ctx, token, entity.JobDone, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := h.svc.ResolveVerificationJob(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected completed token to be gone, got %v", err)
	}
	if err := h.svc.CompleteVerificationJob(ctx, token, entity.JobDone, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected replay to be not found, got %v", err)
	}
}
