// Package identity resolves forum users to shadow accounts in the host
// application's registry and keeps the identity map current.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host/entity"
	hostrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/host/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/utilities"
)

// MaxLoginSuffix bounds the `_N` collision suffixes tried for a new login.
const MaxLoginSuffix = 2000

const maxLoginLen = 60

var ErrResolutionExhausted = errors.New("identity: no unique shadow login available")

// MatchPolicy decides whether email or username is probed first.
type MatchPolicy string

const (
	MatchEmailThenUsername MatchPolicy = "email_then_username"
	MatchUsernameThenEmail MatchPolicy = "username_then_email"
)

func (m MatchPolicy) Valid() bool {
	return m == MatchEmailThenUsername || m == MatchUsernameThenEmail
}

// AuthUser is the slice of a forum user the resolver needs.
type AuthUser struct {
	ID            int64
	Username      string
	UsernameClean string
	Email         string
}

// Policy is the per-call resolution policy.
type Policy struct {
	Match             MatchPolicy
	Role              string
	LoginPrefix       string
	PlaceholderDomain string
}

func (p Policy) withDefaults() Policy {
	if !p.Match.Valid() {
		p.Match = MatchEmailThenUsername
	}
	if p.Role == "" {
		p.Role = "subscriber"
	}
	if p.LoginPrefix == "" {
		p.LoginPrefix = "forum"
	}
	if p.PlaceholderDomain == "" {
		p.PlaceholderDomain = "users.invalid"
	}
	return p
}

// HostRegistry is the host application's user registry.
type HostRegistry interface {
	LookupByEmail(ctx context.Context, email string) (int64, bool, error)
	LookupByLogin(ctx context.Context, login string) (int64, bool, error)
	LoginExists(ctx context.Context, login string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateAccount(ctx context.Context, in entity.NewAccount) (int64, error)
}

// Resolver finds or creates the shadow account for a forum user.
type Resolver struct {
	hosts  HostRegistry
	store  *repo.Store
	logger *zap.SugaredLogger
}

func NewResolver(hosts HostRegistry, store *repo.Store, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{hosts: hosts, store: store, logger: logger}
}

// EnsureShadowAccount returns the shadow id linked to u, creating the account
// when neither the identity map nor the registry knows one. The mapping is
// upserted on every path.
func (r *Resolver) EnsureShadowAccount(ctx context.Context, u AuthUser, p Policy) (int64, bool, error) {
	p = p.withDefaults()
	if u.UsernameClean == "" {
		u.UsernameClean = strings.ToLower(strings.TrimSpace(u.Username))
	}

	id, created, err := r.resolve(ctx, u, p)
	if err != nil {
		return 0, false, err
	}
	if err := r.link(ctx, u, id); err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (r *Resolver) resolve(ctx context.Context, u AuthUser, p Policy) (int64, bool, error) {
	row, err := r.store.GetIdentity(ctx, u.ID)
	switch {
	case err == nil && row.ShadowID != nil:
		return *row.ShadowID, false, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return 0, false, fmt.Errorf("read identity map: %w", err)
	}

	id, ok, err := r.match(ctx, u, p.Match)
	if err != nil {
		return 0, false, err
	}
	if ok {
		r.logger.Debugw("linked existing shadow account", "auth_id", u.ID, "shadow_id", id)
		return id, false, nil
	}
	return r.create(ctx, u, p)
}

// match probes the registry in policy order. First hit wins.
func (r *Resolver) match(ctx context.Context, u AuthUser, order MatchPolicy) (int64, bool, error) {
	byEmail := func() (int64, bool, error) { return r.hosts.LookupByEmail(ctx, u.Email) }
	byClean := func() (int64, bool, error) { return r.hosts.LookupByLogin(ctx, u.UsernameClean) }
	byRaw := func() (int64, bool, error) { return r.hosts.LookupByLogin(ctx, u.Username) }

	probes := []func() (int64, bool, error){byEmail, byClean, byRaw}
	if order == MatchUsernameThenEmail {
		probes = []func() (int64, bool, error){byClean, byRaw, byEmail}
	}
	for _, probe := range probes {
		id, ok, err := probe()
		if err != nil {
			return 0, false, fmt.Errorf("probe host registry: %w", err)
		}
		if ok {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (r *Resolver) create(ctx context.Context, u AuthUser, p Policy) (int64, bool, error) {
	base := SanitizeLogin(u.UsernameClean)
	if base == "" {
		base = SanitizeLogin(p.LoginPrefix + "_" + strconv.FormatInt(u.ID, 10))
	}
	email, err := r.pickEmail(ctx, u, p)
	if err != nil {
		return 0, false, err
	}
	password, err := credential.RandomSecret(32)
	if err != nil {
		return 0, false, err
	}

	for n := 0; n <= MaxLoginSuffix; n++ {
		login := candidate(base, n)
		taken, err := r.hosts.LoginExists(ctx, login)
		if err != nil {
			return 0, false, fmt.Errorf("probe host login: %w", err)
		}
		if taken {
			continue
		}
		id, err := r.hosts.CreateAccount(ctx, entity.NewAccount{
			Login:         login,
			Email:         email,
			Password:      password,
			Role:          p.Role,
			BridgeManaged: true,
		})
		if errors.Is(err, hostrepo.ErrDuplicate) {
			// lost a race; the winner may be our own concurrent first login
			if id, ok, err := r.match(ctx, u, p.Match); err != nil {
				return 0, false, err
			} else if ok {
				return id, false, nil
			}
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("create shadow account: %w", err)
		}
		r.logger.Infow("created shadow account", "auth_id", u.ID, "shadow_id", id, "login", login,
			"email", utilities.MaskEmail(email))
		return id, true, nil
	}
	r.logger.Errorw("shadow login candidates exhausted", "auth_id", u.ID, "base", base, "attempts", MaxLoginSuffix)
	return 0, false, fmt.Errorf("%w: base %q", ErrResolutionExhausted, base)
}

func (r *Resolver) pickEmail(ctx context.Context, u AuthUser, p Policy) (string, error) {
	if email := strings.TrimSpace(u.Email); email != "" {
		taken, err := r.hosts.EmailExists(ctx, email)
		if err != nil {
			return "", fmt.Errorf("probe host email: %w", err)
		}
		if !taken {
			return email, nil
		}
	}
	return PlaceholderEmail(p.LoginPrefix, u.ID, p.PlaceholderDomain), nil
}

func (r *Resolver) link(ctx context.Context, u AuthUser, shadowID int64) error {
	err := r.store.UpsertIdentity(ctx, repo.IdentityUpsert{
		AuthID:        u.ID,
		UsernameClean: u.UsernameClean,
		Email:         u.Email,
		ShadowID:      &shadowID,
	})
	if err != nil {
		return fmt.Errorf("upsert identity map: %w", err)
	}
	return nil
}

// SanitizeLogin reduces s to the registry login charset [a-z0-9_.-].
// Whitespace becomes an underscore, anything else outside the set is dropped.
func SanitizeLogin(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
			b.WriteRune(c)
		case c == ' ' || c == '\t':
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._-")
	if len(out) > maxLoginLen {
		out = out[:maxLoginLen]
	}
	return out
}

func candidate(base string, n int) string {
	if n == 0 {
		return base
	}
	suffix := "_" + strconv.Itoa(n)
	if len(base)+len(suffix) > maxLoginLen {
		base = base[:maxLoginLen-len(suffix)]
	}
	return base + suffix
}

// PlaceholderEmail is the deterministic address used when the forum email is
// empty or already owned by another registry account.
func PlaceholderEmail(prefix string, authID int64, domain string) string {
	return fmt.Sprintf("%s_%d@%s", prefix, authID, domain)
}
