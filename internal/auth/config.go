package auth

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity"
)

// PeerGrantMethod selects how a video platform token is obtained at login.
type PeerGrantMethod string

const (
	GrantPassword PeerGrantMethod = "password"
	GrantDisabled PeerGrantMethod = "disabled"
)

// PeerFailPolicy decides what a failed token grant does to the login.
type PeerFailPolicy string

const (
	FailAllowLogin PeerFailPolicy = "allow_login"
	FailBlockLogin PeerFailPolicy = "block_login"
)

// Config is the orchestrator policy, validated once at construction.
type Config struct {
	MatchPolicy     identity.MatchPolicy
	ShadowRole      string
	PeerGrantMethod PeerGrantMethod
	PeerFailPolicy  PeerFailPolicy
	// RequireEmailVerification enqueues an email_verification job on register.
	RequireEmailVerification bool
	// VideoAutoRegister creates the platform account during registration.
	VideoAutoRegister bool
	LoginPrefix       string
	PlaceholderDomain string
	// AdminRoles are the host roles allowed to run account lifecycle
	// operations over HTTP.
	AdminRoles []string
}

func DefaultConfig() Config {
	return Config{
		MatchPolicy:       identity.MatchEmailThenUsername,
		ShadowRole:        "subscriber",
		PeerGrantMethod:   GrantPassword,
		PeerFailPolicy:    FailAllowLogin,
		LoginPrefix:       "forum",
		PlaceholderDomain: "users.invalid",
		AdminRoles:        []string{"administrator"},
	}
}

// ConfigFromEnv reads BRIDGE_* variables on top of DefaultConfig.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("BRIDGE_MATCH_POLICY")); v != "" {
		cfg.MatchPolicy = identity.MatchPolicy(v)
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_SHADOW_ROLE")); v != "" {
		cfg.ShadowRole = v
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_PEER_GRANT")); v != "" {
		cfg.PeerGrantMethod = PeerGrantMethod(v)
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_PEER_FAIL_POLICY")); v != "" {
		cfg.PeerFailPolicy = PeerFailPolicy(v)
	}
	if v, err := strconv.ParseBool(os.Getenv("BRIDGE_REQUIRE_EMAIL_VERIFICATION")); err == nil {
		cfg.RequireEmailVerification = v
	}
	if v, err := strconv.ParseBool(os.Getenv("BRIDGE_VIDEO_AUTO_REGISTER")); err == nil {
		cfg.VideoAutoRegister = v
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_LOGIN_PREFIX")); v != "" {
		cfg.LoginPrefix = v
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_PLACEHOLDER_DOMAIN")); v != "" {
		cfg.PlaceholderDomain = v
	}
	if v := strings.TrimSpace(os.Getenv("BRIDGE_ADMIN_ROLES")); v != "" {
		roles := []string{}
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		cfg.AdminRoles = roles
	}
	return cfg
}

// Validate rejects unknown enumerated values.
func (c Config) Validate() error {
	if !c.MatchPolicy.Valid() {
		return fmt.Errorf("unknown match policy %q", c.MatchPolicy)
	}
	switch c.PeerGrantMethod {
	case GrantPassword, GrantDisabled:
	default:
		return fmt.Errorf("unknown peer grant method %q", c.PeerGrantMethod)
	}
	switch c.PeerFailPolicy {
	case FailAllowLogin, FailBlockLogin:
	default:
		return fmt.Errorf("unknown peer fail policy %q", c.PeerFailPolicy)
	}
	if strings.TrimSpace(c.ShadowRole) == "" {
		return fmt.Errorf("shadow role is empty")
	}
	if identity.SanitizeLogin(c.LoginPrefix) != c.LoginPrefix || c.LoginPrefix == "" {
		return fmt.Errorf("login prefix %q is not a valid login", c.LoginPrefix)
	}
	return nil
}

func (c Config) resolverPolicy() identity.Policy {
	return identity.Policy{
		Match:             c.MatchPolicy,
		Role:              c.ShadowRole,
		LoginPrefix:       c.LoginPrefix,
		PlaceholderDomain: c.PlaceholderDomain,
	}
}
