// Package app wires the identity bridge together. Every collaborator is built
// here from explicit config; nothing below reads the environment on its own.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/auth"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum"
	forumrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity"
	identityrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/session"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/vault"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/video"
)

type Config struct {
	Auth    auth.Config
	Session session.Config
	Video   video.Config
	Forum   forum.Config
	// AuthKey and SecureAuthKey are the host secrets the token vault key is derived from.
	AuthKey       string
	SecureAuthKey string
}

func ConfigFromEnv() Config {
	return Config{
		Auth:          auth.ConfigFromEnv(),
		Session:       session.ConfigFromEnv(),
		Video:         video.ConfigFromEnv(),
		Forum:         forum.ConfigFromEnv(),
		AuthKey:       os.Getenv("BRIDGE_AUTH_KEY"),
		SecureAuthKey: os.Getenv("BRIDGE_SECURE_AUTH_KEY"),
	}
}

type options struct {
	registerer prometheus.Registerer
	httpClient video.HTTPDoer
	hasher     credential.PasswordHasher
}

type Option func(*options)

// WithRegisterer sets where metrics are registered. Defaults to the global registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

func WithHTTPClient(c video.HTTPDoer) Option { return func(o *options) { o.httpClient = c } }

func WithHasher(h credential.PasswordHasher) Option { return func(o *options) { o.hasher = h } }

// App holds the wired components.
type App struct {
	DB       *sqlx.DB
	Auth     *auth.Service
	Handler  *auth.Handler
	Sessions *session.Service
	Store    *identityrepo.Store
	Hosts    *host.Registry
	Users    *forumrepo.UserRepo
	Video    *video.Bridge
	logger   *zap.SugaredLogger
}

func New(db *sqlx.DB, cfg Config, logger *zap.SugaredLogger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	o := options{hasher: credential.BcryptHasher{}}
	for _, opt := range opts {
		opt(&o)
	}

	users := forumrepo.NewUserRepo(db)
	store := identityrepo.NewStore(db, logger.Named("identity"))
	hosts := host.NewRegistry(db, nil, o.hasher)

	if cfg.AuthKey == "" || cfg.SecureAuthKey == "" {
		logger.Warnw("BRIDGE_AUTH_KEY or BRIDGE_SECURE_AUTH_KEY not set, platform tokens use a weak key")
	}
	sealer := vault.New(cfg.AuthKey, cfg.SecureAuthKey)

	sessions, err := session.NewService(db, cfg.Session, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}
	lifecycle, err := forum.NewLifecycle(users, store, cfg.Forum, logger.Named("forum"))
	if err != nil {
		return nil, fmt.Errorf("forum lifecycle: %w", err)
	}
	metrics, err := auth.NewMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	deps := auth.Deps{
		Users:     users,
		Verifier:  credential.DefaultChain(),
		Hasher:    o.hasher,
		Resolver:  identity.NewResolver(hosts, store, logger.Named("resolver")),
		Store:     store,
		Vault:     sealer,
		Sessions:  sessions,
		Lifecycle: lifecycle,
		Metrics:   metrics,
		Logger:    logger.Named("auth"),
	}

	// only a configured bridge goes into Deps; a nil *Bridge would be a non-nil interface
	bridge, err := newBridge(cfg, o, logger)
	if err != nil {
		return nil, err
	}
	if bridge != nil {
		deps.Video = bridge
	}

	svc, err := auth.New(cfg.Auth, deps)
	if err != nil {
		return nil, err
	}
	return &App{
		DB:       db,
		Auth:     svc,
		Handler:  auth.NewHandler(svc, sessions, hosts, logger.Named("http")),
		Sessions: sessions,
		Store:    store,
		Hosts:    hosts,
		Users:    users,
		Video:    bridge,
		logger:   logger,
	}, nil
}

func newBridge(cfg Config, o options, logger *zap.SugaredLogger) (*video.Bridge, error) {
	bopts := []video.Option{video.WithLogger(logger.Named("video"))}
	if o.httpClient != nil {
		bopts = append(bopts, video.WithHTTPClient(o.httpClient))
	}
	bridge, err := video.New(cfg.Video, bopts...)
	if errors.Is(err, video.ErrConfigMissing) && cfg.Video.PublicURL == "" {
		if cfg.Auth.PeerGrantMethod == auth.GrantPassword || cfg.Auth.VideoAutoRegister {
			logger.Warnw("VIDEO_PUBLIC_URL not set")
		}
		// auth.New rejects a password grant without a platform
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("video bridge: %w", err)
	}
	return bridge, nil
}

// Provision creates every table the bridge owns. The forum tables are only
// created when missing, so pointing at a live forum database is safe.
func (a *App) Provision(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"forum", a.Users.EnsureTable},
		{"host", a.Hosts.EnsureTable},
		{"identity", a.Store.EnsureSchema},
		{"session", a.Sessions.EnsureTable},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("provision %s tables: %w", step.name, err)
		}
	}
	a.logger.Infow("schema provisioned")
	return nil
}
