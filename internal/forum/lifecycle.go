package forum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/repo"
	identity "github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
)

var (
	ErrTombstoned         = errors.New("forum user is tombstoned")
	ErrTransactionAborted = errors.New("tombstone transaction rolled back")
	ErrInvalidConfig      = errors.New("invalid forum lifecycle config")
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config controls where authored content lives and who inherits it.
type Config struct {
	AnonymousID    int64
	ContentColumns []repo.ContentColumn
	// PlaceholderDomain is used for scrambled tombstone emails.
	PlaceholderDomain string
}

// DefaultContentColumns are the ownership columns of the bundled forum schema.
func DefaultContentColumns() []repo.ContentColumn {
	return []repo.ContentColumn{
		{Table: "forum_posts", Column: "poster_id"},
		{Table: "forum_topics", Column: "first_poster_id"},
		{Table: "forum_topics", Column: "last_poster_id"},
		{Table: "forums", Column: "last_poster_id"},
	}
}

// ConfigFromEnv reads FORUM_ANONYMOUS_ID and FORUM_CONTENT_COLUMNS
// ("table.column,table.column").
func ConfigFromEnv() Config {
	cfg := Config{AnonymousID: 1, ContentColumns: DefaultContentColumns(), PlaceholderDomain: "deleted.invalid"}
	if v, err := strconv.ParseInt(os.Getenv("FORUM_ANONYMOUS_ID"), 10, 64); err == nil && v > 0 {
		cfg.AnonymousID = v
	}
	if raw := strings.TrimSpace(os.Getenv("FORUM_CONTENT_COLUMNS")); raw != "" {
		cols := []repo.ContentColumn{}
		for _, part := range strings.Split(raw, ",") {
			table, column, ok := strings.Cut(strings.TrimSpace(part), ".")
			if ok {
				cols = append(cols, repo.ContentColumn{Table: table, Column: column})
			}
		}
		cfg.ContentColumns = cols
	}
	return cfg
}

func (c Config) Validate() error {
	if c.AnonymousID <= 0 {
		return fmt.Errorf("%w: anonymous id must be positive", ErrInvalidConfig)
	}
	for _, col := range c.ContentColumns {
		if !identPattern.MatchString(col.Table) || !identPattern.MatchString(col.Column) {
			return fmt.Errorf("%w: bad content column %q.%q", ErrInvalidConfig, col.Table, col.Column)
		}
	}
	return nil
}

// Bookkeeper is the identity store surface the lifecycle manager writes to.
type Bookkeeper interface {
	SetStatus(ctx context.Context, authID int64, status identity.Status, lastError string) error
	GetIdentity(ctx context.Context, authID int64) (*identity.MapRow, error)
	ClearPlatformToken(ctx context.Context, authID int64) error
	ScrubIdentity(ctx context.Context, authID int64, usernameClean, email string) error
	InsertAudit(ctx context.Context, action string, authID, actorID *int64, detail any)
}

// Lifecycle deactivates, reactivates, anonymizes and tombstones forum accounts.
type Lifecycle struct {
	users  *repo.UserRepo
	books  Bookkeeper
	cfg    Config
	logger *zap.SugaredLogger
}

func NewLifecycle(users *repo.UserRepo, books Bookkeeper, cfg Config, logger *zap.SugaredLogger) (*Lifecycle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PlaceholderDomain == "" {
		cfg.PlaceholderDomain = "deleted.invalid"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Lifecycle{users: users, books: books, cfg: cfg, logger: logger}, nil
}

// Deactivate flips the inactive flag; the identity map row follows.
// Tombstoned users keep their reason.
func (l *Lifecycle) Deactivate(ctx context.Context, authID int64, actorID *int64) error {
	u, err := l.users.GetByID(ctx, authID)
	if err != nil {
		return err
	}
	if u.InactiveReason == entity.ReasonTombstoned {
		return ErrTombstoned
	}
	if err := l.users.SetInactive(ctx, authID, entity.ReasonDeactivated); err != nil {
		return err
	}
	if err := l.books.SetStatus(ctx, authID, identity.StatusDisabled, ""); err != nil {
		return fmt.Errorf("identity status: %w", err)
	}
	l.books.InsertAudit(ctx, "deactivate", &authID, actorID, nil)
	return nil
}

// Reactivate clears the inactive flag. Tombstoned users cannot come back.
func (l *Lifecycle) Reactivate(ctx context.Context, authID int64, actorID *int64) error {
	u, err := l.users.GetByID(ctx, authID)
	if err != nil {
		return err
	}
	if u.InactiveReason == entity.ReasonTombstoned {
		return ErrTombstoned
	}
	if err := l.users.ClearInactive(ctx, authID); err != nil {
		return err
	}
	status := identity.StatusPartial
	if row, err := l.books.GetIdentity(ctx, authID); err == nil && row.ShadowID != nil {
		status = identity.StatusLinked
	}
	if err := l.books.SetStatus(ctx, authID, status, ""); err != nil {
		return fmt.Errorf("identity status: %w", err)
	}
	l.books.InsertAudit(ctx, "reactivate", &authID, actorID, nil)
	return nil
}

// AnonymizeContent hands every authored row to the anonymous user without
// touching the account itself.
func (l *Lifecycle) AnonymizeContent(ctx context.Context, authID int64, actorID *int64) (int64, error) {
	if authID == l.cfg.AnonymousID {
		return 0, fmt.Errorf("%w: cannot anonymize the anonymous user", ErrInvalidConfig)
	}
	if _, err := l.users.GetByID(ctx, authID); err != nil {
		return 0, err
	}
	tx, err := l.users.DB().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := repo.ReassignContent(ctx, tx, l.cfg.ContentColumns, authID, l.cfg.AnonymousID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	l.books.InsertAudit(ctx, "anonymize", &authID, actorID, map[string]any{"rows": n})
	return n, nil
}

// TombstoneDelete reassigns content and scrambles credentials in one
// transaction. Any failure rolls back both halves.
func (l *Lifecycle) TombstoneDelete(ctx context.Context, authID int64, actorID *int64) error {
	if authID == l.cfg.AnonymousID {
		return fmt.Errorf("%w: cannot tombstone the anonymous user", ErrInvalidConfig)
	}
	if _, err := l.users.GetByID(ctx, authID); err != nil {
		return err
	}
	username, email, hash, err := l.placeholders(authID)
	if err != nil {
		return err
	}

	tx, err := l.users.DB().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransactionAborted, err)
	}
	defer tx.Rollback()

	rows, err := repo.ReassignContent(ctx, tx, l.cfg.ContentColumns, authID, l.cfg.AnonymousID)
	if err != nil {
		l.logger.Errorw("tombstone rolled back", "auth_id", authID, "stage", "reassign", "err", err)
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}
	if err := repo.Tombstone(ctx, tx, authID, username, email, hash); err != nil {
		l.logger.Errorw("tombstone rolled back", "auth_id", authID, "stage", "scramble", "err", err)
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransactionAborted, err)
	}

	if err := l.books.ClearPlatformToken(ctx, authID); err != nil {
		l.logger.Warnw("tombstone: clearing platform token failed", "auth_id", authID, "err", err)
	}
	// the forum row is already scrambled; a stale map row is only logged
	if err := l.books.ScrubIdentity(ctx, authID, entity.CleanUsername(username), email); err != nil {
		l.logger.Warnw("tombstone applied but identity map not scrubbed", "auth_id", authID, "err", err)
	}
	l.books.InsertAudit(ctx, "tombstone", &authID, actorID, map[string]any{"rows": rows})
	return nil
}

// placeholders returns scrambled credentials: the id keeps them unique, the
// random part keeps them unguessable.
func (l *Lifecycle) placeholders(authID int64) (username, email, hash string, err error) {
	nonce, err := credential.RandomSecret(6)
	if err != nil {
		return "", "", "", err
	}
	nonce = strings.ToLower(strings.NewReplacer("-", "x", "_", "y").Replace(nonce))
	secret, err := credential.RandomSecret(24)
	if err != nil {
		return "", "", "", err
	}
	username = fmt.Sprintf("deleted_user_%d_%s", authID, nonce)
	email = fmt.Sprintf("deleted_%d_%s@%s", authID, nonce, l.cfg.PlaceholderDomain)
	// no verifier recognises the "!" prefix, so this can never log in
	hash = "!tombstoned$" + secret
	return username, email, hash, nil
}
