package repo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/database"
)

// schemaLockKey is the pg advisory lock id guarding DDL ("idbridge" in ascii).
const schemaLockKey int64 = 0x6964627269646765

// Store is the identity store: identity map, sealed platform tokens, audit
// log and deferred jobs. Every method provisions its tables on first use and
// once more after an undefined-table error, so a skipped migration heals itself.
type Store struct {
	db     *sqlx.DB
	logger *zap.SugaredLogger
	now    func() time.Time

	schemaMu sync.Mutex
	ready    atomic.Bool
}

type Option func(*Store)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *sqlx.DB, logger *zap.SugaredLogger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() time.Time { return s.now().UTC() }

func (s *Store) postgres() bool { return s.db.DriverName() == database.DriverPostgres }

// EnsureSchema creates the backing tables if they do not exist (idempotent).
// Concurrent callers in this process wait on a mutex and skip once ready;
// other processes are serialized by a transaction-scoped advisory lock.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("identity schema: begin: %w", err)
	}
	defer tx.Rollback()

	if s.postgres() {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
			return fmt.Errorf("identity schema: advisory lock: %w", err)
		}
	}
	for _, stmt := range s.ddl() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("identity schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("identity schema: commit: %w", err)
	}
	s.ready.Store(true)
	s.logger.Debugw("identity schema ready", "driver", s.db.DriverName())
	return nil
}

// withSchema runs fn after provisioning, and re-provisions once if fn hit a missing table.
func (s *Store) withSchema(ctx context.Context, fn func() error) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	err := fn()
	if !database.IsUndefinedTable(err) {
		return err
	}
	s.logger.Warnw("identity table missing, recreating", "err", err)
	s.ready.Store(false)
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn()
}

func (s *Store) ddl() []string {
	serial, ts, jsonType := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP", "TEXT"
	if s.postgres() {
		serial, ts, jsonType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ", "JSONB"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS identity_map (
  auth_id BIGINT PRIMARY KEY,
  username_clean TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  shadow_id BIGINT,
  video_user_id BIGINT,
  video_account_id BIGINT,
  video_actor_id BIGINT,
  status VARCHAR(16) NOT NULL DEFAULT 'partial',
  created_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL,
  last_error TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_map_shadow_id ON identity_map (shadow_id)`,
		`CREATE TABLE IF NOT EXISTS identity_tokens (
  auth_id BIGINT PRIMARY KEY,
  access_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  expires_at ` + ts + `,
  scope TEXT NOT NULL DEFAULT '',
  source VARCHAR(32) NOT NULL DEFAULT '',
  updated_at ` + ts + ` NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS identity_audit (
  id ` + serial + `,
  action VARCHAR(64) NOT NULL,
  auth_id BIGINT,
  actor_id BIGINT,
  detail ` + jsonType + `,
  created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_audit_auth_id ON identity_audit (auth_id)`,
		`CREATE TABLE IF NOT EXISTS identity_jobs (
  id ` + serial + `,
  auth_id BIGINT NOT NULL,
  job_type VARCHAR(64) NOT NULL,
  payload ` + jsonType + `,
  status VARCHAR(16) NOT NULL DEFAULT 'pending',
  attempts INT NOT NULL DEFAULT 0,
  next_run_at ` + ts + ` NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  created_at ` + ts + ` NOT NULL,
  updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_identity_jobs_status_next_run ON identity_jobs (status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS identity_job_tokens (
  token VARCHAR(64) PRIMARY KEY,
  job_id BIGINT NOT NULL
)`,
	}
}
