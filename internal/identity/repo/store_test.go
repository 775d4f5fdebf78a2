package repo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/dbtest"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
)

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewStore(dbtest.Open(t), zaptest.NewLogger(t).Sugar(), WithClock(clock.Now))
}

func TestUpsertIdentityInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 7, UsernameClean: "alice", Email: "alice@x.test"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first, err := s.GetIdentity(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != entity.StatusPartial || first.ShadowID != nil {
		t.Fatalf("expected partial row without shadow, got %+v", first)
	}

	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 7, UsernameClean: "alice", Email: "alice@x.test", ShadowID: entity.Int64(42)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	second, err := s.GetIdentity(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second.ShadowID == nil || *second.ShadowID != 42 || second.Status != entity.StatusLinked {
		t.Fatalf("expected linked row with shadow 42, got %+v", second)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on update: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected updated_at to advance: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestUpsertIdentityNeverClearsShadowID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 1, ShadowID: entity.Int64(9)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 1, Status: entity.StatusPartial}); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, err := s.GetIdentity(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.ShadowID == nil || *row.ShadowID != 9 {
		t.Fatalf("shadow id was cleared: %+v", row)
	}
}

func TestGetIdentityNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetIdentity(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSchemaHealsAfterDrop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.db.Exec(`DROP TABLE identity_map`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 2}); err != nil {
		t.Fatalf("expected store to recreate its table, got %v", err)
	}
	if _, err := s.GetIdentity(ctx, 2); err != nil {
		t.Fatalf("get after heal: %v", err)
	}
}

func TestConcurrentEnsureSchema(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureSchema(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
	}
}

func TestCacheVideoIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertIdentity(ctx, IdentityUpsert{AuthID: 3, ShadowID: entity.Int64(5)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.CacheVideoIDs(ctx, 3, entity.Int64(10), entity.Int64(11), entity.Int64(12)); err != nil {
		t.Fatalf("cache: %v", err)
	}
	if err := s.CacheVideoIDs(ctx, 3, nil, nil, nil); err != nil {
		t.Fatalf("cache nil: %v", err)
	}
	row, _ := s.GetIdentity(ctx, 3)
	if row.VideoUserID == nil || *row.VideoUserID != 10 || *row.VideoAccountID != 11 || *row.VideoActorID != 12 {
		t.Fatalf("unexpected video ids: %+v", row)
	}
}

func TestPlatformTokenReplaceOnWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	if err := s.StorePlatformToken(ctx, entity.TokenRecord{AuthID: 1, AccessToken: "sealed-a", RefreshToken: "sealed-r", ExpiresAt: &exp, Source: "password"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StorePlatformToken(ctx, entity.TokenRecord{AuthID: 1, AccessToken: "sealed-b", Source: "password"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	rec, err := s.GetPlatformToken(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AccessToken != "sealed-b" || rec.RefreshToken != "" || rec.ExpiresAt != nil {
		t.Fatalf("expected record to be replaced, got %+v", rec)
	}
	if err := s.ClearPlatformToken(ctx, 1); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec, _ = s.GetPlatformToken(ctx, 1)
	if rec.AccessToken != "" {
		t.Fatalf("expected cleared token, got %q", rec.AccessToken)
	}
	if _, err := s.GetPlatformToken(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditAppendAndSwallowFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.InsertAudit(ctx, "login", entity.Int64(1), entity.Int64(5), map[string]any{"created": true})
	s.InsertAudit(ctx, "logout", entity.Int64(1), nil, nil)

	entries, err := s.ListAudit(ctx, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "logout" || entries[1].Action != "login" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	var detail map[string]bool
	if err := json.Unmarshal(entries[1].Detail, &detail); err != nil || !detail["created"] {
		t.Fatalf("unexpected detail %s (%v)", entries[1].Detail, err)
	}

	// a closed database must not panic or propagate
	_ = s.db.Close()
	s.InsertAudit(ctx, "login", entity.Int64(1), nil, nil)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	token, err := s.CreateJob(ctx, 9, "email_verification", map[string]any{"email": "alice@x.test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := s.ResolveJob(ctx, token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if job.AuthID != 9 || job.Type != "email_verification" || job.Status != entity.JobPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["token"] != token || payload["email"] != "alice@x.test" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	due, err := s.ListDueJobs(ctx, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due job, got %d (%v)", len(due), err)
	}

	if err := s.CompleteJob(ctx, token, entity.JobPending, ""); !errors.Is(err, ErrInvalidJobStatus) {
		t.Fatalf("expected ErrInvalidJobStatus, got %v", err)
	}
	if err := s.CompleteJob(ctx, token, entity.JobDone, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.ResolveJob(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected completed token to be gone, got %v", err)
	}
	if err := s.CompleteJob(ctx, token, entity.JobDone, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected replayed completion to be not found, got %v", err)
	}
	if _, err := s.ResolveJob(ctx, "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown token, got %v", err)
	}
	due, _ = s.ListDueJobs(ctx, 10)
	if len(due) != 0 {
		t.Fatalf("expected no due jobs after completion, got %d", len(due))
	}
}
