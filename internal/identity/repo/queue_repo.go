package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/pkg/utilities"
)

var ErrInvalidJobStatus = errors.New("identity: job can only complete as done or failed")

const jobColumns = `j.id, j.auth_id, j.job_type, j.payload, j.status, j.attempts, j.next_run_at, j.last_error, j.created_at, j.updated_at`

// CreateJob enqueues a pending job and returns the opaque token that refers
// to it. The token is also embedded in the payload under "token" so the
// worker can build links with it.
func (s *Store) CreateJob(ctx context.Context, authID int64, jobType string, payload map[string]any) (string, error) {
	token := utilities.NewKSUID()
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["token"] = token
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("job payload: %w", err)
	}

	insertJob := s.db.Rebind(`INSERT INTO identity_jobs (auth_id, job_type, payload, status, attempts, next_run_at, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, '', ?, ?) RETURNING id`)
	insertToken := s.db.Rebind(`INSERT INTO identity_job_tokens (token, job_id) VALUES (?, ?)`)

	err = s.withSchema(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		now := s.timestamp()
		var id int64
		if err := tx.QueryRowxContext(ctx, insertJob, authID, jobType, string(raw), string(entity.JobPending), now, now, now).Scan(&id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertToken, token, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ResolveJob maps an opaque token to its job. Completed jobs are not found.
func (s *Store) ResolveJob(ctx context.Context, token string) (*entity.Job, error) {
	q := s.db.Rebind(`SELECT ` + jobColumns + `
FROM identity_job_tokens t JOIN identity_jobs j ON j.id = t.job_id
WHERE t.token = ?`)
	var job entity.Job
	err := s.withSchema(ctx, func() error {
		return s.db.GetContext(ctx, &job, q, token)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteJob marks the job done or failed and drops its token, so a replayed
// token afterwards looks exactly like one that never existed.
func (s *Store) CompleteJob(ctx context.Context, token string, status entity.JobStatus, lastError string) error {
	if status != entity.JobDone && status != entity.JobFailed {
		return ErrInvalidJobStatus
	}
	lookup := s.db.Rebind(`SELECT job_id FROM identity_job_tokens WHERE token = ?`)
	update := s.db.Rebind(`UPDATE identity_jobs SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`)
	drop := s.db.Rebind(`DELETE FROM identity_job_tokens WHERE token = ?`)

	return s.withSchema(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		var jobID int64
		if err := tx.GetContext(ctx, &jobID, lookup, token); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, update, string(status), lastError, s.timestamp(), jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, drop, token); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListDueJobs returns pending jobs whose next run time has passed, oldest first.
// It is the read side used by the external queue worker.
func (s *Store) ListDueJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.Rebind(`SELECT ` + jobColumns + ` FROM identity_jobs j
WHERE j.status = ? AND j.next_run_at <= ? ORDER BY j.next_run_at, j.id LIMIT ?`)
	var out []entity.Job
	err := s.withSchema(ctx, func() error {
		out = out[:0]
		return s.db.SelectContext(ctx, &out, q, string(entity.JobPending), s.timestamp(), limit)
	})
	return out, err
}
