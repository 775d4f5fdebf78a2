package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/forum"
	forumrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/forum/repo"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/entity"
	identityrepo "github.com/ovaphlow/pitchfork/identity-bridge/internal/identity/repo"
)

func lifecycleError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, forumrepo.ErrNotFound):
		return newError(KindNotFound, op, err)
	case errors.Is(err, forum.ErrTombstoned), errors.Is(err, forum.ErrInvalidConfig):
		return newError(KindInvalidInput, op, err)
	case errors.Is(err, forum.ErrTransactionAborted):
		return newError(KindTransactionAborted, op, err)
	default:
		return newError(KindStorageFailure, op, err)
	}
}

func (s *Service) lifecycle() (*forum.Lifecycle, error) {
	if s.Lifecycle == nil {
		return nil, errors.New("account lifecycle not configured")
	}
	return s.Lifecycle, nil
}

// endSessions revokes the host sessions of the user's shadow account.
func (s *Service) endSessions(ctx context.Context, authID int64) {
	row, err := s.Store.GetIdentity(ctx, authID)
	if err != nil || row.ShadowID == nil {
		return
	}
	if n, err := s.Sessions.InvalidateShadow(ctx, *row.ShadowID); err != nil {
		s.logger.Warnw("revoking shadow sessions failed", "auth_id", authID, "err", err)
	} else if n > 0 {
		s.logger.Infow("revoked shadow sessions", "auth_id", authID, "count", n)
	}
}

func (s *Service) Deactivate(ctx context.Context, authID int64, actorID *int64) error {
	const op = "auth.Deactivate"
	lc, err := s.lifecycle()
	if err != nil {
		return newError(KindConfigMissing, op, err)
	}
	err = lc.Deactivate(ctx, authID, actorID)
	s.Metrics.lifecycle("deactivate", err)
	if err == nil {
		s.endSessions(ctx, authID)
	}
	return lifecycleError(op, err)
}

func (s *Service) Reactivate(ctx context.Context, authID int64, actorID *int64) error {
	const op = "auth.Reactivate"
	lc, err := s.lifecycle()
	if err != nil {
		return newError(KindConfigMissing, op, err)
	}
	err = lc.Reactivate(ctx, authID, actorID)
	s.Metrics.lifecycle("reactivate", err)
	return lifecycleError(op, err)
}

// AnonymizeContent returns the number of content rows handed to the anonymous user.
func (s *Service) AnonymizeContent(ctx context.Context, authID int64, actorID *int64) (int64, error) {
	const op = "auth.AnonymizeContent"
	lc, err := s.lifecycle()
	if err != nil {
		return 0, newError(KindConfigMissing, op, err)
	}
	n, err := lc.AnonymizeContent(ctx, authID, actorID)
	s.Metrics.lifecycle("anonymize", err)
	return n, lifecycleError(op, err)
}

func (s *Service) TombstoneDelete(ctx context.Context, authID int64, actorID *int64) error {
	const op = "auth.TombstoneDelete"
	lc, err := s.lifecycle()
	if err != nil {
		return newError(KindConfigMissing, op, err)
	}
	err = lc.TombstoneDelete(ctx, authID, actorID)
	s.Metrics.lifecycle("tombstone", err)
	if err == nil {
		s.endSessions(ctx, authID)
	}
	return lifecycleError(op, err)
}

// CreateVerificationJob enqueues a job and returns its opaque token.
func (s *Service) CreateVerificationJob(ctx context.Context, authID int64, jobType string, payload map[string]any) (string, error) {
	const op = "auth.CreateVerificationJob"
	jobType = strings.TrimSpace(jobType)
	if authID <= 0 || jobType == "" {
		return "", newError(KindInvalidInput, op, errors.New("auth id and job type are required"))
	}
	token, err := s.Store.CreateJob(ctx, authID, jobType, payload)
	if err != nil {
		return "", newError(KindStorageFailure, op, err)
	}
	s.Store.InsertAudit(ctx, "job_created", &authID, nil, map[string]any{"type": jobType})
	return token, nil
}

// ResolveVerificationJob looks a job up by token. Completed jobs are not found.
func (s *Service) ResolveVerificationJob(ctx context.Context, token string) (*entity.Job, error) {
	const op = "auth.ResolveVerificationJob"
	if strings.TrimSpace(token) == "" {
		return nil, newError(KindNotFound, op, nil)
	}
	job, err := s.Store.ResolveJob(ctx, token)
	if errors.Is(err, identityrepo.ErrNotFound) {
		return nil, newError(KindNotFound, op, nil)
	}
	if err != nil {
		return nil, newError(KindStorageFailure, op, err)
	}
	return job, nil
}

// CompleteVerificationJob marks the job done or failed and retires its token.
func (s *Service) CompleteVerificationJob(ctx context.Context, token string, status entity.JobStatus, lastError string) error {
	const op = "auth.CompleteVerificationJob"
	err := s.Store.CompleteJob(ctx, token, status, lastError)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identityrepo.ErrNotFound):
		return newError(KindNotFound, op, nil)
	case errors.Is(err, identityrepo.ErrInvalidJobStatus):
		return newError(KindInvalidInput, op, err)
	default:
		return newError(KindStorageFailure, op, err)
	}
}

// DueJobs lists pending jobs for the external queue worker.
func (s *Service) DueJobs(ctx context.Context, limit int) ([]entity.Job, error) {
	jobs, err := s.Store.ListDueJobs(ctx, limit)
	if err != nil {
		return nil, newError(KindStorageFailure, "auth.DueJobs", err)
	}
	return jobs, nil
}
