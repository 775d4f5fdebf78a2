package host

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/identity-bridge/internal/credential"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host/entity"
	"github.com/ovaphlow/pitchfork/identity-bridge/internal/host/repo"
)

// Registry is the SQL-backed host application user registry.
type Registry struct {
	repo   *repo.AccountRepo
	hasher credential.PasswordHasher
}

func NewRegistry(db *sqlx.DB, r *repo.AccountRepo, hasher credential.PasswordHasher) *Registry {
	if r == nil {
		r = repo.NewAccountRepo(db)
	}
	if hasher == nil {
		hasher = credential.BcryptHasher{}
	}
	return &Registry{repo: r, hasher: hasher}
}

func (g *Registry) EnsureTable(ctx context.Context) error { return g.repo.EnsureTable(ctx) }

func (g *Registry) lookup(a *entity.Account, err error) (int64, bool, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return a.ID, true, nil
}

func (g *Registry) LookupByEmail(ctx context.Context, email string) (int64, bool, error) {
	if strings.TrimSpace(email) == "" {
		return 0, false, nil
	}
	return g.lookup(g.repo.GetByEmail(ctx, email))
}

func (g *Registry) LookupByLogin(ctx context.Context, login string) (int64, bool, error) {
	if strings.TrimSpace(login) == "" {
		return 0, false, nil
	}
	return g.lookup(g.repo.GetByLogin(ctx, login))
}

func (g *Registry) LoginExists(ctx context.Context, login string) (bool, error) {
	return g.repo.LoginExists(ctx, login)
}

func (g *Registry) EmailExists(ctx context.Context, email string) (bool, error) {
	return g.repo.EmailExists(ctx, email)
}

// CreateAccount hashes the password and inserts the account.
func (g *Registry) CreateAccount(ctx context.Context, in entity.NewAccount) (int64, error) {
	hash, err := g.hasher.Hash(in.Password)
	if err != nil {
		return 0, err
	}
	return g.repo.Create(ctx, &entity.Account{
		Login:         in.Login,
		Email:         in.Email,
		Role:          in.Role,
		PasswordHash:  hash,
		BridgeManaged: in.BridgeManaged,
	})
}

func (g *Registry) SetRole(ctx context.Context, id int64, role string) error {
	return g.repo.SetRole(ctx, id, role)
}

func (g *Registry) Get(ctx context.Context, id int64) (*entity.Account, error) {
	return g.repo.GetByID(ctx, id)
}

func (g *Registry) Count(ctx context.Context, managedOnly bool) (int, error) {
	return g.repo.Count(ctx, managedOnly)
}
