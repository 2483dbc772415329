package identity

import (
	"context"

	"github.com/h44z/identity-store/internal/domain"
)

type AccountRepo interface {
	Create(ctx context.Context, account *domain.Account) error
	Update(ctx context.Context, account *domain.Account) error
	Delete(ctx context.Context, account *domain.Account) error

	FindById(ctx context.Context, id domain.AccountIdentifier) (*domain.Account, error)
	FindByName(ctx context.Context, userName string) (*domain.Account, error)
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindByLogin(ctx context.Context, provider, providerKey string) (*domain.Account, error)

	AddLogin(ctx context.Context, account *domain.Account, login domain.ExternalLogin) error
	RemoveLogin(ctx context.Context, account *domain.Account, provider, providerKey string) error
	AddClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error
	RemoveClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error
	AddToRole(ctx context.Context, account *domain.Account, roleName string) error
	RemoveFromRole(ctx context.Context, account *domain.Account, roleName string) error
	IsInRole(ctx context.Context, account *domain.Account, roleName string) (bool, error)

	IncrementAccessFailedCount(ctx context.Context, account *domain.Account) (int, error)
	ResetAccessFailedCount(ctx context.Context, account *domain.Account) error

	// RunInTx runs fn in one transaction of the unit of work the repo belongs to.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// AfterCommit defers fn until the enclosing transaction commits, or runs it right away without one.
	AfterCommit(ctx context.Context, fn func())
}

type RoleRepo interface {
	Create(ctx context.Context, role *domain.Role) error
	Delete(ctx context.Context, role *domain.Role) error
	FindByName(ctx context.Context, name string) (*domain.Role, error)
}
