package app

import (
	"context"

	"github.com/h44z/identity-store/internal/domain"
)

// UnitOfWork runs fn inside a single database transaction, all store calls made with the passed context join it.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Clear evicts everything the unit of work tracked.
	Clear()
}

// AccountManager is the subset of the identity workflows needed to bootstrap the store.
type AccountManager interface {
	Create(ctx context.Context, account *domain.Account, password string) error
	FindByName(ctx context.Context, userName string) (*domain.Account, error)
	FindRole(ctx context.Context, name string) (*domain.Role, error)
	CreateRole(ctx context.Context, name string) (*domain.Role, error)
	AddToRole(ctx context.Context, account *domain.Account, roleName string) error
	IsInRole(ctx context.Context, account *domain.Account, roleName string) (bool, error)
}

type BackgroundJobRunner interface {
	StartBackgroundJobs(ctx context.Context)
}
