package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	evbus "github.com/vardius/message-bus"

	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

const defaultStartupTimeout = 30 * time.Second

type App struct {
	Config *config.Config
	bus    evbus.MessageBus

	uow      UnitOfWork
	accounts AccountManager
	jobs     []BackgroundJobRunner
}

// New wires the application and seeds the default administrator role and account.
// The account manager must operate on the same session as uow.
func New(
	cfg *config.Config,
	bus evbus.MessageBus,
	uow UnitOfWork,
	accounts AccountManager,
	jobs ...BackgroundJobRunner,
) (*App, error) {
	a := &App{
		Config: cfg,
		bus:    bus,

		uow:      uow,
		accounts: accounts,
		jobs:     jobs,
	}

	timeout := cfg.Advanced.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	startupContext, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Switch to admin user context
	startupContext = domain.SetUserInfo(startupContext, domain.SystemAdminContextUserInfo())

	err := a.uow.RunInTx(startupContext, func(ctx context.Context) error {
		if err := a.createDefaultRole(ctx); err != nil {
			return fmt.Errorf("failed to create default role: %w", err)
		}
		if err := a.createDefaultUser(ctx); err != nil {
			return fmt.Errorf("failed to create default user: %w", err)
		}
		return nil
	})
	a.uow.Clear() // the bootstrap is a unit of work of its own
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) Startup(ctx context.Context) error {
	for _, job := range a.jobs {
		job.StartBackgroundJobs(ctx)
	}

	return nil
}

func (a *App) createDefaultRole(ctx context.Context) error {
	roleName := a.Config.Core.AdminRole
	if roleName == "" {
		slog.Debug("skipping default role creation - admin role is blank")
		return nil
	}

	_, err := a.accounts.FindRole(ctx, roleName)
	if err == nil {
		slog.Debug("skipping default role creation - role already exists", "role", roleName)
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if _, err := a.accounts.CreateRole(ctx, roleName); err != nil {
		return err
	}

	slog.Info("admin role created", "role", roleName)

	return nil
}

func (a *App) createDefaultUser(ctx context.Context) error {
	userName := a.Config.Core.AdminUser
	if userName == "" {
		slog.Debug("skipping default user creation - admin user is blank")
		return nil // empty admin user - do not create
	}

	admin, err := a.accounts.FindByName(ctx, userName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		admin = domain.NewAccount(userName)
		if err := a.accounts.Create(ctx, admin, a.Config.Core.AdminPassword); err != nil {
			return err
		}
		slog.Info("admin user created", "user", userName, "id", admin.Identifier)
	case err != nil:
		return err
	}

	return a.ensureAdminRole(ctx, admin)
}

func (a *App) ensureAdminRole(ctx context.Context, admin *domain.Account) error {
	roleName := a.Config.Core.AdminRole
	if roleName == "" {
		return nil
	}

	isMember, err := a.accounts.IsInRole(ctx, admin, roleName)
	if err != nil {
		return err
	}
	if isMember {
		return nil
	}

	return a.accounts.AddToRole(ctx, admin, roleName)
}
