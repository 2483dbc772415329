package audit

import (
	"context"
	"fmt"

	"github.com/h44z/identity-store/internal/domain"
)

type Manager struct {
	db ManagerDatabaseRepo
}

func NewManager(db ManagerDatabaseRepo) *Manager {
	return &Manager{db: db}
}

// GetAll returns the complete audit log. Only administrators may read it.
func (m *Manager) GetAll(ctx context.Context) ([]domain.AuditEntry, error) {
	if !domain.GetUserInfo(ctx).IsAdmin {
		return nil, domain.ErrNoPermission
	}

	entries, err := m.db.GetAllAuditEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	return entries, nil
}

// GetForAccount returns the audit trail of an account. Accounts may read their own trail.
func (m *Manager) GetForAccount(ctx context.Context, id domain.AccountIdentifier) ([]domain.AuditEntry, error) {
	currentUser := domain.GetUserInfo(ctx)
	if !currentUser.IsAdmin && currentUser.Id != id {
		return nil, domain.ErrNoPermission
	}

	entries, err := m.db.GetAuditEntriesForSubject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries of %s: %w", id, err)
	}

	return entries, nil
}
