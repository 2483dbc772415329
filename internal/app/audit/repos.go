package audit

import (
	"context"

	"github.com/h44z/identity-store/internal/domain"
)

type DatabaseRepo interface {
	SaveAuditEntry(ctx context.Context, entry *domain.AuditEntry) error
}

type ManagerDatabaseRepo interface {
	// GetAllAuditEntries retrieves all audit entries from the database.
	// The entries are ordered by timestamp, with the newest entries first.
	GetAllAuditEntries(ctx context.Context) ([]domain.AuditEntry, error)
	// GetAuditEntriesForSubject retrieves the audit trail of a single account, newest first.
	GetAuditEntriesForSubject(ctx context.Context, id domain.AccountIdentifier) ([]domain.AuditEntry, error)
}
