package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h44z/identity-store/internal/domain"
)

type mockManagerRepo struct {
	entries []domain.AuditEntry
}

func (r *mockManagerRepo) GetAllAuditEntries(_ context.Context) ([]domain.AuditEntry, error) {
	return r.entries, nil
}

func (r *mockManagerRepo) GetAuditEntriesForSubject(_ context.Context, id domain.AccountIdentifier) (
	[]domain.AuditEntry,
	error,
) {
	var result []domain.AuditEntry
	for _, entry := range r.entries {
		if entry.Subject == id {
			result = append(result, entry)
		}
	}
	return result, nil
}

func TestManager_Permissions(t *testing.T) {
	m := NewManager(&mockManagerRepo{entries: []domain.AuditEntry{
		{Subject: "acc-1", Message: "first"},
		{Subject: "acc-2", Message: "second"},
	}})

	adminCtx := domain.SetUserInfo(context.Background(), domain.SystemAdminContextUserInfo())
	userCtx := domain.SetUserInfo(context.Background(), &domain.ContextUserInfo{Id: "acc-1"})

	all, err := m.GetAll(adminCtx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m.GetAll(userCtx)
	assert.ErrorIs(t, err, domain.ErrNoPermission)

	own, err := m.GetForAccount(userCtx, "acc-1")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "first", own[0].Message)

	_, err = m.GetForAccount(userCtx, "acc-2")
	assert.ErrorIs(t, err, domain.ErrNoPermission)

	other, err := m.GetForAccount(adminCtx, "acc-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)

	_, err = m.GetForAccount(context.Background(), "acc-1")
	assert.ErrorIs(t, err, domain.ErrNoPermission)
}
