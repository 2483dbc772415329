package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h44z/identity-store/internal/domain"
)

func TestRoleStore_CreateAndFind(t *testing.T) {
	db := tempRepo(t).DB()
	ctx := context.Background()
	store := NewRoleStore(NewSession(db))

	role := domain.NewRole("Operators")
	require.NoError(t, store.Create(ctx, role))
	assert.False(t, role.IsTransient())
	assert.NotEmpty(t, role.ConcurrencyStamp)

	fresh := NewRoleStore(NewSession(db))
	byName, err := fresh.FindByName(ctx, "OPERATORS")
	require.NoError(t, err)
	assert.Equal(t, role.Identifier, byName.Identifier)

	byId, err := fresh.FindById(ctx, role.Identifier)
	require.NoError(t, err)
	assert.Same(t, byName, byId)

	_, err = fresh.FindByName(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = fresh.FindById(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRoleStore_Create_Validation(t *testing.T) {
	db := tempRepo(t).DB()
	ctx := context.Background()
	store := NewRoleStore(NewSession(db))

	var validationErr *domain.ValidationError
	require.ErrorAs(t, store.Create(ctx, domain.NewRole("")), &validationErr)
	assert.Equal(t, "Name", validationErr.Field)

	require.NoError(t, store.Create(ctx, domain.NewRole("admin")))

	duplicate := domain.NewRole("ADMIN")
	require.ErrorAs(t, store.Create(ctx, duplicate), &validationErr)
	assert.Equal(t, "Name", validationErr.Field)
	assert.True(t, duplicate.IsTransient())
}

func TestRoleStore_Update_RenamesTrackedMembers(t *testing.T) {
	db := tempRepo(t).DB()
	ctx := context.Background()
	mustCreateRole(t, db, "Staff")
	member := mustCreateAccount(t, db, "member")
	require.NoError(t, NewAccountStore(NewSession(db)).AddToRole(ctx, member, "staff"))

	session := NewSession(db)
	account, err := NewAccountStore(session).FindById(ctx, member.Identifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"Staff"}, account.Roles)

	roles := NewRoleStore(session)
	role, err := roles.FindByName(ctx, "staff")
	require.NoError(t, err)

	role.Name = "Employees"
	require.NoError(t, roles.Update(ctx, role))
	assert.Equal(t, "employees", role.NormalizedName)
	assert.Equal(t, []string{"Employees"}, account.Roles)

	inRole, err := NewAccountStore(NewSession(db)).IsInRole(ctx, account, "EMPLOYEES")
	require.NoError(t, err)
	assert.True(t, inRole)
}

func TestRoleStore_Update_Conflict(t *testing.T) {
	db := tempRepo(t).DB()
	ctx := context.Background()
	created := mustCreateRole(t, db, "Contended")

	first, err := NewRoleStore(NewSession(db)).FindById(ctx, created.Identifier)
	require.NoError(t, err)
	second, err := NewRoleStore(NewSession(db)).FindById(ctx, created.Identifier)
	require.NoError(t, err)

	second.Name = "Second"
	require.NoError(t, NewRoleStore(NewSession(db)).Update(ctx, second))

	first.Name = "First"
	assert.ErrorIs(t, NewRoleStore(NewSession(db)).Update(ctx, first), domain.ErrConflict)

	other := mustCreateRole(t, db, "Other")
	other.Name = "second"
	assert.ErrorIs(t, NewRoleStore(NewSession(db)).Update(ctx, other), domain.ErrValidation)
}

func TestRoleStore_Delete_KeepsAccounts(t *testing.T) {
	db := tempRepo(t).DB()
	ctx := context.Background()
	role := mustCreateRole(t, db, "Temporary")
	member := mustCreateAccount(t, db, "survivor")

	session := NewSession(db)
	accounts := NewAccountStore(session)
	account, err := accounts.FindById(ctx, member.Identifier)
	require.NoError(t, err)
	require.NoError(t, accounts.AddToRole(ctx, account, "temporary"))

	require.NoError(t, NewRoleStore(session).Delete(ctx, role))
	assert.Empty(t, account.Roles, "tracked members drop the role name")

	reloaded, err := NewAccountStore(NewSession(db)).FindById(ctx, member.Identifier)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Roles)
	assert.Zero(t, countRows(t, db, &domain.AccountRole{}, "role_identifier = ?", role.Identifier))

	_, err = NewRoleStore(NewSession(db)).FindByName(ctx, "temporary")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, NewRoleStore(NewSession(db)).Delete(ctx, role), domain.ErrNotFound)
}
