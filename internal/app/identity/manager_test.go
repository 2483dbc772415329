package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h44z/identity-store/internal/adapters"
	"github.com/h44z/identity-store/internal/app"
	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

type mockBus struct {
	mu        sync.Mutex
	published []string
	payloads  []any
}

func (b *mockBus) Publish(topic string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, topic)
	if len(args) > 0 {
		b.payloads = append(b.payloads, args[0])
	}
}

func (b *mockBus) Close(_ string) {}

func (b *mockBus) Subscribe(_ string, _ any) error {
	return nil
}

func (b *mockBus) Unsubscribe(_ string, _ any) error {
	return nil
}

func (b *mockBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.published...)
}

type testEnv struct {
	manager *Manager
	bus     *mockBus
	now     time.Time
	repo    *adapters.SqlRepo
}

// fresh returns a manager working on a new session, so that all reads hit the database.
func (e *testEnv) fresh(t *testing.T, cfg config.IdentityConfig) *Manager {
	t.Helper()

	session := adapters.NewSession(e.repo.DB())
	m, err := NewManager(cfg, e.bus, adapters.NewAccountStore(session), adapters.NewRoleStore(session),
		WithPasswordHasher(NewBcryptHasher(4)),
		WithClock(func() time.Time { return e.now }))
	require.NoError(t, err)

	return m
}

func newTestEnv(t *testing.T, cfg config.IdentityConfig) *testEnv {
	t.Helper()

	db, err := adapters.NewDatabase(config.DatabaseConfig{
		Type: config.DatabaseSQLite,
		DSN:  "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	repo, err := adapters.NewSqlRepository(db)
	require.NoError(t, err)

	env := &testEnv{
		bus:  &mockBus{},
		now:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		repo: repo,
	}
	env.manager = env.fresh(t, cfg)

	return env
}

func testConfig() config.IdentityConfig {
	cfg := config.DefaultIdentityConfig()
	cfg.MaxFailedAccessAttempts = 3
	cfg.LockoutDuration = 10 * time.Minute
	cfg.TokenSecret = "test-secret"
	return cfg
}

func TestManager_Create(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	account := domain.NewAccount("alice")
	require.NoError(t, env.manager.Create(ctx, account, "secret-password"))
	assert.True(t, account.HasPassword())
	assert.NotEqual(t, "secret-password", account.GetPasswordHash())
	assert.True(t, account.GetLockoutEnabled())
	assert.NotEmpty(t, account.GetSecurityStamp())
	assert.Equal(t, []string{app.TopicAccountCreated}, env.bus.topics())

	found, err := env.fresh(t, testConfig()).FindByName(ctx, "ALICE")
	require.NoError(t, err)
	assert.True(t, env.manager.CheckPassword(found, "secret-password"))
	assert.False(t, env.manager.CheckPassword(found, "wrong-password"))

	weak := domain.NewAccount("bob")
	err = env.manager.Create(ctx, weak, "123")
	assert.ErrorIs(t, err, ErrPasswordTooWeak)
	assert.True(t, weak.IsTransient())

	withoutPassword := domain.NewAccount("carol")
	require.NoError(t, env.manager.Create(ctx, withoutPassword, ""))
	assert.False(t, withoutPassword.HasPassword())
	assert.False(t, env.manager.CheckPassword(withoutPassword, ""))
}

func TestManager_AccessFailed_LocksOnThreshold(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	account := domain.NewAccount("locked")
	require.NoError(t, env.manager.Create(ctx, account, "secret-password"))

	require.NoError(t, env.manager.AccessFailed(ctx, account))
	require.NoError(t, env.manager.AccessFailed(ctx, account))
	assert.False(t, env.manager.IsLockedOut(account))
	assert.Equal(t, 2, account.GetAccessFailedCount())

	require.NoError(t, env.manager.AccessFailed(ctx, account))
	assert.True(t, env.manager.IsLockedOut(account), "third failure locks the account")
	assert.Zero(t, account.GetAccessFailedCount(), "counter is reset on lockout")
	assert.Contains(t, env.bus.topics(), app.TopicAccountLockedOut)

	reloaded, err := env.fresh(t, testConfig()).FindById(ctx, account.Identifier)
	require.NoError(t, err)
	assert.True(t, env.manager.IsLockedOut(reloaded))
	assert.Zero(t, reloaded.GetAccessFailedCount())
	require.NotNil(t, reloaded.GetLockoutEnd())
	assert.True(t, reloaded.GetLockoutEnd().Equal(env.now.Add(10*time.Minute)))

	env.now = env.now.Add(11 * time.Minute)
	assert.False(t, env.manager.IsLockedOut(reloaded), "lockout expires")
}

type failingResetRepo struct {
	*adapters.AccountStore
}

func (failingResetRepo) ResetAccessFailedCount(_ context.Context, _ *domain.Account) error {
	return errors.New("reset failed")
}

func TestManager_AccessFailed_LockoutIsAtomic(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	session := adapters.NewSession(env.repo.DB())
	m, err := NewManager(testConfig(), env.bus, failingResetRepo{adapters.NewAccountStore(session)},
		adapters.NewRoleStore(session),
		WithPasswordHasher(NewBcryptHasher(4)),
		WithClock(func() time.Time { return env.now }))
	require.NoError(t, err)

	account := domain.NewAccount("half-locked")
	require.NoError(t, m.Create(ctx, account, "secret-password"))
	require.NoError(t, m.AccessFailed(ctx, account))
	require.NoError(t, m.AccessFailed(ctx, account))

	require.Error(t, m.AccessFailed(ctx, account))
	assert.Nil(t, account.GetLockoutEnd())
	assert.False(t, m.IsLockedOut(account))
	assert.Equal(t, 3, account.GetAccessFailedCount())
	assert.NotContains(t, env.bus.topics(), app.TopicAccountLockedOut)

	reloaded, err := env.fresh(t, testConfig()).FindById(ctx, account.Identifier)
	require.NoError(t, err)
	assert.Nil(t, reloaded.GetLockoutEnd(), "the lockout end is rolled back with the failed reset")
	assert.Equal(t, 3, reloaded.GetAccessFailedCount())

	assert.NoError(t, m.Update(ctx, account), "the in-memory account still matches the stored stamp")
}

func TestManager_EventsFollowCommit(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	session := adapters.NewSession(env.repo.DB())
	m, err := NewManager(testConfig(), env.bus, adapters.NewAccountStore(session), adapters.NewRoleStore(session),
		WithPasswordHasher(NewBcryptHasher(4)))
	require.NoError(t, err)

	errAbort := errors.New("abort")
	err = session.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, m.Create(ctx, domain.NewAccount("rolled-back"), "secret-password"))
		assert.Empty(t, env.bus.topics(), "events wait for the commit")
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	assert.Empty(t, env.bus.topics())

	_, err = env.fresh(t, testConfig()).FindByName(ctx, "rolled-back")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, session.RunInTx(ctx, func(ctx context.Context) error {
		return m.Create(ctx, domain.NewAccount("committed"), "secret-password")
	}))
	assert.Equal(t, []string{app.TopicAccountCreated}, env.bus.topics())
}

func TestManager_AccessFailed_LockoutDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.LockoutEnabledByDefault = false
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	account := domain.NewAccount("never-locked")
	require.NoError(t, env.manager.Create(ctx, account, "secret-password"))

	for range 5 {
		require.NoError(t, env.manager.AccessFailed(ctx, account))
	}
	assert.False(t, env.manager.IsLockedOut(account))
	assert.Equal(t, 5, account.GetAccessFailedCount())
}

func TestManager_PasswordSignIn(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()
	require.NoError(t, env.manager.Create(ctx, domain.NewAccount("signer"), "secret-password"))

	_, err := env.fresh(t, testConfig()).PasswordSignIn(ctx, "unknown", "secret-password")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = env.fresh(t, testConfig()).PasswordSignIn(ctx, "signer", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	account, err := env.fresh(t, testConfig()).PasswordSignIn(ctx, "SIGNER", "secret-password")
	require.NoError(t, err)
	assert.Zero(t, account.GetAccessFailedCount(), "successful sign in resets the counter")
	assert.Contains(t, env.bus.topics(), app.TopicAuthLogin)

	manager := env.fresh(t, testConfig())
	_, err = manager.PasswordSignIn(ctx, "signer", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	_, err = manager.PasswordSignIn(ctx, "signer", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidPassword)
	_, err = manager.PasswordSignIn(ctx, "signer", "wrong-password")
	assert.ErrorIs(t, err, ErrLockedOut)

	_, err = env.fresh(t, testConfig()).PasswordSignIn(ctx, "signer", "secret-password")
	assert.ErrorIs(t, err, ErrLockedOut, "correct password while locked out")

	env.now = env.now.Add(time.Hour)
	_, err = env.fresh(t, testConfig()).PasswordSignIn(ctx, "signer", "secret-password")
	assert.NoError(t, err)
}

func TestManager_Passwords(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	account := domain.NewAccount("changer")
	require.NoError(t, env.manager.Create(ctx, account, ""))

	require.NoError(t, env.manager.AddPassword(ctx, account, "first-password"))
	assert.ErrorIs(t, env.manager.AddPassword(ctx, account, "other-password"), domain.ErrValidation)

	stamp := account.GetSecurityStamp()
	assert.ErrorIs(t, env.manager.ChangePassword(ctx, account, "wrong", "second-password"), ErrInvalidPassword)
	require.NoError(t, env.manager.ChangePassword(ctx, account, "first-password", "second-password"))
	assert.NotEqual(t, stamp, account.GetSecurityStamp())
	assert.Contains(t, env.bus.topics(), app.TopicAccountPasswordChanged)

	reloaded, err := env.fresh(t, testConfig()).FindById(ctx, account.Identifier)
	require.NoError(t, err)
	assert.True(t, env.manager.CheckPassword(reloaded, "second-password"))

	require.NoError(t, env.manager.RemovePassword(ctx, account))
	reloaded, err = env.fresh(t, testConfig()).FindById(ctx, account.Identifier)
	require.NoError(t, err)
	assert.False(t, reloaded.HasPassword())
}

func TestManager_ResetPassword(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	account := domain.NewAccount("forgetful")
	account.SetEmail("forgetful@example.com")
	require.NoError(t, env.manager.Create(ctx, account, "old-password"))

	token, err := env.manager.GeneratePasswordResetToken(account)
	require.NoError(t, err)

	emailToken, err := env.manager.GenerateEmailConfirmationToken(account)
	require.NoError(t, err)
	assert.ErrorIs(t, env.manager.ResetPassword(ctx, account, emailToken, "new-password"), ErrInvalidToken,
		"tokens are bound to their purpose")

	require.NoError(t, env.manager.ResetPassword(ctx, account, token, "new-password"))
	assert.True(t, env.manager.CheckPassword(account, "new-password"))

	assert.ErrorIs(t, env.manager.ResetPassword(ctx, account, token, "third-password"), ErrInvalidToken,
		"the security stamp changed")
}

func TestManager_ConfirmEmail(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	account := domain.NewAccount("mailer")
	account.SetEmail("old@example.com")
	require.NoError(t, env.manager.Create(ctx, account, ""))

	staleToken, err := env.manager.GenerateEmailConfirmationToken(account)
	require.NoError(t, err)

	account.SetEmail("new@example.com")
	require.NoError(t, env.manager.Update(ctx, account))
	assert.ErrorIs(t, env.manager.ConfirmEmail(ctx, account, staleToken), ErrInvalidToken)

	token, err := env.manager.GenerateEmailConfirmationToken(account)
	require.NoError(t, err)
	require.NoError(t, env.manager.ConfirmEmail(ctx, account, token))

	reloaded, err := env.fresh(t, testConfig()).FindByEmail(ctx, "NEW@example.com")
	require.NoError(t, err)
	assert.True(t, reloaded.EmailConfirmed)
}

func TestManager_RolesAndDelete(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	_, err := env.manager.CreateRole(ctx, "ADM")
	require.NoError(t, err)

	account := domain.NewAccount("Lukz 04")
	require.NoError(t, env.manager.Create(ctx, account, ""))
	require.NoError(t, env.manager.AddToRole(ctx, account, "adm"))

	inRole, err := env.manager.IsInRole(ctx, account, "ADM")
	require.NoError(t, err)
	assert.True(t, inRole)

	require.NoError(t, env.manager.Delete(ctx, account))
	assert.Contains(t, env.bus.topics(), app.TopicAccountDeleted)

	fresh := env.fresh(t, testConfig())
	_, err = fresh.FindByName(ctx, "Lukz 04")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	survivor := domain.NewAccount("survivor")
	require.NoError(t, fresh.Create(ctx, survivor, ""))
	require.NoError(t, fresh.AddToRole(ctx, survivor, "ADM"), "the role still exists")

	require.NoError(t, fresh.DeleteRole(ctx, "adm"))
	_, err = env.fresh(t, testConfig()).FindById(ctx, survivor.Identifier)
	assert.NoError(t, err, "deleting a role keeps its members")
	assert.ErrorIs(t, fresh.DeleteRole(ctx, "adm"), domain.ErrNotFound)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFailedAccessAttempts = 0

	_, err := NewManager(cfg, &mockBus{}, nil, nil)
	assert.Error(t, err)
}
