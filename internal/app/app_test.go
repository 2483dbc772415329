package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	evbus "github.com/vardius/message-bus"
	"gorm.io/gorm"

	"github.com/h44z/identity-store/internal/adapters"
	"github.com/h44z/identity-store/internal/app"
	"github.com/h44z/identity-store/internal/app/identity"
	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

func tempDb(t *testing.T) *gorm.DB {
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

	_, err = adapters.NewSqlRepository(db)
	require.NoError(t, err)

	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Core.AdminUser = "admin"
	cfg.Core.AdminPassword = "s3cret-admin"
	cfg.Core.AdminRole = "Administrator"
	cfg.Identity = config.DefaultIdentityConfig()
	cfg.Identity.BcryptCost = 4
	cfg.Database.Type = config.DatabaseSQLite
	cfg.Database.DSN = "unused"
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, db *gorm.DB) (*app.App, *identity.Manager) {
	t.Helper()

	bus := evbus.New(10)
	session := adapters.NewSession(db)
	manager, err := identity.NewManager(cfg.Identity, bus,
		adapters.NewAccountStore(session), adapters.NewRoleStore(session))
	require.NoError(t, err)

	a, err := app.New(cfg, bus, session, manager)
	require.NoError(t, err)

	return a, manager
}

func TestNew_CreatesAdministrator(t *testing.T) {
	db := tempDb(t)
	cfg := testConfig()
	newApp(t, cfg, db)

	_, manager := newApp(t, cfg, db) // second startup must be idempotent

	admin, err := manager.FindByName(context.Background(), "ADMIN")
	require.NoError(t, err)
	assert.True(t, manager.CheckPassword(admin, "s3cret-admin"))
	assert.Equal(t, []string{"Administrator"}, admin.Roles)

	var roles int64
	require.NoError(t, db.Model(&domain.Role{}).Count(&roles).Error)
	assert.Equal(t, int64(1), roles)
	var accounts int64
	require.NoError(t, db.Model(&domain.Account{}).Count(&accounts).Error)
	assert.Equal(t, int64(1), accounts)
}

func TestNew_AddsExistingAdminToRole(t *testing.T) {
	db := tempDb(t)
	cfg := testConfig()
	cfg.Core.AdminRole = ""
	newApp(t, cfg, db)

	cfg.Core.AdminRole = "Operators"
	_, manager := newApp(t, cfg, db)

	admin, err := manager.FindByName(context.Background(), "admin")
	require.NoError(t, err)
	isMember, err := manager.IsInRole(context.Background(), admin, "operators")
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestNew_NoAdministrator(t *testing.T) {
	db := tempDb(t)
	cfg := testConfig()
	cfg.Core.AdminUser = ""
	cfg.Core.AdminRole = ""
	newApp(t, cfg, db)

	var accounts int64
	require.NoError(t, db.Model(&domain.Account{}).Count(&accounts).Error)
	assert.Zero(t, accounts)
}

func TestNew_ClearsBootstrapSession(t *testing.T) {
	db := tempDb(t)
	_, manager := newApp(t, testConfig(), db)

	require.NoError(t, db.Model(&domain.Account{}).Where("normalized_user_name = ?", "ADMIN").
		Update("email", "ops@example.com").Error)

	admin, err := manager.FindByName(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", admin.Email, "lookups after startup read the database")
}

type recordingJob struct {
	started bool
}

func (j *recordingJob) StartBackgroundJobs(_ context.Context) {
	j.started = true
}

func TestApp_Startup(t *testing.T) {
	db := tempDb(t)
	cfg := testConfig()
	bus := evbus.New(10)
	session := adapters.NewSession(db)
	manager, err := identity.NewManager(cfg.Identity, bus,
		adapters.NewAccountStore(session), adapters.NewRoleStore(session))
	require.NoError(t, err)

	job := &recordingJob{}
	a, err := app.New(cfg, bus, session, manager, job)
	require.NoError(t, err)

	require.NoError(t, a.Startup(context.Background()))
	assert.True(t, job.started)
}

func TestHandleProgramArgs(t *testing.T) {
	cfg := testConfig()
	out := &bytes.Buffer{}

	exit, err := app.HandleProgramArgs(cfg, out, nil)
	require.NoError(t, err)
	assert.False(t, exit)

	exit, err = app.HandleProgramArgs(cfg, out, []string{"-version"})
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Equal(t, app.Version+"\n", out.String())

	out.Reset()
	exit, err = app.HandleProgramArgs(cfg, out, []string{"-check-config"})
	require.NoError(t, err)
	assert.True(t, exit)
	assert.Contains(t, out.String(), "configuration ok")

	cfg.Database.Type = "oracle"
	exit, err = app.HandleProgramArgs(cfg, out, []string{"-check-config"})
	assert.True(t, exit)
	assert.Error(t, err)

	exit, err = app.HandleProgramArgs(cfg, out, []string{"-unknown"})
	assert.True(t, exit)
	assert.Error(t, err)
}
