package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

// SchemaVersion describes the current database schema version. It must be incremented if a manual migration is needed.
var SchemaVersion uint64 = 1

// SysStat stores the current database schema version and the timestamp when it was applied.
type SysStat struct {
	MigratedAt    time.Time `gorm:"column:migrated_at"`
	SchemaVersion uint64    `gorm:"primaryKey;column:schema_version"`
}

// GormLogger is a custom logger for Gorm, making it use slog
type GormLogger struct {
	SlowThreshold           time.Duration
	SourceField             string
	IgnoreErrRecordNotFound bool
	Debug                   bool
	Silent                  bool

	prefix string
}

func NewLogger(slowThreshold time.Duration, debug bool) *GormLogger {
	return &GormLogger{
		SlowThreshold:           slowThreshold,
		Debug:                   debug,
		IgnoreErrRecordNotFound: true,
		Silent:                  false,
		SourceField:             "src",
		prefix:                  "GORM-SQL: ",
	}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	if level == logger.Silent {
		l.Silent = true
	} else {
		l.Silent = false
	}
	return l
}

func (l *GormLogger) Info(ctx context.Context, s string, args ...any) {
	if l.Silent {
		return
	}
	slog.InfoContext(ctx, l.prefix+s, args...)
}

func (l *GormLogger) Warn(ctx context.Context, s string, args ...any) {
	if l.Silent {
		return
	}
	slog.WarnContext(ctx, l.prefix+s, args...)
}

func (l *GormLogger) Error(ctx context.Context, s string, args ...any) {
	if l.Silent {
		return
	}
	slog.ErrorContext(ctx, l.prefix+s, args...)
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	attrs := []any{
		"rows", rows,
		"duration", elapsed,
	}

	if l.SourceField != "" {
		attrs = append(attrs, l.SourceField, utils.FileWithLineNum())
	}

	// duplicate keys are reported to the caller as validation errors, no need to log them as failures
	if err != nil && !(errors.Is(err, gorm.ErrRecordNotFound) && l.IgnoreErrRecordNotFound) &&
		!errors.Is(err, gorm.ErrDuplicatedKey) {
		attrs = append(attrs, "error", err)
		slog.ErrorContext(ctx, l.prefix+sql, attrs...)
		return
	}

	if l.SlowThreshold != 0 && elapsed > l.SlowThreshold {
		slog.WarnContext(ctx, l.prefix+sql, attrs...)
		return
	}

	if l.Debug {
		slog.DebugContext(ctx, l.prefix+sql, attrs...)
	}
}

// NewDatabase creates a new database connection and returns a Gorm database instance.
// The encrypted column serializer is registered with the configured passphrase before the connection is opened.
func NewDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var gormDb *gorm.DB
	var err error

	RegisterEncryptedSerializer(cfg.EncryptionPassphrase)

	gormCfg := &gorm.Config{
		Logger:         NewLogger(cfg.SlowQueryThreshold, cfg.Debug),
		TranslateError: true,
	}

	switch cfg.Type {
	case config.DatabaseMySQL:
		gormDb, err = gorm.Open(mysql.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open MySQL database: %w", err)
		}

		sqlDB, _ := gormDb.DB()
		sqlDB.SetConnMaxLifetime(time.Minute * 5)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(10)
		err = sqlDB.Ping() // This DOES open a connection if necessary. This makes sure the database is accessible
		if err != nil {
			return nil, fmt.Errorf("failed to ping MySQL database: %w", err)
		}
	case config.DatabaseMsSQL:
		gormDb, err = gorm.Open(sqlserver.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlserver database: %w", err)
		}
	case config.DatabasePostgres:
		gormDb, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open Postgres database: %w", err)
		}
	case config.DatabaseSQLite:
		if !strings.Contains(cfg.DSN, "mode=memory") {
			if _, err = os.Stat(filepath.Dir(cfg.DSN)); os.IsNotExist(err) {
				if err = os.MkdirAll(filepath.Dir(cfg.DSN), 0700); err != nil {
					return nil, fmt.Errorf("failed to create database base directory: %w", err)
				}
			}
		}
		gormCfg.DisableForeignKeyConstraintWhenMigrating = true
		gormDb, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, _ := gormDb.DB()
		sqlDB.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	return gormDb, nil
}

// SqlRepo is a SQL database repository implementation.
// It owns the schema of the identity tables and persists audit entries.
// Currently, it supports MySQL, SQLite, Microsoft SQL and Postgresql database systems.
type SqlRepo struct {
	db *gorm.DB
}

// NewSqlRepository creates a new SqlRepo instance and migrates the schema.
func NewSqlRepository(db *gorm.DB) (*SqlRepo, error) {
	repo := &SqlRepo{
		db: db,
	}

	if err := repo.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := repo.preCheck(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return repo, nil
}

// DB returns the underlying connection, sessions are opened on it.
func (r *SqlRepo) DB() *gorm.DB {
	return r.db
}

// count returns the number of rows of the model, or -1 if the table can not be read.
func (r *SqlRepo) count(model any) int64 {
	var n int64
	if err := r.db.Model(model).Count(&n).Error; err != nil {
		slog.Warn("failed to count rows", "error", err)
		return -1
	}
	return n
}

// preCheck refuses to work with a schema that was written by a newer version.
func (r *SqlRepo) preCheck() error {
	var latest SysStat
	err := r.db.Order("schema_version desc").Limit(1).Find(&latest).Error
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if latest.SchemaVersion > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			latest.SchemaVersion, SchemaVersion)
	}

	return nil
}

func (r *SqlRepo) migrate() error {
	models := []struct {
		name  string
		model any
	}{
		{"sys-stat", &SysStat{}},
		{"account", &domain.Account{}},
		{"account claims", &domain.Claim{}},
		{"account logins", &domain.ExternalLogin{}},
		{"role", &domain.Role{}},
		{"account roles", &domain.AccountRole{}},
		{"audit data", &domain.AuditEntry{}},
	}

	for _, m := range models {
		if err := r.db.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		slog.Debug("migration completed", "model", m.name)
	}

	existingSysStat := SysStat{}
	r.db.Where("schema_version = ?", SchemaVersion).Limit(1).Find(&existingSysStat)
	if existingSysStat.SchemaVersion == 0 {
		sysStat := SysStat{
			MigratedAt:    time.Now(),
			SchemaVersion: SchemaVersion,
		}
		if err := r.db.Create(&sysStat).Error; err != nil {
			return fmt.Errorf("failed to write sysstat entry for schema version %d: %w", SchemaVersion, err)
		}
		slog.Debug("sys-stat entry written", "schema_version", SchemaVersion)
	}

	return nil
}

// region audit

// SaveAuditEntry saves the given audit entry.
func (r *SqlRepo) SaveAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	err := r.db.WithContext(ctx).Save(entry).Error
	if err != nil {
		return err
	}

	return nil
}

// GetAllAuditEntries retrieves all audit entries from the database.
// The entries are ordered by timestamp, with the newest entries first.
func (r *SqlRepo) GetAllAuditEntries(ctx context.Context) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	err := r.db.WithContext(ctx).Order("created_at desc, id desc").Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// GetAuditEntriesForSubject returns the audit trail of a single account, newest first.
func (r *SqlRepo) GetAuditEntriesForSubject(ctx context.Context, id domain.AccountIdentifier) (
	[]domain.AuditEntry,
	error,
) {
	var entries []domain.AuditEntry
	err := r.db.WithContext(ctx).Where("subject = ?", id).Order("created_at desc, id desc").Find(&entries).Error
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// endregion audit
