package config

import "time"

type SupportedDatabase string

const (
	DatabaseMySQL    SupportedDatabase = "mysql"
	DatabaseMsSQL    SupportedDatabase = "mssql"
	DatabasePostgres SupportedDatabase = "postgres"
	DatabaseSQLite   SupportedDatabase = "sqlite"
)

type DatabaseConfig struct {
	// Debug enables logging of all database statements
	Debug bool `yaml:"debug" env:"IDS_DB_DEBUG"`
	// SlowQueryThreshold enables logging of slow queries which take longer than the specified duration
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"IDS_DB_SLOW_QUERY_THRESHOLD"` // 0 means no logging of slow queries
	// Type is the database type. Supported: mysql, mssql, postgres, sqlite
	Type SupportedDatabase `yaml:"type" env:"IDS_DB_TYPE"`
	// DSN is the database connection string.
	// For SQLite, it is the path to the database file.
	// For other databases, it is the connection string, see: https://gorm.io/docs/connecting_to_the_database.html
	DSN string `yaml:"dsn" env:"IDS_DB_DSN"`
	// EncryptionPassphrase enables at-rest encryption of sensitive columns (phone numbers).
	// Changing it later makes already encrypted values unreadable.
	EncryptionPassphrase string `yaml:"encryption_passphrase" env:"IDS_DB_ENCRYPTION_PASSPHRASE"`
}
