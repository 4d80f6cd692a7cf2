package storage

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenConfig controls how Open connects.
type OpenConfig struct {
	// LogLevel is the GORM logger level. Default: logger.Silent
	LogLevel logger.LogLevel

	// Role selects the pool limits. Default: RoleServer
	Role Role

	// Pool overrides individual limits of the role.
	Pool []PoolOption

	// Migrate runs schema migration after connecting.
	Migrate bool
}

// IsPostgresDSN reports whether dsn addresses a PostgreSQL server.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// sqliteDSN enables WAL and a busy timeout for file databases so worker
// processes and the server can write concurrently.
func sqliteDSN(dsn string) string {
	if isMemoryDSN(dsn) || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}

// Open connects to the database addressed by dsn and returns a configured storage.
// DSNs starting with postgres:// or postgresql:// use PostgreSQL, anything
// else is treated as a SQLite path.
func Open(ctx context.Context, dsn string, cfg OpenConfig) (*GormStorage, error) {
	level := cfg.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(level)}

	var db *gorm.DB
	var err error
	isSQLite := !IsPostgresDSN(dsn)
	if isSQLite {
		db, err = gorm.Open(sqlite.Open(sqliteDSN(dsn)), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	limits := LimitsFor(cfg.Role, isSQLite).With(cfg.Pool...)
	if isMemoryDSN(dsn) {
		// Each connection to an in-memory database is a separate database.
		limits = PoolLimits{MaxOpenConns: 1, MaxIdleConns: 1}
	}
	if err := limits.Apply(db); err != nil {
		return nil, err
	}
	s := NewGormStorage(db)
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
