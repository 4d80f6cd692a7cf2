package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Role says which kind of process holds the connection pool.
type Role int

const (
	// RoleServer serves status polling, the dispatcher and the reaper.
	RoleServer Role = iota

	// RoleWorker runs one job at a time and writes only its own job record.
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "server"
}

// PoolLimits are the database/sql pool settings of one process.
type PoolLimits struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LimitsFor returns the pool limits for a role on the given dialect.
//
// SQLite serialises writers, so worker processes keep a single connection
// and rely on the busy timeout; PostgreSQL workers keep a second connection
// for the reads the pipeline does between status writes.
func LimitsFor(role Role, sqlite bool) PoolLimits {
	switch {
	case role == RoleWorker && sqlite:
		return PoolLimits{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxIdleTime: 30 * time.Second}
	case role == RoleWorker:
		return PoolLimits{MaxOpenConns: 2, MaxIdleConns: 1, ConnMaxLifetime: 10 * time.Minute, ConnMaxIdleTime: 30 * time.Second}
	case sqlite:
		return PoolLimits{MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxIdleTime: time.Minute}
	default:
		return PoolLimits{MaxOpenConns: 16, MaxIdleConns: 4, ConnMaxLifetime: 30 * time.Minute, ConnMaxIdleTime: 5 * time.Minute}
	}
}

// PoolOption overrides one pool limit.
type PoolOption interface {
	applyPool(*PoolLimits)
}

type poolOptionFunc func(*PoolLimits)

func (f poolOptionFunc) applyPool(l *PoolLimits) { f(l) }

// MaxOpenConns caps open connections. Values below 1 are ignored.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(l *PoolLimits) {
		if n > 0 {
			l.MaxOpenConns = n
		}
	})
}

// MaxIdleConns caps idle connections.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(l *PoolLimits) {
		l.MaxIdleConns = n
	})
}

// ConnMaxLifetime closes connections older than d; 0 keeps them forever.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(l *PoolLimits) {
		l.ConnMaxLifetime = d
	})
}

// ConnMaxIdleTime closes connections idle for longer than d.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(l *PoolLimits) {
		l.ConnMaxIdleTime = d
	})
}

// With returns l with opts applied. Idle connections never exceed open ones.
func (l PoolLimits) With(opts ...PoolOption) PoolLimits {
	for _, opt := range opts {
		opt.applyPool(&l)
	}
	if l.MaxIdleConns > l.MaxOpenConns {
		l.MaxIdleConns = l.MaxOpenConns
	}
	return l
}

// Apply sets the limits on the pool behind db.
func (l PoolLimits) Apply(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get underlying *sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(l.MaxOpenConns)
	sqlDB.SetMaxIdleConns(l.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(l.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(l.ConnMaxIdleTime)
	return nil
}
