package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"exchange_core/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and tunes the database.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// Storage is the gorm-backed repository for every ledger entity.
// A Storage bound to a transaction (see Transaction) must not be used after fn returns.
type Storage struct {
	db *gorm.DB
}

// Open connects, tunes the pool and migrates the schema.
func Open(opts Options) (*Storage, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}

	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, gormConfig(level))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows one writer: a single connection queues transactions.
	if opts.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	switch opts.Driver {
	case DriverPostgres:
		if opts.DSN == "" {
			return nil, errors.New("postgres DSN is required")
		}
		return postgres.Open(opts.DSN), nil
	case DriverSQLite, "":
		if dir := filepath.Dir(opts.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		return sqlite.Open(opts.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// gormConfig translates driver constraint errors into gorm.ErrDuplicatedKey.
func gormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	}
}

// activePositionIndex allows one OPEN or TERMINATING position per account, symbol and side.
// A row lock cannot guard a key that has no row yet.
const activePositionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_margin_positions_active
	ON margin_positions (account_id, symbol, side) WHERE status <> 'CLOSED'`

// New wraps an already opened gorm handle.
func New(db *gorm.DB) *Storage {
	return &Storage{db: db}
}

// Migrate creates or updates every table.
func (s *Storage) Migrate() error {
	if err := s.db.AutoMigrate(domain.Entities()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.db.Exec(activePositionIndex).Error; err != nil {
		return fmt.Errorf("failed to create position index: %w", err)
	}
	return nil
}

// DB exposes the underlying handle (tests, health checks).
func (s *Storage) DB() *gorm.DB {
	return s.db
}

// WithContext returns a Storage whose queries carry ctx.
func (s *Storage) WithContext(ctx context.Context) *Storage {
	return &Storage{db: s.db.WithContext(ctx)}
}

// Transaction runs fn inside one database transaction.
func (s *Storage) Transaction(ctx context.Context, fn func(tx *Storage) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Storage{db: tx})
	})
}

// Close releases the connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// locking adds FOR UPDATE where the dialect has row locks.
// SQLite serializes writers on its single connection instead.
func (s *Storage) locking() *gorm.DB {
	if s.db.Dialector.Name() == DriverPostgres {
		return s.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.db
}

func (s *Storage) query(lock bool) *gorm.DB {
	if lock {
		return s.locking()
	}
	return s.db
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
