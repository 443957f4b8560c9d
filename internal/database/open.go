package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
	"github.com/Proton-105/points-ledger/internal/points"
	"github.com/Proton-105/points-ledger/internal/repository"
	"github.com/Proton-105/points-ledger/migrations"
	"github.com/Proton-105/points-ledger/pkg/config"
)

// Store bundles the opened store with the pool behind it. DB is nil for the
// in-memory driver.
type Store struct {
	points.Store
	DB      *sql.DB
	Dialect repository.Dialect
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Open connects to the configured database, pings it and applies the
// embedded migrations when AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	if cfg.Driver == "memory" {
		if log != nil {
			log.Warn("using in-memory store, balances are lost on restart")
		}
		return &Store{Store: repository.NewMemoryStore()}, nil
	}

	dialect, err := repository.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Name, err)
	}

	configurePool(db, dialect, cfg)

	err = apperrors.WithRetry(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			return apperrors.NewDatabaseError(err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect.Name, err)
	}

	if cfg.AutoMigrate {
		if err := NewMigrator(db, dialect, log).Apply(ctx, migrations.FS, dialect.Name); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	if log != nil {
		log.Info("database ready", slog.String("driver", dialect.Name))
	}

	return &Store{
		Store:   repository.NewSQLStore(db, dialect, log),
		DB:      db,
		Dialect: dialect,
	}, nil
}

func configurePool(db *sql.DB, dialect repository.Dialect, cfg config.DatabaseConfig) {
	if dialect.Name == repository.SQLite.Name {
		// one writer at a time; BEGIN IMMEDIATE queues the rest
		db.SetMaxOpenConns(1)
		return
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}
