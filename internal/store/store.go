package store

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"e2ee-session/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrConflict       = errors.New("record already exists")
)

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

type txKey struct{}

// WithTx runs fn in a transaction. Stores reached through tx, and any store
// call made with a context derived from the one passed to fn's accessors,
// join the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return conn(ctx, s.DB).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// RunInTx is WithTx for callers that only hold a context. Store methods
// called with the context passed to fn use the transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return conn(ctx, s.DB).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn returns the transaction carried by ctx, or db.
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

type Config struct {
	// DSN is a postgres:// URL or a sqlite path / URI.
	DSN    string
	LogSQL bool
}

func Open(cfg Config) (*gorm.DB, error) {
	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	gcfg := &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError: true,
	}
	if isPostgres(cfg.DSN) {
		return gorm.Open(postgres.Open(cfg.DSN), gcfg)
	}
	db, err := gorm.Open(sqlite.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func MigrateDirectory(db *gorm.DB) error {
	return db.AutoMigrate(domain.DirectoryModels()...)
}

func MigrateLocal(db *gorm.DB) error {
	return db.AutoMigrate(domain.LocalModels()...)
}
