package hoststore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSettingsTableName = "theatersync_settings"
	postgresSettingsKey       = "default"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the settings record as a single upserted row. It is
// the production primary: remote, shared across devices, and the one backend
// that can genuinely be unavailable.
type PostgresBackend struct {
	dsn         string
	tableName   string
	settingsKey string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:         dsn,
		tableName:   postgresSettingsTableName,
		settingsKey: postgresSettingsKey,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context) (json.RawMessage, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT record FROM %s WHERE settings_key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(opCtx, query, b.settingsKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	return json.RawMessage(payload), nil
}

func (b *PostgresBackend) Set(ctx context.Context, record json.RawMessage) error {
	if b == nil || record == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (settings_key, record, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (settings_key)
		DO UPDATE SET record = EXCLUDED.record, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(opCtx, query, b.settingsKey, string(record)); err != nil {
		return fmt.Errorf("%w: %v", ErrHostUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				settings_key TEXT PRIMARY KEY,
				record TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
