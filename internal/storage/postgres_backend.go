package storage

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

	"github.com/philpoore/contentstack-express/internal/content"
)

const (
	postgresCollectionsTableName = "contentsync_collections"
	postgresOperationTimeout     = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores each collection as one JSON row keyed by (locale, content_type).
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, content.E(content.KindValidation, "postgres backend", "dsn is required")
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresCollectionsTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context, key CollectionKey) ([]content.Record, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT records FROM %s WHERE locale = $1 AND content_type = $2", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, key.Locale, key.ContentType).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var records []content.Record
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func (b *PostgresBackend) Save(ctx context.Context, key CollectionKey, records []content.Record) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	if records == nil {
		records = []content.Record{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (locale, content_type, records, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (locale, content_type)
		DO UPDATE SET records = EXCLUDED.records, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, key.Locale, key.ContentType, string(payload))
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, key CollectionKey) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE locale = $1 AND content_type = $2", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key.Locale, key.ContentType)
	return err
}

func (b *PostgresBackend) Collections(ctx context.Context, locale string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT content_type FROM %s WHERE locale = $1 ORDER BY content_type ASC", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, locale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return content.E(content.KindValidation, "postgres backend", "backend is nil")
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
				locale TEXT NOT NULL,
				content_type TEXT NOT NULL,
				records TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (locale, content_type)
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
