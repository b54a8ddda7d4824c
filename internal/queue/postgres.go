package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName    = "contentsync_event_queue"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue shares one table between producers and workers; rows are claimed with
// FOR UPDATE SKIP LOCKED and capacity is enforced under an advisory lock.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn string, capacity int) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     postgresQueueKey,
		capacity:     normalizeCapacity(capacity),
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				message_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			postgresQuoteIdentifier(q.tableName+"_queue_key_id_idx"),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) TryEnqueue(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	return q.insert(newItem(payload), true)
}

func (q *PostgresQueue) insert(it item, checkCapacity bool) bool {
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if checkCapacity {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
			return false
		}
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
		var depth int
		if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
			return false
		}
		if depth >= q.capacity {
			return false
		}
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, message_id, payload, created_at) VALUES ($1, $2, $3, NOW())", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, it.ID, string(it.Payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload []byte) bool {
	for {
		if q.TryEnqueue(payload) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (Message, bool) {
	for {
		if it, ok := q.tryDequeue(ctx); ok {
			return Message{
				ID:      it.ID,
				Payload: it.Payload,
				nack: func(requeue bool) error {
					if requeue && !q.insert(it, false) {
						return fmt.Errorf("failed to requeue message %s", it.ID)
					}
					return nil
				},
			}, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) tryDequeue(ctx context.Context) (item, bool) {
	if err := q.ensureReady(); err != nil {
		return item{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return item{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, message_id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var (
		id      int64
		it      item
		payload string
	)
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &it.ID, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return item{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return item{}, false
	}
	if err := tx.Commit(); err != nil {
		return item{}, false
	}
	committed = true
	it.Payload = []byte(payload)
	return it, true
}

func (q *PostgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
