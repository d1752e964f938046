// Package sqlite provides the default on-device MessageStore, backed by a
// local SQLite file so the history survives process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tinywideclouds/go-push-bridge/internal/storage/ledger"
	"github.com/tinywideclouds/go-push-bridge/pkg/message"

	_ "modernc.org/sqlite"
)

// MessageStore keeps one row per message plus the serialized ledger in a
// key/value table.
type MessageStore struct {
	db       *sql.DB
	capacity int
	logger   *slog.Logger
}

// NewMessageStore opens (or creates) the database at dbPath.
func NewMessageStore(dbPath string, capacity int, logger *slog.Logger) (*MessageStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers, so every ledger update and
	// its record write land as one unit.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			stored_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}

	if capacity <= 0 {
		capacity = ledger.DefaultCapacity
	}

	return &MessageStore{
		db:       db,
		capacity: capacity,
		logger:   logger.With("component", "SQLiteMessageStore"),
	}, nil
}

func (s *MessageStore) Close() error {
	return s.db.Close()
}

// Put upserts the record and appends its id to the ledger, evicting the
// oldest records once the ledger is over capacity.
func (s *MessageStore) Put(ctx context.Context, msg message.Message) ([]string, error) {
	if err := ledger.ValidateID(msg.ID); err != nil {
		return nil, err
	}
	record, err := message.EncodePayload(msg.Payload)
	if err != nil {
		return nil, err
	}

	var evicted []string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, payload, stored_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at
		`, msg.ID, record, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}

		l, err := readLedger(ctx, tx)
		if err != nil {
			return err
		}
		evicted = l.Append(msg.ID, s.capacity)
		for _, id := range evicted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to evict message %s: %w", id, err)
			}
		}
		return writeLedger(ctx, tx, l)
	})
	if err != nil {
		return nil, err
	}

	if len(evicted) > 0 {
		s.logger.Debug("Evicted oldest messages", "evicted", evicted, "capacity", s.capacity)
	}
	return evicted, nil
}

// Get returns nil, nil when the record is missing or cannot be decoded.
func (s *MessageStore) Get(ctx context.Context, id string) (*message.Message, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM messages WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	msg, err := message.DecodeRecord(id, record)
	if err != nil {
		s.logger.Warn("Ignoring corrupt message record", "id", id, "err", err)
		return nil, nil
	}
	return &msg, nil
}

func (s *MessageStore) Remove(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		l, err := readLedger(ctx, tx)
		if err != nil {
			return err
		}
		if !l.Remove(id) {
			return nil
		}
		return writeLedger(ctx, tx, l)
	})
}

func (s *MessageStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, ledger.Key); err != nil {
			return fmt.Errorf("failed to clear ledger: %w", err)
		}
		return nil
	})
}

// LedgerIDs returns the ledger in insertion order.
func (s *MessageStore) LedgerIDs(ctx context.Context) ([]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, ledger.Key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return ledger.Parse(raw).IDs(), nil
}

func (s *MessageStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func readLedger(ctx context.Context, tx *sql.Tx) (*ledger.Ledger, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, ledger.Key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return ledger.Parse(raw), nil
}

func writeLedger(ctx context.Context, tx *sql.Tx, l *ledger.Ledger) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, ledger.Key, l.String())
	if err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	return nil
}
