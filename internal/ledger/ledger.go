package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// Ledger is the durable idempotency store. It remembers which message ids
// were already processed and keeps an audit row per submission outcome.
// Membership is monotonic: ids are added, never removed. The worker loop is
// the only writer; the status server reads counts concurrently, so the seen
// set is guarded.
type Ledger struct {
	db     *sql.DB
	logger *logrus.Logger

	mu   sync.RWMutex
	seen map[string]struct{}
}

// Open opens (creating if necessary) the ledger database and preloads the
// set of processed message ids.
func Open(dbPath string, logger *logrus.Logger) (*Ledger, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
		seen:   make(map[string]struct{}),
	}

	if err := l.loadSeen(); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path": dbPath,
		"seen": len(l.seen),
	}).Info("Ledger opened")
	return l, nil
}

// loadSeen fills the in-memory set from the processed_messages table.
func (l *Ledger) loadSeen() error {
	rows, err := l.db.Query("SELECT message_id FROM processed_messages")
	if err != nil {
		return fmt.Errorf("failed to load processed messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan message id: %w", err)
		}
		l.seen[id] = struct{}{}
	}
	return rows.Err()
}

// Contains reports whether the message id was already processed.
func (l *Ledger) Contains(messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[messageID]
	return ok
}

// MarkSeen records a message id as processed. Re-adding an id that is
// already present is a no-op.
func (l *Ledger) MarkSeen(messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return nil
	}
	query := `INSERT INTO processed_messages (message_id) VALUES (?) ON CONFLICT(message_id) DO NOTHING`
	if _, err := l.db.Exec(query, messageID); err != nil {
		return fmt.Errorf("failed to mark message seen: %w", err)
	}
	l.seen[messageID] = struct{}{}
	return nil
}

// SeenCount returns the number of processed message ids. Safe to call from
// the status server while the worker is marking messages.
func (l *Ledger) SeenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen)
}

// RecordOutcome appends one submission outcome to the audit trail.
func (l *Ledger) RecordOutcome(messageID string, outcome types.Outcome) error {
	query := `
		INSERT INTO submission_outcomes (message_id, record_summary, status, reason)
		VALUES (?, ?, ?, ?)
	`
	_, err := l.db.Exec(query, messageID, outcome.Record.Summary(), outcome.Status.String(), outcome.Reason)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
