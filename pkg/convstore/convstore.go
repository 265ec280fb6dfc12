// Package convstore persists conversation message history in SQLite:
// one writer connection, WAL mode, a conversations/conversation_messages
// schema. Appending a message is the only write path; once appended a
// message is immediately visible to ReadHistory.
package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskforge/orchestrator/pkg/logx"
)

// ErrNotFound indicates the requested conversation does not exist.
var ErrNotFound = errors.New("convstore: conversation not found")

// Message is one turn of a conversation's history.
type Message struct {
	Role      string
	Content   string
	Tokens    int
	Metadata  map[string]string
	CreatedAt time.Time
}

// Metadata describes a conversation's bookkeeping fields.
type Metadata struct {
	ConvID    string
	UserID    string
	Extra     map[string]string
	CreatedAt time.Time
}

// Store is a SQLite-backed conversation history store. SQLite only
// supports one writer, so the pool is capped at a single connection.
type Store struct {
	db  *sql.DB
	log *logx.Logger
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// ensures its schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, fmt.Errorf("convstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("convstore: ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("convstore: create schema: %w", err)
	}

	return &Store{db: db, log: logx.NewLogger("convstore")}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
	conv_id    TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	conv_id    TEXT NOT NULL REFERENCES conversations(conv_id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tokens     INTEGER NOT NULL DEFAULT 0,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv_id
	ON conversation_messages(conv_id, id);
`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation row. It is a no-op
// (not an error) if the conversation already exists.
func (s *Store) CreateConversation(ctx context.Context, convID, userID string, meta map[string]string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("convstore: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (conv_id, user_id, metadata) VALUES (?, ?, ?)`,
		convID, userID, string(metaJSON))
	if err != nil {
		return fmt.Errorf("convstore: create conversation: %w", err)
	}
	return nil
}

// AppendMessage appends a message to convID's history. The conversation
// must already exist.
func (s *Store) AppendMessage(ctx context.Context, convID, role, content string, tokens int, meta map[string]string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("convstore: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (conv_id, role, content, tokens, metadata) VALUES (?, ?, ?, ?, ?)`,
		convID, role, content, tokens, string(metaJSON))
	if err != nil {
		return fmt.Errorf("convstore: append message: %w", err)
	}
	return nil
}

// GetHistory returns convID's messages in chronological order.
func (s *Store) GetHistory(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tokens, metadata, created_at FROM conversation_messages
		 WHERE conv_id = ? ORDER BY id ASC`, convID)
	if err != nil {
		return nil, fmt.Errorf("convstore: get history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var metaJSON string
		if err := rows.Scan(&m.Role, &m.Content, &m.Tokens, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convstore: scan message: %w", err)
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMetadata returns convID's bookkeeping row, or ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, convID string) (*Metadata, error) {
	var m Metadata
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT conv_id, user_id, metadata, created_at FROM conversations WHERE conv_id = ?`, convID).
		Scan(&m.ConvID, &m.UserID, &metaJSON, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: get metadata: %w", err)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &m.Extra)
	}
	return &m, nil
}

// TruncateHistory keeps only the last keepLastN messages, preserving a
// leading system message if one exists so context instructions survive
// truncation.
func (s *Store) TruncateHistory(ctx context.Context, convID string, keepLastN int) error {
	history, err := s.GetHistory(ctx, convID)
	if err != nil {
		return err
	}
	if len(history) <= keepLastN {
		return nil
	}

	var systemPreamble *Message
	if len(history) > 0 && history[0].Role == "system" {
		systemPreamble = &history[0]
	}

	keep := history[len(history)-keepLastN:]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("convstore: begin truncate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conv_id = ?`, convID); err != nil {
		return fmt.Errorf("convstore: delete old history: %w", err)
	}

	insert := func(m Message) error {
		metaJSON, _ := json.Marshal(m.Metadata)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conv_id, role, content, tokens, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			convID, m.Role, m.Content, m.Tokens, string(metaJSON), m.CreatedAt)
		return err
	}

	if systemPreamble != nil && (len(keep) == 0 || keep[0].Role != "system") {
		if err := insert(*systemPreamble); err != nil {
			return fmt.Errorf("convstore: reinsert system preamble: %w", err)
		}
	}
	for _, m := range keep {
		if err := insert(m); err != nil {
			return fmt.Errorf("convstore: reinsert message: %w", err)
		}
	}

	s.log.Debug("truncated conversation %s to %d messages", convID, len(keep))
	return tx.Commit()
}

// HealthCheck reports whether the store's connection is reachable.
func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}
