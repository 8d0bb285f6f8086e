// Package eventstore keeps an audit timeline of conversations in SQLite:
// every appended turn and every voice state change. The timeline is never
// replayed into the conversation history.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-sous/internal/config"
)

// Kind distinguishes timeline entries.
type Kind string

const (
	KindTurn  Kind = "turn"
	KindState Kind = "state"
)

// Entry is one timeline record. For turns Role and Content carry the turn;
// for state changes Role holds the triggering event and Content the
// "from->to" pair.
type Entry struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Kind           Kind      `json:"kind"`
	Role           string    `json:"role,omitempty"`
	Content        string    `json:"content"`
	Seq            uint64    `json:"seq,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation summarises a recorded conversation.
type Conversation struct {
	ID        string    `json:"id"`
	Entries   int       `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed conversation timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode nothing
// is written and every call is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    conversation_id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    role TEXT,
    content TEXT,
    seq INTEGER,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entries_conversation ON entries(conversation_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether entries are persisted.
func (s *Store) Enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records e, creating its conversation on first use.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if !s.Enabled() {
		return nil
	}
	if e.ConversationID == "" {
		return errors.New("conversation id required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO conversations(conversation_id, created_at) VALUES(?, ?)
		 ON CONFLICT(conversation_id) DO NOTHING`,
		e.ConversationID, e.CreatedAt); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO entries(conversation_id, kind, role, content, seq, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		e.ConversationID, string(e.Kind), e.Role, e.Content, int64(e.Seq), e.CreatedAt); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// List retrieves up to limit entries of a conversation in insertion order.
func (s *Store) List(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, kind, role, content, seq, created_at
		 FROM entries WHERE conversation_id = ? ORDER BY id ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			role    sql.NullString
			content sql.NullString
			seq     sql.NullInt64
			created string
		)
		if err := rows.Scan(&e.ID, &e.ConversationID, &kind, &role, &content, &seq, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Role = role.String
		e.Content = content.String
		e.Seq = uint64(seq.Int64)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Conversations lists recorded conversations, newest first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.conversation_id, c.created_at, COUNT(e.id)
		 FROM conversations c LEFT JOIN entries e ON e.conversation_id = c.conversation_id
		 GROUP BY c.conversation_id, c.created_at
		 ORDER BY c.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created string
		if err := rows.Scan(&c.ID, &created, &c.Entries); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			c.CreatedAt = ts
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id IN (
			SELECT conversation_id FROM conversations ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
