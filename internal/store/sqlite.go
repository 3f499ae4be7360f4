package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/hive/pkg/models"
)

// SQLite is a durable Store backed by a single sqlite database file.
type SQLite struct {
	db    *sql.DB
	locks *locker
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	phase      TEXT NOT NULL DEFAULT 'chat',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	raw             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, created_at, id);
CREATE TABLE IF NOT EXISTS phase_log (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	phase           TEXT NOT NULL,
	author          TEXT NOT NULL,
	message         TEXT NOT NULL,
	at              INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_kv (
	conversation_id TEXT NOT NULL,
	agent_slug      TEXT NOT NULL,
	key             TEXT NOT NULL,
	value           TEXT NOT NULL,
	PRIMARY KEY (conversation_id, agent_slug, key)
);
CREATE TABLE IF NOT EXISTS delegations (
	id  TEXT PRIMARY KEY,
	raw TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lessons (
	id              TEXT PRIMARY KEY,
	agent_slug      TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	content         TEXT NOT NULL,
	at              INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY
);
`

// NewSQLite opens (and migrates) the database at path. Use ":memory:" for
// a throwaway database.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY
	// under concurrent RALs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLite{db: db, locks: newLocker()}, nil
}

func (s *SQLite) LoadOrCreate(ctx context.Context, rootEventID string) (*Conversation, error) {
	unlock := s.locks.lock(rootEventID)
	defer unlock()

	conv, err := s.get(ctx, rootEventID)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, phase, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rootEventID, string(models.PhaseChat), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{ID: rootEventID, Phase: models.PhaseChat, CreatedAt: now}, nil
}

func (s *SQLite) Get(ctx context.Context, convID string) (*Conversation, error) {
	return s.get(ctx, convID)
}

func (s *SQLite) get(ctx context.Context, convID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, phase, created_at FROM conversations WHERE id = ?`, convID)
	var conv Conversation
	var phase string
	var createdAt int64
	if err := row.Scan(&conv.ID, &conv.Title, &phase, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.Phase = models.Phase(phase)
	conv.CreatedAt = time.Unix(createdAt, 0)
	return &conv, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, convID string, ev *nostr.Event) error {
	unlock := s.locks.lock(convID)
	defer unlock()

	if _, err := s.get(ctx, convID); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, conversation_id, created_at, raw) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, convID, int64(ev.CreatedAt), string(raw))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLite) History(ctx context.Context, convID string) ([]*nostr.Event, error) {
	if _, err := s.get(ctx, convID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw FROM events WHERE conversation_id = ? ORDER BY created_at, id`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *SQLite) FindConversationByEvent(ctx context.Context, eventID string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM events WHERE id = ?`, eventID)
	var convID string
	if err := row.Scan(&convID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	return convID, nil
}

func (s *SQLite) SetPhase(ctx context.Context, convID string, phase models.Phase, author, message string) error {
	unlock := s.locks.lock(convID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET phase = ? WHERE id = ?`, string(phase), convID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO phase_log (conversation_id, phase, author, message, at) VALUES (?, ?, ?, ?, ?)`,
		convID, string(phase), author, message, time.Now().Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) PhaseLog(ctx context.Context, convID string) ([]PhaseTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phase, author, message, at FROM phase_log WHERE conversation_id = ? ORDER BY seq`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []PhaseTransition
	for rows.Next() {
		var t PhaseTransition
		var phase string
		var at int64
		if err := rows.Scan(&phase, &t.Author, &t.Message, &at); err != nil {
			return nil, err
		}
		t.Phase = models.Phase(phase)
		t.At = time.Unix(at, 0)
		log = append(log, t)
	}
	return log, rows.Err()
}

func (s *SQLite) SetTitle(ctx context.Context, convID, title string) error {
	unlock := s.locks.lock(convID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, convID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) KVGet(ctx context.Context, convID, agentSlug, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_kv WHERE conversation_id = ? AND agent_slug = ? AND key = ?`,
		convID, agentSlug, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLite) KVSet(ctx context.Context, convID, agentSlug, key, value string) error {
	unlock := s.locks.lock(convID)
	defer unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_kv (conversation_id, agent_slug, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id, agent_slug, key) DO UPDATE SET value = excluded.value`,
		convID, agentSlug, key, value)
	return err
}

func (s *SQLite) KVList(ctx context.Context, convID, agentSlug string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM agent_kv WHERE conversation_id = ? AND agent_slug = ?`,
		convID, agentSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *SQLite) SaveDelegation(ctx context.Context, rec *models.DelegationRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode delegation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delegations (id, raw) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET raw = excluded.raw`,
		rec.ID, string(raw))
	return err
}

func (s *SQLite) LoadDelegation(ctx context.Context, id string) (*models.DelegationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT raw FROM delegations WHERE id = ?`, id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec models.DelegationRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode delegation: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) SaveLesson(ctx context.Context, lesson *Lesson) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, agent_slug, conversation_id, content, at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		lesson.ID, lesson.AgentSlug, lesson.ConversationID, lesson.Content, lesson.At.Unix())
	return err
}

func (s *SQLite) Lessons(ctx context.Context, agentSlug string) ([]Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_slug, conversation_id, content, at FROM lessons WHERE agent_slug = ? ORDER BY at, id`,
		agentSlug)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		var l Lesson
		var at int64
		if err := rows.Scan(&l.ID, &l.AgentSlug, &l.ConversationID, &l.Content, &at); err != nil {
			return nil, err
		}
		l.At = time.Unix(at, 0)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkSeen(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id) VALUES (?) ON CONFLICT(event_id) DO NOTHING`,
		eventID)
	return err
}

func (s *SQLite) HasSeen(ctx context.Context, eventID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = ?`, eventID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
