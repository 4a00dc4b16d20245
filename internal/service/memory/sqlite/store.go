// Package sqlite is an embedded long-term memory store. Chat exchanges are
// buffered as blobs and distilled into profile rows on flush.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/memochat/backend/internal/analysis/profile"
	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	model "github.com/zhouzirui/memochat/backend/internal/model/profile"
	"github.com/zhouzirui/memochat/backend/internal/service/memory"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS blobs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id    TEXT NOT NULL,
    messages   TEXT NOT NULL,
    created_at TEXT NOT NULL,
    flushed    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_blobs_pending ON blobs(user_id, flushed, id);

CREATE TABLE IF NOT EXISTS profiles (
    user_id    TEXT NOT NULL,
    topic      TEXT NOT NULL,
    sub_topic  TEXT NOT NULL,
    content    TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (user_id, topic, sub_topic)
);
`

// Extractor distills a transcript into profile entries.
type Extractor interface {
	Extract(ctx context.Context, transcript []chat.Message, existing []model.Entry) ([]model.Entry, error)
}

// Store implements memory.Store on a SQLite database file.
type Store struct {
	db        *sql.DB
	extractor Extractor
	now       func() time.Time
}

var _ memory.Store = (*Store)(nil)

// Open creates or opens the database at path. A nil extractor makes Flush
// acknowledge buffered blobs without learning from them.
func Open(path string, extractor Extractor) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, extractor: extractor, now: time.Now}, nil
}

// RegisterUser inserts userID if it is not known yet.
func (s *Store) RegisterUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)`,
		userID, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("register user %s: %w", userID, err)
	}
	return nil
}

// Insert buffers an exchange for the next flush.
func (s *Store) Insert(ctx context.Context, userID string, messages []chat.Message) error {
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode blob: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (user_id, messages, created_at) VALUES (?, ?, ?)`,
		userID, string(payload), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("insert blob for %s: %w", userID, err)
	}
	return nil
}

// Flush runs the extractor over userID's pending blobs and merges the result
// into the profile. Blobs are marked flushed only when the merge commits.
func (s *Store) Flush(ctx context.Context, userID string) error {
	ids, transcript, err := s.pending(ctx, userID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	var entries []model.Entry
	if s.extractor != nil {
		existing, err := s.Profiles(ctx, userID)
		if err != nil {
			return err
		}
		entries, err = s.extractor.Extract(ctx, transcript, existing)
		if err != nil {
			return fmt.Errorf("extract profile for %s: %w", userID, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO profiles (user_id, topic, sub_topic, content, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, topic, sub_topic) DO UPDATE SET
				content = excluded.content,
				updated_at = excluded.updated_at`,
			userID, entry.Topic, entry.SubTopic, entry.Content, now,
		)
		if err != nil {
			return fmt.Errorf("upsert profile %s::%s: %w", entry.Topic, entry.SubTopic, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE blobs SET flushed = 1 WHERE user_id = ? AND flushed = 0 AND id <= ?`,
		userID, ids[len(ids)-1],
	)
	if err != nil {
		return fmt.Errorf("mark blobs flushed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}

	log.Printf("[sqlite] flushed user=%s blobs=%d facts=%d", userID, len(ids), len(entries))
	return nil
}

func (s *Store) pending(ctx context.Context, userID string) ([]int64, []chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, messages FROM blobs WHERE user_id = ? AND flushed = 0 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query pending blobs: %w", err)
	}
	defer rows.Close()

	var (
		ids        []int64
		transcript []chat.Message
	)
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, nil, fmt.Errorf("scan blob: %w", err)
		}

		var messages []chat.Message
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			log.Printf("[sqlite] skip malformed blob id=%d: %v", id, err)
		}
		ids = append(ids, id)
		transcript = append(transcript, messages...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate blobs: %w", err)
	}
	return ids, transcript, nil
}

// Context renders userID's profile in the memory-text format, stopping before
// the text would exceed maxTokens. It returns "" when nothing is known.
func (s *Store) Context(ctx context.Context, userID string, maxTokens int) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, sub_topic, content, updated_at FROM profiles
		WHERE user_id = ?
		ORDER BY topic, sub_topic`,
		userID,
	)
	if err != nil {
		return "", fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var topic, subTopic, content, updatedAt string
		if err := rows.Scan(&topic, &subTopic, &content, &updatedAt); err != nil {
			return "", fmt.Errorf("scan profile: %w", err)
		}
		lines = append(lines, fmt.Sprintf("- %s::%s: %s [mention %s]", topic, subTopic, content, mentionDate(updatedAt)))
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate profiles: %w", err)
	}
	if len(lines) == 0 {
		return "", nil
	}

	var builder strings.Builder
	builder.WriteString(profile.SectionHeader)
	builder.WriteString("\n")
	used := memory.EstimateTokens(profile.SectionHeader)
	for _, line := range lines {
		cost := memory.EstimateTokens(line)
		if maxTokens > 0 && used+cost > maxTokens {
			break
		}
		builder.WriteString(line)
		builder.WriteString("\n")
		used += cost
	}
	builder.WriteString("---\n")
	return builder.String(), nil
}

// Profiles returns userID's profile rows ordered by topic.
func (s *Store) Profiles(ctx context.Context, userID string) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, sub_topic, content FROM profiles
		WHERE user_id = ?
		ORDER BY topic, sub_topic`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var entry model.Entry
		if err := rows.Scan(&entry.Topic, &entry.SubTopic, &entry.Content); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return entries, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func mentionDate(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02")
}
