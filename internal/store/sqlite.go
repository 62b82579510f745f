package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	. "chatrelay/internal/logging"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// Schema version for migrations
const currentSchemaVersion = 2

// OpenSQLite opens (creating if needed) the database at path and runs
// any pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		L_warn("sqlite: failed to enable foreign keys", "error", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, start from 0
		version = 0
	}

	if version >= currentSchemaVersion {
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL UNIQUE,
		entitled INTEGER NOT NULL DEFAULT 0,
		entitled_until INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		title TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, last_message_at DESC);

	CREATE TABLE IF NOT EXISTS exchanges (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_text TEXT NOT NULL,
		bot_text TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		file_context TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_conversation ON exchanges(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		model TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, model)
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		model TEXT NOT NULL,
		tokens_used INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		fact TEXT NOT NULL,
		category TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC);

	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds an index for expiry sweeps over the memories table
func migrateV2(db *sql.DB) error {
	schema := `
	CREATE INDEX IF NOT EXISTS idx_memories_expiry ON memories(expires_at) WHERE expires_at > 0;
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, created_at DESC);
	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// --- Users ---

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, entitled, entitled_until, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) UserByToken(ctx context.Context, token string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token, entitled, entitled_until, created_at FROM users WHERE token = ?`, token)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var entitled int
	var entitledUntil, createdAt int64
	err := row.Scan(&u.ID, &u.Name, &u.Token, &entitled, &entitledUntil, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Entitled = entitled != 0
	if entitledUntil > 0 {
		u.EntitledUntil = time.Unix(entitledUntil, 0)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	entitled := 0
	if u.Entitled {
		entitled = 1
	}
	var entitledUntil int64
	if !u.EntitledUntil.IsZero() {
		entitledUntil = u.EntitledUntil.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, token, entitled, entitled_until, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Token, entitled, entitledUntil, u.CreatedAt.Unix())
	return err
}

// --- Conversations ---

// GetOrCreateConversation loads the conversation, creating it when it does
// not exist yet. The bool result reports whether a new row was created.
// A conversation belongs to exactly one user; loading someone else's
// conversation id returns ErrNotFound.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, id, userID string) (*Conversation, bool, error) {
	if id != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, user_id, title, last_message_at, created_at FROM conversations WHERE id = ?`, id)
		var c Conversation
		var lastAt, createdAt int64
		err := row.Scan(&c.ID, &c.UserID, &c.Title, &lastAt, &createdAt)
		if err == nil {
			if c.UserID != userID {
				return nil, false, ErrNotFound
			}
			c.LastMessageAt = time.Unix(lastAt, 0)
			c.CreatedAt = time.Unix(createdAt, 0)
			return &c, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	now := time.Now()
	c := &Conversation{
		ID:            id,
		UserID:        userID,
		LastMessageAt: now,
		CreatedAt:     now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, last_message_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, now.Unix(), now.Unix())
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, last_message_at, created_at FROM conversations
		 WHERE user_id = ? ORDER BY last_message_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var lastAt, createdAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &lastAt, &createdAt); err != nil {
			return nil, err
		}
		c.LastMessageAt = time.Unix(lastAt, 0)
		c.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// History returns the most recent exchanges in chronological order.
// limit <= 0 means no limit.
func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]Exchange, error) {
	q := `SELECT id, conversation_id, user_text, bot_text, model, file_context, created_at
	      FROM exchanges WHERE conversation_id = ? ORDER BY rowid DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var createdAt int64
		if err := rows.Scan(&ex.ID, &ex.ConversationID, &ex.UserText, &ex.BotText, &ex.Model, &ex.FileContext, &createdAt); err != nil {
			return nil, err
		}
		ex.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query, flip to chronological
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) AppendExchange(ctx context.Context, ex *Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, conversation_id, user_text, bot_text, model, file_context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.ConversationID, ex.UserText, ex.BotText, ex.Model, ex.FileContext, ex.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`, at.Unix(), conversationID)
	return err
}

// --- Balances and usage ---

func (s *SQLiteStore) GetBalance(ctx context.Context, userID, model string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE user_id = ? AND model = ?`, userID, model).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// AdjustBalance applies delta atomically and returns the resulting balance.
// Missing rows are created on first adjustment.
func (s *SQLiteStore) AdjustBalance(ctx context.Context, userID, model string, delta int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO balances (user_id, model, balance) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, model) DO UPDATE SET balance = balance + excluded.balance
		 RETURNING balance`,
		userID, model, delta).Scan(&balance)
	return balance, err
}

func (s *SQLiteStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, conversation_id, model, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ConversationID, rec.Model, rec.TokensUsed, rec.CreatedAt.Unix())
	return err
}

// --- Memories ---

func (s *SQLiteStore) AppendMemory(ctx context.Context, item *MemoryItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	var expiresAt int64
	if !item.ExpiresAt.IsZero() {
		expiresAt = item.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, fact, category, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.Fact, item.Category, item.CreatedAt.Unix(), expiresAt)
	return err
}

// ListMemories returns the user's non-expired facts, newest first. Expired
// rows are filtered here even before a sweep removes them.
func (s *SQLiteStore) ListMemories(ctx context.Context, userID string, now time.Time) ([]MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, fact, category, created_at, expires_at FROM memories
		 WHERE user_id = ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY rowid DESC`, userID, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryItem
	for rows.Next() {
		var m MemoryItem
		var createdAt, expiresAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Fact, &m.Category, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt > 0 {
			m.ExpiresAt = time.Unix(expiresAt, 0)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMemory(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SweepExpiredMemories(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at > 0 AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
