// Package store implements the History Store (spec §4.2): an embedded,
// single-connection SQLite store for chat history, user profiles/notes,
// chat settings, and the tool execution log.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/relaywing/agentcore/internal/model"
	"github.com/relaywing/agentcore/internal/parts"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// busyTimeout bounds how long a writer waits on SQLITE_BUSY contention
// before giving up, per spec §4.2's "5-second budget".
const busyTimeout = 5 * time.Second

// Store is the single shared connection handle for the process (spec §4.2,
// §9 — "acquire at startup; guarantee checkpoint + close at shutdown; do
// not accept per-call path-based opens").
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// migrations, and configures WAL + foreign keys + busy timeout.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single shared connection per process: the store serializes writes
	// itself rather than relying on a connection pool (spec §4.2).
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateSchema(db *sql.DB) error {
	m, err := Migrator(db)
	if err != nil {
		return err
	}
	// Deliberately not calling m.Close(): the sqlite3 driver's Close()
	// closes the underlying *sql.DB, which here is the connection the Store
	// keeps using for the rest of the process lifetime.
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Migrator builds a *migrate.Migrate bound to an already-open connection and
// the embedded migration set, for callers (the migrate CLI subcommand) that
// need version/force/goto/drop beyond the automatic Up() Open() runs.
func Migrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("sqlite3 migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("new migrator: %w", err)
	}
	return m, nil
}

// OpenDB opens the raw *sql.DB without running migrations, for CLI
// subcommands that manage migration state explicitly.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// Close checkpoints the WAL and closes the connection, bounding WAL size at
// shutdown (spec §4.2, §9).
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("wal checkpoint at shutdown failed", "error", err)
	}
	return s.db.Close()
}

// AppendMessage writes one append-only Message Entry.
func (s *Store) AppendMessage(ctx context.Context, chatID model.ChatId, role model.Role, partsJSON string, userID *model.UserId, ts time.Time) error {
	var uid any
	if userID != nil {
		uid = int64(*userID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_entries (chat_id, role, parts_json, user_id, timestamp) VALUES (?, ?, ?, ?, ?)`,
		int64(chatID), string(role), partsJSON, uid, ts.UTC().Format(time.RFC3339Nano))
	return err
}

// ReadLastN reads the last n entries for chat, returned oldest→newest.
func (s *Store) ReadLastN(ctx context.Context, chatID model.ChatId, n int) ([]model.MessageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, parts_json, user_id, timestamp FROM message_entries
		 WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, int64(chatID), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.MessageEntry
	for rows.Next() {
		var e model.MessageEntry
		var chat int64
		var uid sql.NullInt64
		var partsJSON, ts string
		if err := rows.Scan(&e.ID, &chat, &e.Role, &partsJSON, &uid, &ts); err != nil {
			return nil, err
		}
		e.ChatID = model.ChatId(chat)
		dicts := parts.DeserializeParts(partsJSON)
		if parts.IsDeserializationFailure(dicts) {
			continue
		}
		if content := parts.Reconstruct(e.Role, dicts); content != nil {
			e.Parts = content.Parts
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if uid.Valid {
			u := model.UserId(uid.Int64)
			e.UserID = &u
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ClearChat deletes every entry for a chat (the only allowed mutation of
// the append-only log, spec §3).
func (s *Store) ClearChat(ctx context.Context, chatID model.ChatId) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_entries WHERE chat_id = ?`, int64(chatID))
	return err
}

// --- Profiles ---

// NoteStore is the subset of Store that tool handlers need to upsert user
// facts, kept narrow so internal/tools does not depend on the full Store.
type NoteStore interface {
	UpsertNote(ctx context.Context, note model.UserNote, merge bool) error
}

// UpsertProfile inserts or updates a user's profile, called on every user
// message seen.
func (s *Store) UpsertProfile(ctx context.Context, p model.UserProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, username, first_name, last_name, last_seen, avatar_id, avatar_description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username=excluded.username, first_name=excluded.first_name, last_name=excluded.last_name,
			last_seen=excluded.last_seen, avatar_id=excluded.avatar_id, avatar_description=excluded.avatar_description
	`, int64(p.UserID), p.Username, p.FirstName, p.LastName, p.LastSeen.UTC().Format(time.RFC3339Nano), p.AvatarID, p.AvatarDescription)
	return err
}

// GetProfile reads a user's profile, if any.
func (s *Store) GetProfile(ctx context.Context, userID model.UserId) (*model.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, last_seen, avatar_id, avatar_description
		FROM user_profiles WHERE user_id = ?`, int64(userID))
	var p model.UserProfile
	var uid int64
	var lastSeen string
	if err := row.Scan(&uid, &p.Username, &p.FirstName, &p.LastName, &lastSeen, &p.AvatarID, &p.AvatarDescription); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.UserID = model.UserId(uid)
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &p, nil
}

// --- Notes ---

// UpsertNote inserts or updates a note for (user_id, category), case-folding
// the category so "(user_id, lower(category))" is unique per spec §3. When
// merge is true and the existing value is list- or map-shaped, it is
// combined with the new value per spec §8 law 7: list union by JSON
// identity, map right-wins on key collision.
func (s *Store) UpsertNote(ctx context.Context, note model.UserNote, merge bool) error {
	category := strings.ToLower(note.Category)
	value := note.Value

	if merge {
		existing, err := s.getNoteValue(ctx, note.UserID, category)
		if err != nil {
			return err
		}
		if existing != nil {
			value = mergeNoteValue(existing, note.Value)
		}
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal note value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_notes (user_id, category, value_json) VALUES (?, ?, ?)
		ON CONFLICT(user_id, category) DO UPDATE SET value_json = excluded.value_json
	`, int64(note.UserID), category, string(valueJSON))
	return err
}

func (s *Store) getNoteValue(ctx context.Context, userID model.UserId, category string) (any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value_json FROM user_notes WHERE user_id = ? AND category = ?`, int64(userID), category)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, nil
	}
	return v, nil
}

// mergeNoteValue implements spec §8 law 7's merge rule.
func mergeNoteValue(existing, incoming any) any {
	if existingList, ok := existing.([]any); ok {
		incomingList, ok := incoming.([]any)
		if !ok {
			incomingList = []any{incoming}
		}
		return unionByJSONIdentity(existingList, incomingList)
	}
	if existingMap, ok := existing.(map[string]any); ok {
		incomingMap, ok := incoming.(map[string]any)
		if !ok {
			return incoming
		}
		merged := make(map[string]any, len(existingMap)+len(incomingMap))
		for k, v := range existingMap {
			merged[k] = v
		}
		for k, v := range incomingMap {
			merged[k] = v
		}
		return merged
	}
	return incoming
}

func unionByJSONIdentity(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		key, err := json.Marshal(v)
		if err != nil {
			continue
		}
		if seen[string(key)] {
			continue
		}
		seen[string(key)] = true
		out = append(out, v)
	}
	return out
}

// GetNotes reads every note for a user.
func (s *Store) GetNotes(ctx context.Context, userID model.UserId) ([]model.UserNote, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, value_json FROM user_notes WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []model.UserNote
	for rows.Next() {
		var category, raw string
		if err := rows.Scan(&category, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		notes = append(notes, model.UserNote{UserID: userID, Category: category, Value: v})
	}
	return notes, rows.Err()
}

// DeleteNote removes a whole (user_id, category) note.
func (s *Store) DeleteNote(ctx context.Context, userID model.UserId, category string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_notes WHERE user_id = ? AND category = ?`, int64(userID), strings.ToLower(category))
	return err
}

// DeleteNoteKey removes one key from a map-valued note, by key.
func (s *Store) DeleteNoteKey(ctx context.Context, userID model.UserId, category, key string) error {
	v, err := s.getNoteValue(ctx, userID, strings.ToLower(category))
	if err != nil || v == nil {
		return err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("note %q is not map-valued", category)
	}
	delete(m, key)
	return s.UpsertNote(ctx, model.UserNote{UserID: userID, Category: category, Value: m}, false)
}

// DeleteNoteValue removes one element from a list-valued note, by JSON
// identity of value.
func (s *Store) DeleteNoteValue(ctx context.Context, userID model.UserId, category string, value any) error {
	v, err := s.getNoteValue(ctx, userID, strings.ToLower(category))
	if err != nil || v == nil {
		return err
	}
	list, ok := v.([]any)
	if !ok {
		return fmt.Errorf("note %q is not list-valued", category)
	}
	target, err := json.Marshal(value)
	if err != nil {
		return err
	}
	out := make([]any, 0, len(list))
	for _, e := range list {
		enc, err := json.Marshal(e)
		if err != nil || string(enc) != string(target) {
			out = append(out, e)
		}
	}
	return s.UpsertNote(ctx, model.UserNote{UserID: userID, Category: category, Value: out}, false)
}

// --- Chat settings ---

// GetOrCreateChatSettings reads a chat's settings, default-constructing and
// persisting them on first use.
func (s *Store) GetOrCreateChatSettings(ctx context.Context, chatID model.ChatId) (model.ChatSettings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT custom_prompt, ai_mode, model_name, digest_schedule FROM chat_settings WHERE chat_id = ?`, int64(chatID))
	var cs model.ChatSettings
	cs.ChatID = chatID
	var aiMode string
	err := row.Scan(&cs.CustomPrompt, &aiMode, &cs.ModelName, &cs.DigestSchedule)
	if err == sql.ErrNoRows {
		cs = model.DefaultChatSettings(chatID)
		if upErr := s.UpsertChatSettings(ctx, cs); upErr != nil {
			return cs, upErr
		}
		return cs, nil
	}
	if err != nil {
		return cs, err
	}
	cs.AIMode = model.AIMode(aiMode)
	return cs, nil
}

// UpsertChatSettings inserts or updates a chat's settings. DigestSchedule,
// when set, must be a well-formed cron expression — validated but not yet
// consumed by a scheduler (SPEC_FULL.md's additive digest-schedule field).
func (s *Store) UpsertChatSettings(ctx context.Context, cs model.ChatSettings) error {
	if cs.DigestSchedule != nil && !gronx.IsValid(*cs.DigestSchedule) {
		return fmt.Errorf("chat settings: invalid digest_schedule %q", *cs.DigestSchedule)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_settings (chat_id, custom_prompt, ai_mode, model_name, digest_schedule) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			custom_prompt=excluded.custom_prompt, ai_mode=excluded.ai_mode,
			model_name=excluded.model_name, digest_schedule=excluded.digest_schedule
	`, int64(cs.ChatID), cs.CustomPrompt, string(cs.AIMode), cs.ModelName, cs.DigestSchedule)
	return err
}

// --- Tool execution log ---

// AppendToolLog records the outcome of one handler invocation. Spec
// invariant 2 requires exactly one of these per dispatched tool call.
func (s *Store) AppendToolLog(ctx context.Context, log model.ToolExecutionLog) error {
	var uid any
	if log.UserID != nil {
		uid = int64(*log.UserID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_execution_logs
			(id, chat_id, user_id, timestamp, tool_name, args_json, status, return_code, result_message, stdout, stderr, full_result_json, trigger_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, int64(log.ChatID), uid, log.Timestamp.UTC().Format(time.RFC3339Nano), log.ToolName, log.ArgsJSON,
		string(log.Status), log.ReturnCode, log.ResultMessage, log.Stdout, log.Stderr, log.FullResultJSON, log.TriggerMessageID)
	return err
}

// ReadRecentToolLogs reads the last k tool-execution-log entries for a chat,
// newest last (the order the History Manager wants to render them in).
func (s *Store) ReadRecentToolLogs(ctx context.Context, chatID model.ChatId, k int) ([]model.ToolExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, user_id, timestamp, tool_name, args_json, status, return_code, result_message, stdout, stderr, full_result_json, trigger_message_id
		FROM tool_execution_logs WHERE chat_id = ? ORDER BY timestamp DESC LIMIT ?
	`, int64(chatID), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.ToolExecutionLog
	for rows.Next() {
		var l model.ToolExecutionLog
		var chat int64
		var uid sql.NullInt64
		var ts, status string
		if err := rows.Scan(&l.ID, &chat, &uid, &ts, &l.ToolName, &l.ArgsJSON, &status, &l.ReturnCode, &l.ResultMessage, &l.Stdout, &l.Stderr, &l.FullResultJSON, &l.TriggerMessageID); err != nil {
			return nil, err
		}
		l.ChatID = model.ChatId(chat)
		l.Status = model.ToolExecutionStatus(status)
		l.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if uid.Valid {
			u := model.UserId(uid.Int64)
			l.UserID = &u
		}
		logs = append(logs, l)
	}
	// Reverse to oldest→newest so the History Manager renders them chronologically.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, rows.Err()
}
