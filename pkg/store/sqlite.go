package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pithrun/pith/pkg/errkind"
)

// SQLiteStore is the canonical embedded persistence backend, using
// modernc.org/sqlite (pure Go, no cgo) with FTS5 for memory recall.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates/opens the store's backing file at path, running schema
// migration idempotently.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &errkind.StorageError{Op: "mkdir", Err: err}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errkind.StorageError{Op: "open", Err: err}
	}
	// A single shared connection serialises every reader and writer through
	// SQLite's own lock, matching the store's single-writer contract without
	// needing an explicit queue goroutine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			last_activity_at_ms INTEGER NOT NULL,
			compaction_cursor TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_args TEXT NOT NULL DEFAULT '',
			tool_result TEXT NOT NULL DEFAULT '',
			token_estimate INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_session_order_idx ON messages(session_id, created_at_ms, id);`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			kind TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_entries_deleted_idx ON memory_entries(deleted, updated_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts USING fts5(entry_id UNINDEXED, text, tags, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(entry_id, text, tags) VALUES (new.id, new.text, new.tags_json);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_au AFTER UPDATE OF text, tags_json ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, entry_id, text, tags) VALUES('delete', old.rowid, old.id, old.text, old.tags_json);
			INSERT INTO memory_entries_fts(entry_id, text, tags) VALUES (new.id, new.text, new.tags_json);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, entry_id, text, tags) VALUES('delete', old.rowid, old.id, old.text, old.tags_json);
		END;`,
		`CREATE TABLE IF NOT EXISTS agent_profile (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			name TEXT NOT NULL DEFAULT '',
			nature TEXT NOT NULL DEFAULT '',
			vibe TEXT NOT NULL DEFAULT '',
			emoji TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS user_profile (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			name TEXT NOT NULL DEFAULT '',
			preferred_address TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			from_msg_id TEXT NOT NULL,
			to_msg_id TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS session_summaries_session_idx ON session_summaries(session_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS tool_invocation_log (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			args_json TEXT NOT NULL DEFAULT '',
			ok INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS tool_invocation_log_created_idx ON tool_invocation_log(created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS remote_server_health (
			name TEXT PRIMARY KEY,
			last_checked_ms INTEGER NOT NULL,
			reachable INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &errkind.StorageError{Op: "migrate: " + trimSQL(stmt), Err: err}
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 48 {
		return s[:48]
	}
	return s
}

func nowMS() int64 { return time.Now().UnixMilli() }
func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// --- sessions ---

func (s *SQLiteStore) NewSession(ctx context.Context) (Session, error) {
	sess := Session{
		ID:             "sess-" + uuid.NewString(),
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions(id, created_at_ms, last_activity_at_ms, compaction_cursor) VALUES (?, ?, ?, '')`,
		sess.ID, sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli())
	if err != nil {
		return Session{}, &errkind.StorageError{Op: "new_session", Err: err}
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at_ms, last_activity_at_ms, compaction_cursor FROM sessions WHERE id = ?`, id)
	var sess Session
	var createdMS, lastMS int64
	if err := row.Scan(&sess.ID, &createdMS, &lastMS, &sess.CompactionCursor); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, &errkind.StorageError{Op: "get_session", Err: fmt.Errorf("session %q not found", id)}
		}
		return Session{}, &errkind.StorageError{Op: "get_session", Err: err}
	}
	sess.CreatedAt = msToTime(createdMS)
	sess.LastActivityAt = msToTime(lastMS)
	return sess, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at_ms = ? WHERE id = ?`, nowMS(), id)
	if err != nil {
		return &errkind.StorageError{Op: "touch_session", Err: err}
	}
	return nil
}

func (s *SQLiteStore) SetCompactionCursor(ctx context.Context, id, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET compaction_cursor = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return &errkind.StorageError{Op: "set_compaction_cursor", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at_ms, last_activity_at_ms, compaction_cursor FROM sessions ORDER BY last_activity_at_ms DESC`)
	if err != nil {
		return nil, &errkind.StorageError{Op: "list_sessions", Err: err}
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		var sess Session
		var createdMS, lastMS int64
		if err := rows.Scan(&sess.ID, &createdMS, &lastMS, &sess.CompactionCursor); err != nil {
			return nil, &errkind.StorageError{Op: "list_sessions_scan", Err: err}
		}
		sess.CreatedAt = msToTime(createdMS)
		sess.LastActivityAt = msToTime(lastMS)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = "msg-" + uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, &errkind.StorageError{Op: "append_message_begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO messages(id, session_id, role, text, tool_name, tool_call_id, tool_args, tool_result, token_estimate, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Role), m.Text, m.ToolName, m.ToolCallID, m.ToolArgs, m.ToolResult, m.TokenEstimate, m.CreatedAt.UnixMilli())
	if err != nil {
		return Message{}, &errkind.StorageError{Op: "append_message", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity_at_ms = ? WHERE id = ?`, m.CreatedAt.UnixMilli(), m.SessionID); err != nil {
		return Message{}, &errkind.StorageError{Op: "append_message_touch", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return Message{}, &errkind.StorageError{Op: "append_message_commit", Err: err}
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, sinceID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, text, tool_name, tool_call_id, tool_args, tool_result, token_estimate, created_at_ms
		FROM messages WHERE session_id = ?`
	args := []interface{}{sessionID}
	if sinceID != "" {
		query += ` AND created_at_ms >= (SELECT created_at_ms FROM messages WHERE id = ?)`
		args = append(args, sinceID)
	}
	query += ` ORDER BY created_at_ms ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errkind.StorageError{Op: "list_messages", Err: err}
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, sessionID string, afterMsgID string) ([]Message, error) {
	var cutoff int64
	if afterMsgID != "" {
		row := s.db.QueryRowContext(ctx, `SELECT created_at_ms FROM messages WHERE id = ?`, afterMsgID)
		if err := row.Scan(&cutoff); err != nil && err != sql.ErrNoRows {
			return nil, &errkind.StorageError{Op: "list_messages_after_lookup", Err: err}
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, text, tool_name, tool_call_id, tool_args, tool_result, token_estimate, created_at_ms
		FROM messages WHERE session_id = ? AND created_at_ms > ? ORDER BY created_at_ms ASC, id ASC`, sessionID, cutoff)
	if err != nil {
		return nil, &errkind.StorageError{Op: "list_messages_after", Err: err}
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var role string
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.ToolName, &m.ToolCallID, &m.ToolArgs, &m.ToolResult, &m.TokenEstimate, &createdMS); err != nil {
			return nil, &errkind.StorageError{Op: "scan_message", Err: err}
		}
		m.Role = MessageRole(role)
		m.CreatedAt = msToTime(createdMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- memory ---

func (s *SQLiteStore) SaveMemory(ctx context.Context, e MemoryEntry) (MemoryEntry, error) {
	now := time.Now()
	if e.ID == "" {
		e.ID = "mem-" + uuid.NewString()
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	tagsJSON, _ := json.Marshal(e.Tags)

	_, err := s.db.ExecContext(ctx, `INSERT INTO memory_entries(id, text, kind, tags_json, source, created_at_ms, updated_at_ms, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET text=excluded.text, kind=excluded.kind, tags_json=excluded.tags_json, source=excluded.source, updated_at_ms=excluded.updated_at_ms, deleted=0`,
		e.ID, e.Text, string(e.Kind), string(tagsJSON), e.Source, e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return MemoryEntry{}, &errkind.StorageError{Op: "save_memory", Err: err}
	}
	return e, nil
}

func (s *SQLiteStore) SoftDeleteMemory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memory_entries SET deleted = 1, updated_at_ms = ? WHERE id = ?`, nowMS(), id)
	if err != nil {
		return &errkind.StorageError{Op: "soft_delete_memory", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errkind.StorageError{Op: "soft_delete_memory", Err: fmt.Errorf("memory %q not found", id)}
	}
	return nil
}

// SearchMemory ranks candidates by FTS bm25 relevance, then applies a
// recency multiplier so recency only breaks near-ties among otherwise
// close matches (§4.1: relevance dominates, recency default weight 10%).
func (s *SQLiteStore) SearchMemory(ctx context.Context, query string, limit int, recencyWeight float64) ([]MemoryHit, error) {
	if limit <= 0 {
		limit = 20
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if recencyWeight <= 0 {
		recencyWeight = 0.10
	}
	// bm25() returns lower-is-better; candidateLimit widens the pool before
	// the recency re-rank so a good-but-not-top match can still surface if
	// much fresher.
	candidateLimit := limit * 4
	if candidateLimit < 20 {
		candidateLimit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.text, m.kind, m.tags_json, m.source, m.created_at_ms, m.updated_at_ms, bm25(memory_entries_fts) AS rank
FROM memory_entries_fts f
JOIN memory_entries m ON m.id = f.entry_id
WHERE memory_entries_fts MATCH ?
AND m.deleted = 0
ORDER BY rank
LIMIT ?`, ftsQuery(query), candidateLimit)
	if err != nil {
		return nil, &errkind.StorageError{Op: "search_memory", Err: err}
	}
	defer rows.Close()

	now := time.Now()
	const halfLife = 14 * 24 * time.Hour
	var hits []MemoryHit
	var minRank, maxRank float64
	first := true
	for rows.Next() {
		var h MemoryHit
		var kind, tagsJSON string
		var createdMS, updatedMS int64
		var rank float64
		if err := rows.Scan(&h.ID, &h.Text, &kind, &tagsJSON, &h.Source, &createdMS, &updatedMS, &rank); err != nil {
			return nil, &errkind.StorageError{Op: "search_memory_scan", Err: err}
		}
		h.Kind = MemoryEntryKind(kind)
		_ = json.Unmarshal([]byte(tagsJSON), &h.Tags)
		h.CreatedAt = msToTime(createdMS)
		h.UpdatedAt = msToTime(updatedMS)
		// bm25 is negative; more negative is better. Flip sign so higher is better.
		relevance := -rank
		if first || rank < minRank {
			minRank = rank
		}
		if first || rank > maxRank {
			maxRank = rank
		}
		first = false
		h.Score = relevance
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &errkind.StorageError{Op: "search_memory_iterate", Err: err}
	}

	spread := maxRank - minRank
	for i := range hits {
		age := now.Sub(hits[i].UpdatedAt)
		recency := decay(age, halfLife)
		if spread > 0 {
			hits[i].Score = hits[i].Score*(1-recencyWeight) + recency*spread*recencyWeight
		} else {
			hits[i].Score = hits[i].Score + recency*recencyWeight
		}
	}
	sortHitsDesc(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func decay(age time.Duration, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	// exp(-ln2 * age/halfLife)
	x := -0.6931471805599453 * (age.Seconds() / halfLife.Seconds())
	return math.Exp(x)
}

func sortHitsDesc(hits []MemoryHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// ftsQuery quotes the raw user text as an FTS5 phrase-ish query, tolerating
// punctuation that would otherwise be interpreted as FTS syntax.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		fields[i] = `"` + f + `"*`
	}
	return strings.Join(fields, " OR ")
}

// --- profiles ---

func (s *SQLiteStore) GetAgentProfile(ctx context.Context) (AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, nature, vibe, emoji, notes FROM agent_profile WHERE id = 1`)
	var p AgentProfile
	if err := row.Scan(&p.Name, &p.Nature, &p.Vibe, &p.Emoji, &p.Notes); err != nil {
		if err == sql.ErrNoRows {
			return AgentProfile{}, nil
		}
		return AgentProfile{}, &errkind.StorageError{Op: "get_agent_profile", Err: err}
	}
	return p, nil
}

func (s *SQLiteStore) SetAgentProfile(ctx context.Context, p AgentProfile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_profile(id, name, nature, vibe, emoji, notes) VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, nature=excluded.nature, vibe=excluded.vibe, emoji=excluded.emoji, notes=excluded.notes`,
		p.Name, p.Nature, p.Vibe, p.Emoji, p.Notes)
	if err != nil {
		return &errkind.StorageError{Op: "set_agent_profile", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetUserProfile(ctx context.Context) (UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, preferred_address, timezone, notes FROM user_profile WHERE id = 1`)
	var p UserProfile
	if err := row.Scan(&p.Name, &p.PreferredAddress, &p.Timezone, &p.Notes); err != nil {
		if err == sql.ErrNoRows {
			return UserProfile{}, nil
		}
		return UserProfile{}, &errkind.StorageError{Op: "get_user_profile", Err: err}
	}
	return p, nil
}

func (s *SQLiteStore) SetUserProfile(ctx context.Context, p UserProfile) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO user_profile(id, name, preferred_address, timezone, notes) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, preferred_address=excluded.preferred_address, timezone=excluded.timezone, notes=excluded.notes`,
		p.Name, p.PreferredAddress, p.Timezone, p.Notes)
	if err != nil {
		return &errkind.StorageError{Op: "set_user_profile", Err: err}
	}
	return nil
}

// --- app state ---

func (s *SQLiteStore) GetAppState(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, &errkind.StorageError{Op: "get_app_state", Err: err}
	}
	return v, true, nil
}

func (s *SQLiteStore) SetAppState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_state(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &errkind.StorageError{Op: "set_app_state", Err: err}
	}
	return nil
}

// --- summaries ---

func (s *SQLiteStore) AddSummary(ctx context.Context, sm SessionSummary) (SessionSummary, error) {
	if sm.ID == "" {
		sm.ID = "summ-" + uuid.NewString()
	}
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO session_summaries(id, session_id, from_msg_id, to_msg_id, summary_text, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.SessionID, sm.FromMsgID, sm.ToMsgID, sm.SummaryText, sm.CreatedAt.UnixMilli())
	if err != nil {
		return SessionSummary{}, &errkind.StorageError{Op: "add_summary", Err: err}
	}
	return sm, nil
}

func (s *SQLiteStore) ListSummaries(ctx context.Context, sessionID string) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, from_msg_id, to_msg_id, summary_text, created_at_ms FROM session_summaries WHERE session_id = ? ORDER BY created_at_ms ASC`, sessionID)
	if err != nil {
		return nil, &errkind.StorageError{Op: "list_summaries", Err: err}
	}
	defer rows.Close()
	out := []SessionSummary{}
	for rows.Next() {
		var sm SessionSummary
		var createdMS int64
		if err := rows.Scan(&sm.ID, &sm.SessionID, &sm.FromMsgID, &sm.ToMsgID, &sm.SummaryText, &createdMS); err != nil {
			return nil, &errkind.StorageError{Op: "list_summaries_scan", Err: err}
		}
		sm.CreatedAt = msToTime(createdMS)
		out = append(out, sm)
	}
	return out, rows.Err()
}

// --- audit / status support ---

func (s *SQLiteStore) LogToolInvocation(ctx context.Context, l ToolInvocationLog) error {
	if l.ID == "" {
		l.ID = "tlog-" + uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tool_invocation_log(id, session_id, tool_name, args_json, ok, duration_ms, created_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SessionID, l.ToolName, l.ArgsJSON, boolToInt(l.OK), l.DurationMS, l.CreatedAt.UnixMilli())
	if err != nil {
		return &errkind.StorageError{Op: "log_tool_invocation", Err: err}
	}
	return nil
}

func (s *SQLiteStore) RecentToolInvocations(ctx context.Context, limit int) ([]ToolInvocationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, tool_name, args_json, ok, duration_ms, created_at_ms FROM tool_invocation_log ORDER BY created_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &errkind.StorageError{Op: "recent_tool_invocations", Err: err}
	}
	defer rows.Close()
	out := []ToolInvocationLog{}
	for rows.Next() {
		var l ToolInvocationLog
		var ok int
		var createdMS int64
		if err := rows.Scan(&l.ID, &l.SessionID, &l.ToolName, &l.ArgsJSON, &ok, &l.DurationMS, &createdMS); err != nil {
			return nil, &errkind.StorageError{Op: "recent_tool_invocations_scan", Err: err}
		}
		l.OK = ok != 0
		l.CreatedAt = msToTime(createdMS)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRemoteServerHealth(ctx context.Context, h RemoteServerHealth) error {
	if h.LastChecked.IsZero() {
		h.LastChecked = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO remote_server_health(name, last_checked_ms, reachable, last_error) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_checked_ms=excluded.last_checked_ms, reachable=excluded.reachable, last_error=excluded.last_error`,
		h.Name, h.LastChecked.UnixMilli(), boolToInt(h.Reachable), h.LastError)
	if err != nil {
		return &errkind.StorageError{Op: "set_remote_server_health", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ListRemoteServerHealth(ctx context.Context) ([]RemoteServerHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, last_checked_ms, reachable, last_error FROM remote_server_health ORDER BY name`)
	if err != nil {
		return nil, &errkind.StorageError{Op: "list_remote_server_health", Err: err}
	}
	defer rows.Close()
	out := []RemoteServerHealth{}
	for rows.Next() {
		var h RemoteServerHealth
		var reachable int
		var checkedMS int64
		if err := rows.Scan(&h.Name, &checkedMS, &reachable, &h.LastError); err != nil {
			return nil, &errkind.StorageError{Op: "list_remote_server_health_scan", Err: err}
		}
		h.Reachable = reachable != 0
		h.LastChecked = msToTime(checkedMS)
		out = append(out, h)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
