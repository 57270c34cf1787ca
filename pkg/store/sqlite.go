package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DurableStore is the persistent tier of record for conversations,
// messages, summaries and knowledge documents.
type DurableStore struct {
	db *sql.DB
}

// NewDurableStore creates/opens the conversation database at path.
func NewDurableStore(path string) (*DurableStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &DurableStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DurableStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DurableStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			normalized_address TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			last_message_text TEXT NOT NULL DEFAULT '',
			last_message_at_ms INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			is_online INTEGER NOT NULL DEFAULT 0,
			channel_session_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_owner_addr_idx ON conversations(owner_id, normalized_address, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			media_json TEXT NOT NULL DEFAULT '{}',
			delivery_status TEXT NOT NULL DEFAULT 'pending',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conv_seq_idx ON messages(conversation_id, seq);`,
		`CREATE INDEX IF NOT EXISTS messages_conv_event_idx ON messages(conversation_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS messages_conv_created_idx ON messages(conversation_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			conversation_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			covered_through_seq INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			id TEXT PRIMARY KEY,
			kb_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS knowledge_kb_status_idx ON knowledge_documents(kb_id, status, updated_at_ms DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

// InsertConversation writes conv if no row with the same id exists.
// An existing id is not an error; the existing row wins.
func (s *DurableStore) InsertConversation(ctx context.Context, conv Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("insert conversation: empty id")
	}
	now := nowMS()
	created := conv.CreatedAt.UnixMilli()
	if conv.CreatedAt.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, owner_id, normalized_address, display_name, last_message_text, last_message_at_ms, unread_count, is_online, channel_session_id, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		conv.ID, conv.OwnerID, conv.NormalizedAddress, conv.DisplayName, conv.LastMessageText,
		conv.LastMessageAt.UnixMilli(), conv.UnreadCount, boolToInt(conv.IsOnline), conv.ChannelSessionID, created, now)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// SaveConversation upserts the full row; used by the flush path when
// the memory copy has unflushed field mutations.
func (s *DurableStore) SaveConversation(ctx context.Context, conv Conversation) error {
	now := nowMS()
	created := conv.CreatedAt.UnixMilli()
	if conv.CreatedAt.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, owner_id, normalized_address, display_name, last_message_text, last_message_at_ms, unread_count, is_online, channel_session_id, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	display_name = excluded.display_name,
	last_message_text = excluded.last_message_text,
	last_message_at_ms = excluded.last_message_at_ms,
	unread_count = excluded.unread_count,
	is_online = excluded.is_online,
	channel_session_id = CASE WHEN excluded.channel_session_id <> '' THEN excluded.channel_session_id ELSE conversations.channel_session_id END,
	updated_at_ms = excluded.updated_at_ms`,
		conv.ID, conv.OwnerID, conv.NormalizedAddress, conv.DisplayName, conv.LastMessageText,
		conv.LastMessageAt.UnixMilli(), conv.UnreadCount, boolToInt(conv.IsOnline), conv.ChannelSessionID, created, now)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// FindConversation resolves the oldest-created durable conversation
// for (ownerID, normalizedAddress). Oldest wins so that the canonical
// pick agrees with reconciliation.
func (s *DurableStore) FindConversation(ctx context.Context, ownerID, normalizedAddress string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, normalized_address, display_name, last_message_text, last_message_at_ms, unread_count, is_online, channel_session_id, created_at_ms, updated_at_ms
FROM conversations
WHERE owner_id = ? AND normalized_address = ?
ORDER BY created_at_ms ASC, id ASC
LIMIT 1`, ownerID, normalizedAddress)
	return scanConversationRow(row, "find conversation")
}

func (s *DurableStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, normalized_address, display_name, last_message_text, last_message_at_ms, unread_count, is_online, channel_session_id, created_at_ms, updated_at_ms
FROM conversations WHERE id = ?`, id)
	return scanConversationRow(row, "get conversation")
}

func scanConversationRow(row *sql.Row, op string) (Conversation, error) {
	var out Conversation
	var lastMS, createdMS, updatedMS int64
	var online int
	if err := row.Scan(&out.ID, &out.OwnerID, &out.NormalizedAddress, &out.DisplayName, &out.LastMessageText,
		&lastMS, &out.UnreadCount, &online, &out.ChannelSessionID, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrConversationNotFound
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	out.LastMessageAt = time.UnixMilli(lastMS)
	out.IsOnline = online != 0
	out.CreatedAt = time.UnixMilli(createdMS)
	out.UpdatedAt = time.UnixMilli(updatedMS)
	return out, nil
}

// ListConversations returns the owner's conversations, most recent
// first. channelSessionID narrows the result when non-empty.
func (s *DurableStore) ListConversations(ctx context.Context, ownerID, channelSessionID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, normalized_address, display_name, last_message_text, last_message_at_ms, unread_count, is_online, channel_session_id, created_at_ms, updated_at_ms
FROM conversations
WHERE owner_id = ?
AND (? = '' OR channel_session_id = ?)
ORDER BY last_message_at_ms DESC, created_at_ms ASC`, ownerID, channelSessionID, channelSessionID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		var lastMS, createdMS, updatedMS int64
		var online int
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.NormalizedAddress, &c.DisplayName, &c.LastMessageText,
			&lastMS, &c.UnreadCount, &online, &c.ChannelSessionID, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.LastMessageAt = time.UnixMilli(lastMS)
		c.IsOnline = online != 0
		c.CreatedAt = time.UnixMilli(createdMS)
		c.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *DurableStore) MarkRead(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET unread_count = 0, updated_at_ms = ? WHERE id = ?`, nowMS(), conversationID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// InsertMessage writes msg unless it is a duplicate: same id, same
// (conversation, event id), or same (conversation, role, content)
// within dedupWindow of an existing row. Reports whether a row was
// written.
func (s *DurableStore) InsertMessage(ctx context.Context, msg Message, dedupWindow time.Duration) (bool, error) {
	if msg.ID == "" {
		msg.ID = "msg-" + uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = DeliveryPending
	}
	created := msg.CreatedAt.UnixMilli()
	windowMS := dedupWindow.Milliseconds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("insert message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dupes int
	row := tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages
WHERE id = ?
OR (conversation_id = ? AND event_id <> '' AND event_id = ?)
OR (conversation_id = ? AND role = ? AND content = ? AND created_at_ms BETWEEN ? AND ?)`,
		msg.ID,
		msg.ConversationID, msg.EventID,
		msg.ConversationID, string(msg.Role), msg.Content, created-windowMS, created+windowMS)
	if err := row.Scan(&dupes); err != nil {
		return false, fmt.Errorf("insert message dedup check: %w", err)
	}
	if dupes > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, event_id, seq, role, content, media_json, delivery_status, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.EventID, msg.Seq, string(msg.Role), msg.Content,
		encodeMap(msg.Media), string(msg.DeliveryStatus), created); err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE conversations
SET last_message_text = ?, last_message_at_ms = ?, updated_at_ms = ?
WHERE id = ? AND last_message_at_ms <= ?`,
		msg.Content, created, nowMS(), msg.ConversationID, created); err != nil {
		return false, fmt.Errorf("insert message touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("insert message commit: %w", err)
	}
	return true, nil
}

// ListMessages returns messages in seq order; limit <= 0 means all.
func (s *DurableStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	query := `
SELECT id, conversation_id, event_id, seq, role, content, media_json, delivery_status, created_at_ms
FROM messages
WHERE conversation_id = ?
ORDER BY seq ASC, created_at_ms ASC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query = `
SELECT id, conversation_id, event_id, seq, role, content, media_json, delivery_status, created_at_ms
FROM (
	SELECT id, conversation_id, event_id, seq, role, content, media_json, delivery_status, created_at_ms
	FROM messages
	WHERE conversation_id = ?
	ORDER BY seq DESC, created_at_ms DESC
	LIMIT ?
)
ORDER BY seq ASC, created_at_ms ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		var role, status, mediaRaw string
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.EventID, &m.Seq, &role, &m.Content, &mediaRaw, &status, &createdMS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.DeliveryStatus = DeliveryStatus(status)
		m.Media = decodeMap(mediaRaw)
		m.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *DurableStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

func (s *DurableStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM messages WHERE conversation_id = ?`, conversationID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *DurableStore) UpdateDeliveryStatus(ctx context.Context, messageID string, status DeliveryStatus) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE messages SET delivery_status = ? WHERE id = ?`, string(status), messageID)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	return nil
}

// UpsertSummary overwrites the conversation summary. The covered
// sequence number only moves forward; a stale write is a no-op.
func (s *DurableStore) UpsertSummary(ctx context.Context, sum Summary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO summaries(conversation_id, text, covered_through_seq, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	text = excluded.text,
	covered_through_seq = excluded.covered_through_seq,
	updated_at_ms = excluded.updated_at_ms
WHERE excluded.covered_through_seq >= summaries.covered_through_seq`,
		sum.ConversationID, sum.Text, sum.CoveredThroughSeq, nowMS())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *DurableStore) GetSummary(ctx context.Context, conversationID string) (Summary, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT conversation_id, text, covered_through_seq, updated_at_ms
FROM summaries WHERE conversation_id = ?`, conversationID)
	var out Summary
	var updatedMS int64
	if err := row.Scan(&out.ConversationID, &out.Text, &out.CoveredThroughSeq, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Summary{}, false, nil
		}
		return Summary{}, false, fmt.Errorf("get summary: %w", err)
	}
	out.UpdatedAt = time.UnixMilli(updatedMS)
	return out, true, nil
}

// DuplicateGroups returns, per (owner, normalized address) with more
// than one live conversation, the member ids ordered oldest first.
func (s *DurableStore) DuplicateGroups(ctx context.Context) ([][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.owner_id, c.normalized_address
FROM conversations c
JOIN (
	SELECT owner_id, normalized_address
	FROM conversations
	GROUP BY owner_id, normalized_address
	HAVING COUNT(1) > 1
) d ON d.owner_id = c.owner_id AND d.normalized_address = c.normalized_address
ORDER BY c.owner_id, c.normalized_address, c.created_at_ms ASC, c.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("duplicate groups: %w", err)
	}
	defer rows.Close()

	groups := map[string][]string{}
	order := []string{}
	for rows.Next() {
		var id, owner, addr string
		if err := rows.Scan(&id, &owner, &addr); err != nil {
			return nil, fmt.Errorf("scan duplicate group: %w", err)
		}
		key := owner + "\x00" + addr
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate groups: %w", err)
	}

	out := make([][]string, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out, nil
}

// MergeConversations re-parents all messages of the duplicate
// conversations onto canonicalID, interleaving by creation time and
// reassigning a dense seq, then deletes the superseded shells. Message
// content is never mutated.
func (s *DurableStore) MergeConversations(ctx context.Context, canonicalID string, duplicateIDs []string) error {
	if len(duplicateIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("merge conversations begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := append([]string{canonicalID}, duplicateIDs...)
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
SELECT id, created_at_ms, seq FROM messages WHERE conversation_id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("merge conversations select messages: %w", err)
	}
	type msgRef struct {
		id        string
		createdMS int64
		seq       int64
	}
	refs := []msgRef{}
	for rows.Next() {
		var r msgRef
		if err := rows.Scan(&r.id, &r.createdMS, &r.seq); err != nil {
			rows.Close()
			return fmt.Errorf("merge conversations scan message: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("merge conversations iterate messages: %w", err)
	}
	rows.Close()

	// Interleave on creation time; original seq breaks ties so each
	// source conversation's internal ordering is preserved.
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].createdMS != refs[j].createdMS {
			return refs[i].createdMS < refs[j].createdMS
		}
		if refs[i].seq != refs[j].seq {
			return refs[i].seq < refs[j].seq
		}
		return refs[i].id < refs[j].id
	})

	for i, r := range refs {
		if _, err := tx.ExecContext(ctx, `
UPDATE messages SET conversation_id = ?, seq = ? WHERE id = ?`, canonicalID, int64(i+1), r.id); err != nil {
			return fmt.Errorf("merge conversations reparent message: %w", err)
		}
	}

	if len(refs) > 0 {
		last := refs[len(refs)-1]
		var lastContent string
		row := tx.QueryRowContext(ctx, `SELECT content FROM messages WHERE id = ?`, last.id)
		if err := row.Scan(&lastContent); err != nil {
			return fmt.Errorf("merge conversations read last message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET last_message_text = ?, last_message_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
			lastContent, last.createdMS, nowMS(), canonicalID); err != nil {
			return fmt.Errorf("merge conversations touch canonical: %w", err)
		}
	}

	dupPlaceholders := strings.TrimRight(strings.Repeat("?,", len(duplicateIDs)), ",")
	dupArgs := make([]interface{}, 0, len(duplicateIDs))
	for _, id := range duplicateIDs {
		dupArgs = append(dupArgs, id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM summaries WHERE conversation_id IN (%s)`, dupPlaceholders), dupArgs...); err != nil {
		return fmt.Errorf("merge conversations drop dup summaries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM conversations WHERE id IN (%s)`, dupPlaceholders), dupArgs...); err != nil {
		return fmt.Errorf("merge conversations drop shells: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("merge conversations commit: %w", err)
	}
	return nil
}

// UpsertDocument writes or refreshes a knowledge-base document.
func (s *DurableStore) UpsertDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = "doc-" + uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = DocumentActive
	}
	now := nowMS()
	created := doc.CreatedAt.UnixMilli()
	if doc.CreatedAt.IsZero() {
		created = now
		doc.CreatedAt = time.UnixMilli(now)
	}
	doc.UpdatedAt = time.UnixMilli(now)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO knowledge_documents(id, kb_id, title, content, status, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kb_id = excluded.kb_id,
	title = excluded.title,
	content = excluded.content,
	status = excluded.status,
	updated_at_ms = excluded.updated_at_ms`,
		doc.ID, doc.KBID, doc.Title, doc.Content, doc.Status, created, now)
	if err != nil {
		return Document{}, fmt.Errorf("upsert document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns the active documents bound to kbID.
func (s *DurableStore) ListDocuments(ctx context.Context, kbID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kb_id, title, content, status, created_at_ms, updated_at_ms
FROM knowledge_documents
WHERE kb_id = ? AND status = ?
ORDER BY created_at_ms ASC, id ASC`, kbID, DocumentActive)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		var d Document
		var createdMS, updatedMS int64
		if err := rows.Scan(&d.ID, &d.KBID, &d.Title, &d.Content, &d.Status, &createdMS, &updatedMS); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt = time.UnixMilli(createdMS)
		d.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

func (s *DurableStore) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE knowledge_documents SET status = 'deleted', updated_at_ms = ? WHERE id = ?`, nowMS(), id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
