package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the working set in an embedded in-memory Store and writes
// every mutation through to SQLite. Reads never touch the database.
type SQLiteStore struct {
	inner *Store
	db    *sqlx.DB
	mu    sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	message_id         TEXT PRIMARY KEY,
	conversation_id    TEXT NOT NULL DEFAULT '',
	related_message_id TEXT NOT NULL DEFAULT '',
	sender             TEXT NOT NULL DEFAULT '',
	subject            TEXT NOT NULL DEFAULT '',
	kind               TEXT NOT NULL DEFAULT 'message',
	alert_status       TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	payload            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	subject         TEXT NOT NULL DEFAULT '',
	participants    TEXT NOT NULL DEFAULT '[]',
	meta            TEXT,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	conversation_id TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	position        INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, position)
);

CREATE TABLE IF NOT EXISTS message_references (
	token        TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	recipient_id TEXT NOT NULL DEFAULT ''
);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		inner: NewStore(cfg),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- load all state from SQLite into the in-memory Store ---

type messageRow struct {
	MessageID string `db:"message_id"`
	Payload   string `db:"payload"`
}

type conversationRow struct {
	ConversationID string  `db:"conversation_id"`
	Subject        string  `db:"subject"`
	Participants   string  `db:"participants"`
	Meta           *string `db:"meta"`
	CreatedAt      string  `db:"created_at"`
}

type conversationMessageRow struct {
	ConversationID string `db:"conversation_id"`
	MessageID      string `db:"message_id"`
}

type referenceRow struct {
	Token       string `db:"token"`
	MessageID   string `db:"message_id"`
	RecipientID string `db:"recipient_id"`
}

func (s *SQLiteStore) loadAll() error {
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()

	var messages []messageRow
	if err := s.db.Select(&messages, "SELECT message_id, payload FROM messages ORDER BY rowid"); err != nil {
		return err
	}
	for _, row := range messages {
		var m ucs.Message
		if err := json.Unmarshal([]byte(row.Payload), &m); err != nil {
			return fmt.Errorf("decode message %s: %w", row.MessageID, err)
		}
		s.inner.putLocked(&m)
	}

	var conversations []conversationRow
	if err := s.db.Select(&conversations, "SELECT conversation_id, subject, participants, meta, created_at FROM conversations ORDER BY rowid"); err != nil {
		return err
	}
	for _, row := range conversations {
		c := &ucs.Conversation{ConversationID: row.ConversationID, Subject: row.Subject}
		_ = json.Unmarshal([]byte(row.Participants), &c.Participants)
		if row.Meta != nil && *row.Meta != "" {
			_ = json.Unmarshal([]byte(*row.Meta), &c.Meta)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, row.CreatedAt)
		s.inner.conversations[c.ConversationID] = c
		s.inner.conversationOrder = append(s.inner.conversationOrder, c.ConversationID)
	}

	var members []conversationMessageRow
	if err := s.db.Select(&members, "SELECT conversation_id, message_id FROM conversation_messages ORDER BY conversation_id, position"); err != nil {
		return err
	}
	for _, row := range members {
		s.inner.conversationMessages[row.ConversationID] = append(s.inner.conversationMessages[row.ConversationID], row.MessageID)
	}

	var refs []referenceRow
	if err := s.db.Select(&refs, "SELECT token, message_id, recipient_id FROM message_references"); err != nil {
		return err
	}
	for _, row := range refs {
		s.inner.references[row.Token] = ucs.MessageRecipientTuple{MessageID: row.MessageID, RecipientID: row.RecipientID}
	}
	return nil
}

// --- persist helpers ---

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func nullableJSON(v map[string]string) *string {
	if len(v) == 0 {
		return nil
	}
	out := marshalJSON(v)
	return &out
}

func saveMessageRow(db sqlx.Execer, m *ucs.Message) error {
	_, err := db.Exec(`INSERT INTO messages (message_id, conversation_id, related_message_id, sender, subject, kind, alert_status, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			related_message_id = excluded.related_message_id,
			sender = excluded.sender,
			subject = excluded.subject,
			kind = excluded.kind,
			alert_status = excluded.alert_status,
			payload = excluded.payload`,
		m.MessageID,
		m.ConversationID,
		m.RelatedMessageID,
		m.Sender,
		m.Subject,
		string(m.Kind),
		string(m.AlertStatus),
		timeToString(m.CreatedAt),
		marshalJSON(m),
	)
	return err
}

func (s *SQLiteStore) saveConversationRow(c *ucs.Conversation) error {
	_, err := s.db.Exec(`INSERT INTO conversations (conversation_id, subject, participants, meta, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ConversationID,
		c.Subject,
		marshalJSON(append([]string{}, c.Participants...)),
		nullableJSON(c.Meta),
		timeToString(c.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) persistErr(op string, err error) error {
	if err != nil {
		return ucs.Wrap(ucs.KindInternal, op, err)
	}
	return nil
}

// --- API implementation ---
//
// Mutations hit SQLite first. The in-memory copy only changes once the row is
// written, so a failed write leaves both sides as they were.

func (s *SQLiteStore) SaveMessage(m *ucs.Message) (*ucs.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepared, err := s.inner.normalizeMessage(m)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return nil, s.persistErr("begin save message", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveMessageRow(tx, prepared); err != nil {
		return nil, s.persistErr("save message", err)
	}
	if cid := prepared.ConversationID; cid != "" {
		if position, ok := s.inner.conversationSlot(cid, prepared.MessageID); ok {
			if _, err := tx.Exec(`INSERT OR REPLACE INTO conversation_messages (conversation_id, message_id, position) VALUES (?, ?, ?)`,
				cid, prepared.MessageID, position); err != nil {
				return nil, s.persistErr("save conversation membership", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, s.persistErr("commit message", err)
	}
	return s.inner.SaveMessage(prepared)
}

func (s *SQLiteStore) UpdateMessage(m *ucs.Message) error {
	if m == nil || strings.TrimSpace(m.MessageID) == "" {
		return ucs.NewError(ucs.KindValidation, "message_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := saveMessageRow(s.db, m); err != nil {
		return s.persistErr("update message", err)
	}
	return s.inner.UpdateMessage(m)
}

func (s *SQLiteStore) GetMessageByID(id string) (*ucs.Message, bool) {
	return s.inner.GetMessageByID(id)
}

func (s *SQLiteStore) ListMessages() []ucs.Message {
	return s.inner.ListMessages()
}

func (s *SQLiteStore) ListMessagesPage(from, count int) []ucs.Message {
	return s.inner.ListMessagesPage(from, count)
}

func (s *SQLiteStore) GetRelatedMessages(messageID string) []ucs.Message {
	return s.inner.GetRelatedMessages(messageID)
}

func (s *SQLiteStore) AddMessageReference(token string, tuple ucs.MessageRecipientTuple) error {
	if strings.TrimSpace(token) == "" {
		return ucs.NewError(ucs.KindValidation, "reference token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO message_references (token, message_id, recipient_id) VALUES (?, ?, ?)`,
		token, tuple.MessageID, tuple.RecipientID); err != nil {
		return s.persistErr("save reference", err)
	}
	return s.inner.AddMessageReference(token, tuple)
}

func (s *SQLiteStore) GetTupleByReference(token string) (ucs.MessageRecipientTuple, bool) {
	return s.inner.GetTupleByReference(token)
}

func (s *SQLiteStore) SaveConversation(c *ucs.Conversation) (*ucs.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prepared, err := s.inner.normalizeConversation(c)
	if err != nil {
		return nil, err
	}
	if _, exists := s.inner.GetConversationByID(prepared.ConversationID); exists {
		return nil, ucs.Errorf(ucs.KindConflict, "conversation %s already exists", prepared.ConversationID)
	}
	if err := s.saveConversationRow(prepared); err != nil {
		return nil, s.persistErr("save conversation", err)
	}
	return s.inner.SaveConversation(prepared)
}

func (s *SQLiteStore) GetConversationByID(id string) (*ucs.Conversation, bool) {
	return s.inner.GetConversationByID(id)
}

func (s *SQLiteStore) IsKnownConversation(id string) bool {
	return s.inner.IsKnownConversation(id)
}

func (s *SQLiteStore) ListMessagesByConversationID(id string, from, count *int) []ucs.Message {
	return s.inner.ListMessagesByConversationID(id, from, count)
}

func (s *SQLiteStore) QueryConversations(query string, filters []ucs.QueryFilter) ([]ucs.Conversation, error) {
	return s.inner.QueryConversations(query, filters)
}

func (s *SQLiteStore) QueryMessages(query string, filters []ucs.QueryFilter) ([]ucs.Message, error) {
	return s.inner.QueryMessages(query, filters)
}

func (s *SQLiteStore) Stats() map[string]any {
	out := s.inner.Stats()
	out["backend"] = "sqlite"
	return out
}

// Ensure SQLiteStore satisfies the API interface at compile time.
var _ API = (*SQLiteStore)(nil)
