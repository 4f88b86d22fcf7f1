package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joelkehle/ucsbridge/internal/ucs"
)

type Config struct {
	Clock func() time.Time
}

// Store is the in-memory implementation. Iteration follows insertion order.
type Store struct {
	mu sync.RWMutex

	cfg Config

	messages     map[string]*ucs.Message
	messageOrder []string

	conversations     map[string]*ucs.Conversation
	conversationOrder []string

	conversationMessages map[string][]string
	references           map[string]ucs.MessageRecipientTuple
}

func NewStore(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		cfg:                  cfg,
		messages:             map[string]*ucs.Message{},
		conversations:        map[string]*ucs.Conversation{},
		conversationMessages: map[string][]string{},
		references:           map[string]ucs.MessageRecipientTuple{},
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

// normalizeMessage fills the id, kind and creation time SaveMessage would
// assign, without storing anything.
func (s *Store) normalizeMessage(m *ucs.Message) (*ucs.Message, error) {
	if m == nil {
		return nil, ucs.NewError(ucs.KindValidation, "message is required")
	}
	cp := m.Clone()
	cp.MessageID = strings.TrimSpace(cp.MessageID)
	if cp.MessageID == "" {
		cp.MessageID = uuid.NewString()
	}
	if cp.Kind == "" {
		cp.Kind = ucs.KindMessage
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	return cp, nil
}

// conversationSlot reports where messageID would be appended in the
// conversation, or false when it is already a member.
func (s *Store) conversationSlot(conversationID, messageID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.conversationMessages[conversationID]
	if containsString(ids, messageID) {
		return 0, false
	}
	return len(ids), true
}

func (s *Store) SaveMessage(m *ucs.Message) (*ucs.Message, error) {
	cp, err := s.normalizeMessage(m)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(cp)
	if cid := cp.ConversationID; cid != "" && !containsString(s.conversationMessages[cid], cp.MessageID) {
		s.conversationMessages[cid] = append(s.conversationMessages[cid], cp.MessageID)
	}
	return cp.Clone(), nil
}

func (s *Store) UpdateMessage(m *ucs.Message) error {
	if m == nil || strings.TrimSpace(m.MessageID) == "" {
		return ucs.NewError(ucs.KindValidation, "message_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(m.Clone())
	return nil
}

func (s *Store) putLocked(m *ucs.Message) {
	if _, ok := s.messages[m.MessageID]; !ok {
		s.messageOrder = append(s.messageOrder, m.MessageID)
	}
	s.messages[m.MessageID] = m
}

func (s *Store) GetMessageByID(id string) (*ucs.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (s *Store) ListMessages() []ucs.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.messageOrder)
}

func (s *Store) ListMessagesPage(from, count int) []ucs.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(page(s.messageOrder, from, count))
}

func (s *Store) GetRelatedMessages(messageID string) []ucs.Message {
	out := []ucs.Message{}
	if strings.TrimSpace(messageID) == "" {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.messageOrder {
		if m := s.messages[id]; m.RelatedMessageID == messageID {
			out = append(out, *m.Clone())
		}
	}
	return out
}

func (s *Store) AddMessageReference(token string, tuple ucs.MessageRecipientTuple) error {
	if strings.TrimSpace(token) == "" {
		return ucs.NewError(ucs.KindValidation, "reference token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[token] = tuple
	return nil
}

func (s *Store) GetTupleByReference(token string) (ucs.MessageRecipientTuple, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.references[token]
	return t, ok
}

func (s *Store) normalizeConversation(c *ucs.Conversation) (*ucs.Conversation, error) {
	if c == nil {
		return nil, ucs.NewError(ucs.KindValidation, "conversation is required")
	}
	cp := c.Clone()
	cp.ConversationID = strings.TrimSpace(cp.ConversationID)
	if cp.ConversationID == "" {
		cp.ConversationID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	return cp, nil
}

func (s *Store) SaveConversation(c *ucs.Conversation) (*ucs.Conversation, error) {
	cp, err := s.normalizeConversation(c)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[cp.ConversationID]; exists {
		return nil, ucs.Errorf(ucs.KindConflict, "conversation %s already exists", cp.ConversationID)
	}
	s.conversations[cp.ConversationID] = cp
	s.conversationOrder = append(s.conversationOrder, cp.ConversationID)
	return cp.Clone(), nil
}

func (s *Store) GetConversationByID(id string) (*ucs.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// IsKnownConversation tracks message presence, not the conversation record.
func (s *Store) IsKnownConversation(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversationMessages[id]) > 0
}

func (s *Store) ListMessagesByConversationID(id string, from, count *int) []ucs.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.conversationMessages[id]
	start, n := 0, -1
	if from != nil {
		start = *from
	}
	if count != nil {
		n = *count
	}
	return s.collectLocked(page(ids, start, n))
}

func (s *Store) QueryConversations(query string, filters []ucs.QueryFilter) ([]ucs.Conversation, error) {
	match, err := conversationMatcher(query, filters)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ucs.Conversation{}
	for _, id := range s.conversationOrder {
		c := s.conversations[id]
		if match(c) {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (s *Store) QueryMessages(query string, filters []ucs.QueryFilter) ([]ucs.Message, error) {
	match, err := messageMatcher(query, filters)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ucs.Message{}
	for _, id := range s.messageOrder {
		m := s.messages[id]
		if match(m) {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"messages":      len(s.messages),
		"conversations": len(s.conversations),
		"references":    len(s.references),
	}
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) collectLocked(ids []string) []ucs.Message {
	out := make([]ucs.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out = append(out, *m.Clone())
		}
	}
	return out
}

// page applies offset then limit. A negative count means no limit.
func page(ids []string, from, count int) []string {
	if from < 0 {
		from = 0
	}
	if from > len(ids) {
		from = len(ids)
	}
	end := len(ids)
	if count >= 0 && count < end-from {
		end = from + count
	}
	return ids[from:end]
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

var _ API = (*Store)(nil)
