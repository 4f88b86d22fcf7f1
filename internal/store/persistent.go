package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/joelkehle/ucsbridge/internal/ucs"
)

type persistentState struct {
	Messages             []ucs.Message                        `json:"messages"`
	Conversations        []ucs.Conversation                   `json:"conversations"`
	ConversationMessages map[string][]string                  `json:"conversation_messages"`
	References           map[string]ucs.MessageRecipientTuple `json:"references"`
}

// PersistentStore snapshots the in-memory store to a JSON file after every
// write.
type PersistentStore struct {
	inner          *Store
	path           string
	mu             sync.Mutex
	lastPersistErr string
}

func NewPersistentStore(path string, cfg Config) (*PersistentStore, error) {
	ps := &PersistentStore{
		inner: NewStore(cfg),
		path:  path,
	}
	if err := ps.load(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (p *PersistentStore) stateSnapshot() persistentState {
	p.inner.mu.RLock()
	defer p.inner.mu.RUnlock()

	state := persistentState{
		Messages:             p.inner.collectLocked(p.inner.messageOrder),
		Conversations:        make([]ucs.Conversation, 0, len(p.inner.conversationOrder)),
		ConversationMessages: map[string][]string{},
		References:           map[string]ucs.MessageRecipientTuple{},
	}
	for _, id := range p.inner.conversationOrder {
		state.Conversations = append(state.Conversations, *p.inner.conversations[id].Clone())
	}
	for k, v := range p.inner.conversationMessages {
		state.ConversationMessages[k] = append([]string{}, v...)
	}
	for k, v := range p.inner.references {
		state.References[k] = v
	}
	return state
}

func (p *PersistentStore) applyState(state persistentState) {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()

	for i := range state.Messages {
		p.inner.putLocked(state.Messages[i].Clone())
	}
	for i := range state.Conversations {
		c := state.Conversations[i].Clone()
		if _, ok := p.inner.conversations[c.ConversationID]; !ok {
			p.inner.conversationOrder = append(p.inner.conversationOrder, c.ConversationID)
		}
		p.inner.conversations[c.ConversationID] = c
	}
	for k, v := range state.ConversationMessages {
		p.inner.conversationMessages[k] = append([]string{}, v...)
	}
	for k, v := range state.References {
		p.inner.references[k] = v
	}
}

func (p *PersistentStore) persist() error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	blob, err := json.MarshalIndent(p.stateSnapshot(), "", "  ")
	if err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.lastPersistErr = err.Error()
		return err
	}
	p.lastPersistErr = ""
	return nil
}

func (p *PersistentStore) load() error {
	if p.path == "" {
		return nil
	}
	blob, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state persistentState
	if err := json.Unmarshal(blob, &state); err != nil {
		return err
	}
	p.applyState(state)
	return nil
}

func (p *PersistentStore) persistErr(err error) error {
	if err != nil {
		return ucs.Wrap(ucs.KindInternal, "persist state", err)
	}
	return nil
}

func (p *PersistentStore) SaveMessage(m *ucs.Message) (*ucs.Message, error) {
	out, err := p.inner.SaveMessage(m)
	if err != nil {
		return nil, err
	}
	if perr := p.persistErr(p.persist()); perr != nil {
		return nil, perr
	}
	return out, nil
}

func (p *PersistentStore) UpdateMessage(m *ucs.Message) error {
	if err := p.inner.UpdateMessage(m); err != nil {
		return err
	}
	return p.persistErr(p.persist())
}

func (p *PersistentStore) GetMessageByID(id string) (*ucs.Message, bool) {
	return p.inner.GetMessageByID(id)
}

func (p *PersistentStore) ListMessages() []ucs.Message {
	return p.inner.ListMessages()
}

func (p *PersistentStore) ListMessagesPage(from, count int) []ucs.Message {
	return p.inner.ListMessagesPage(from, count)
}

func (p *PersistentStore) GetRelatedMessages(messageID string) []ucs.Message {
	return p.inner.GetRelatedMessages(messageID)
}

func (p *PersistentStore) AddMessageReference(token string, tuple ucs.MessageRecipientTuple) error {
	if err := p.inner.AddMessageReference(token, tuple); err != nil {
		return err
	}
	return p.persistErr(p.persist())
}

func (p *PersistentStore) GetTupleByReference(token string) (ucs.MessageRecipientTuple, bool) {
	return p.inner.GetTupleByReference(token)
}

func (p *PersistentStore) SaveConversation(c *ucs.Conversation) (*ucs.Conversation, error) {
	out, err := p.inner.SaveConversation(c)
	if err != nil {
		return nil, err
	}
	if perr := p.persistErr(p.persist()); perr != nil {
		return nil, perr
	}
	return out, nil
}

func (p *PersistentStore) GetConversationByID(id string) (*ucs.Conversation, bool) {
	return p.inner.GetConversationByID(id)
}

func (p *PersistentStore) IsKnownConversation(id string) bool {
	return p.inner.IsKnownConversation(id)
}

func (p *PersistentStore) ListMessagesByConversationID(id string, from, count *int) []ucs.Message {
	return p.inner.ListMessagesByConversationID(id, from, count)
}

func (p *PersistentStore) QueryConversations(query string, filters []ucs.QueryFilter) ([]ucs.Conversation, error) {
	return p.inner.QueryConversations(query, filters)
}

func (p *PersistentStore) QueryMessages(query string, filters []ucs.QueryFilter) ([]ucs.Message, error) {
	return p.inner.QueryMessages(query, filters)
}

func (p *PersistentStore) Stats() map[string]any {
	out := p.inner.Stats()
	out["backend"] = "persistent"
	p.mu.Lock()
	if p.lastPersistErr != "" {
		out["persist_error"] = p.lastPersistErr
	}
	p.mu.Unlock()
	return out
}

func (p *PersistentStore) Close() error {
	return p.persist()
}

var _ API = (*PersistentStore)(nil)
