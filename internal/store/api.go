package store

import "github.com/joelkehle/ucsbridge/internal/ucs"

// API is the message/conversation store used by the lifecycle and the
// backend. It allows swapping in-memory and persistent implementations.
type API interface {
	SaveMessage(m *ucs.Message) (*ucs.Message, error)
	UpdateMessage(m *ucs.Message) error
	GetMessageByID(id string) (*ucs.Message, bool)
	ListMessages() []ucs.Message
	ListMessagesPage(from, count int) []ucs.Message
	GetRelatedMessages(messageID string) []ucs.Message

	AddMessageReference(token string, tuple ucs.MessageRecipientTuple) error
	GetTupleByReference(token string) (ucs.MessageRecipientTuple, bool)

	SaveConversation(c *ucs.Conversation) (*ucs.Conversation, error)
	GetConversationByID(id string) (*ucs.Conversation, bool)
	IsKnownConversation(id string) bool
	ListMessagesByConversationID(id string, from, count *int) []ucs.Message
	QueryConversations(query string, filters []ucs.QueryFilter) ([]ucs.Conversation, error)
	QueryMessages(query string, filters []ucs.QueryFilter) ([]ucs.Message, error)

	Stats() map[string]any
	Close() error
}
