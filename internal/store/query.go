package store

import (
	"strings"

	"github.com/joelkehle/ucsbridge/internal/ucs"
)

// An empty query with no filters matches everything.

func conversationMatcher(query string, filters []ucs.QueryFilter) (func(*ucs.Conversation) bool, error) {
	for _, f := range filters {
		switch f.Field {
		case "id", "subject", "participant":
		default:
			return nil, ucs.Errorf(ucs.KindInvalidQuery, "unsupported conversation filter %q", f.Field)
		}
	}
	q := strings.ToLower(strings.TrimSpace(query))
	return func(c *ucs.Conversation) bool {
		if q != "" && !strings.Contains(strings.ToLower(c.ConversationID), q) && !strings.Contains(strings.ToLower(c.Subject), q) {
			return false
		}
		for _, f := range filters {
			switch f.Field {
			case "id":
				if c.ConversationID != f.Value {
					return false
				}
			case "subject":
				if c.Subject != f.Value {
					return false
				}
			case "participant":
				if !containsString(c.Participants, f.Value) {
					return false
				}
			}
		}
		return true
	}, nil
}

func messageMatcher(query string, filters []ucs.QueryFilter) (func(*ucs.Message) bool, error) {
	for _, f := range filters {
		switch f.Field {
		case "sender", "subject", "conversation", "kind", "status":
		default:
			return nil, ucs.Errorf(ucs.KindInvalidQuery, "unsupported message filter %q", f.Field)
		}
	}
	q := strings.ToLower(strings.TrimSpace(query))
	return func(m *ucs.Message) bool {
		if q != "" && !messageContains(m, q) {
			return false
		}
		for _, f := range filters {
			var got string
			switch f.Field {
			case "sender":
				got = m.Sender
			case "subject":
				got = m.Subject
			case "conversation":
				got = m.ConversationID
			case "kind":
				got = string(m.Kind)
			case "status":
				got = string(m.AlertStatus)
			}
			if got != f.Value {
				return false
			}
		}
		return true
	}, nil
}

func messageContains(m *ucs.Message, q string) bool {
	if strings.Contains(strings.ToLower(m.Subject), q) || strings.Contains(strings.ToLower(m.Sender), q) {
		return true
	}
	for _, p := range m.Parts {
		if strings.Contains(strings.ToLower(p.Content), q) {
			return true
		}
	}
	return false
}
