package store

import (
	"testing"

	"github.com/joelkehle/ucsbridge/internal/ucs"
)

func FuzzQueryDoesNotPanic(f *testing.F) {
	f.Add("", "kind", "alert")
	f.Add("pump", "sender", "ops")
	f.Add("x", "status", "Pending")
	f.Add("", "", "")
	f.Add("ward", "participant", "nurse")

	f.Fuzz(func(t *testing.T, query, field, value string) {
		s := NewStore(Config{})
		_, _ = s.SaveMessage(&ucs.Message{Subject: "pump 4", Sender: "ops", Kind: ucs.KindAlert, AlertStatus: ucs.AlertPending, ConversationID: "C1"})
		_, _ = s.SaveConversation(&ucs.Conversation{ConversationID: "C1", Subject: "ward", Participants: []string{"nurse"}})

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("query panicked: %v", r)
			}
		}()
		filters := []ucs.QueryFilter{{Field: field, Value: value}}
		_, _ = s.QueryMessages(query, filters)
		_, _ = s.QueryConversations(query, filters)
	})
}

func FuzzPageBounds(f *testing.F) {
	f.Add(0, 0)
	f.Add(-1, 3)
	f.Add(5, -1)
	f.Add(1<<30, 2)

	f.Fuzz(func(t *testing.T, from, count int) {
		ids := []string{"a", "b", "c", "d"}
		got := page(ids, from, count)
		if len(got) > len(ids) {
			t.Fatalf("page(%d, %d) returned %d ids", from, count, len(got))
		}
	})
}
