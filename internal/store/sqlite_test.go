package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T, dbPath string) *SQLiteStore {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	s, err := NewSQLiteStore(dbPath, Config{Clock: func() time.Time { return now }})
	require.NoError(t, err)
	return s
}

func TestSQLiteRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")

	s1 := newTestSQLiteStore(t, dbPath)
	_, err := s1.SaveConversation(&ucs.Conversation{
		ConversationID: "C1",
		Subject:        "ICU",
		Participants:   []string{"alice", "bob"},
		Meta:           map[string]string{"ward": "4"},
	})
	require.NoError(t, err)

	alert := sampleMessage("A1", "C1")
	alert.Kind = ucs.KindAlert
	alert.AlertStatus = ucs.AlertPending
	alert.OnNoResponse = []ucs.Message{{MessageID: "esc", Subject: "escalate"}}
	_, err = s1.SaveMessage(alert)
	require.NoError(t, err)
	_, err = s1.SaveMessage(sampleMessage("M2", "C1"))
	require.NoError(t, err)
	require.NoError(t, s1.AddMessageReference("tok-1", ucs.MessageRecipientTuple{MessageID: "A1", RecipientID: "r1"}))

	alert.AlertStatus = ucs.AlertAcknowledged
	require.NoError(t, s1.UpdateMessage(alert))
	require.NoError(t, s1.Close())

	s2 := newTestSQLiteStore(t, dbPath)
	t.Cleanup(func() { s2.Close() })

	got, ok := s2.GetMessageByID("A1")
	require.True(t, ok)
	assert.Equal(t, ucs.AlertAcknowledged, got.AlertStatus)
	assert.Equal(t, alert.Parts, got.Parts)
	assert.Equal(t, alert.Recipients, got.Recipients)
	require.Len(t, got.OnNoResponse, 1)
	assert.Equal(t, "escalate", got.OnNoResponse[0].Subject)

	members := s2.ListMessagesByConversationID("C1", nil, nil)
	require.Len(t, members, 2)
	assert.Equal(t, "A1", members[0].MessageID)
	assert.Equal(t, "M2", members[1].MessageID)

	all := s2.ListMessages()
	require.Len(t, all, 2)
	assert.Equal(t, "A1", all[0].MessageID)

	c, ok := s2.GetConversationByID("C1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, c.Participants)
	assert.Equal(t, "4", c.Meta["ward"])

	tuple, ok := s2.GetTupleByReference("tok-1")
	require.True(t, ok)
	assert.Equal(t, "A1", tuple.MessageID)
}

func TestSQLiteDuplicateConversation(t *testing.T) {
	s := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "dup.db"))
	t.Cleanup(func() { s.Close() })

	_, err := s.SaveConversation(&ucs.Conversation{ConversationID: "C1", Subject: "first"})
	require.NoError(t, err)
	_, err = s.SaveConversation(&ucs.Conversation{ConversationID: "C1", Subject: "second"})
	assert.True(t, ucs.IsKind(err, ucs.KindConflict))

	got, ok := s.GetConversationByID("C1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Subject)
	assert.Equal(t, "sqlite", s.Stats()["backend"])
}

func TestSQLiteFailedWriteLeavesMemoryUntouched(t *testing.T) {
	s := newTestSQLiteStore(t, filepath.Join(t.TempDir(), "broken.db"))
	_, err := s.SaveMessage(sampleMessage("M1", ""))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.SaveMessage(sampleMessage("M2", ""))
	assert.True(t, ucs.IsKind(err, ucs.KindInternal))
	_, ok := s.GetMessageByID("M2")
	assert.False(t, ok)

	changed := sampleMessage("M1", "")
	changed.Subject = "rewritten"
	assert.Error(t, s.UpdateMessage(changed))
	stored, ok := s.GetMessageByID("M1")
	require.True(t, ok)
	assert.NotEqual(t, "rewritten", stored.Subject)

	assert.Error(t, s.AddMessageReference("tok", ucs.MessageRecipientTuple{MessageID: "M1", RecipientID: "r1"}))
	_, ok = s.GetTupleByReference("tok")
	assert.False(t, ok)

	_, err = s.SaveConversation(&ucs.Conversation{ConversationID: "C9"})
	assert.Error(t, err)
	_, ok = s.GetConversationByID("C9")
	assert.False(t, ok)
	assert.Len(t, s.ListMessages(), 1)
}
