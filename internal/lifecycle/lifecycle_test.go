package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/joelkehle/ucsbridge/internal/store"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st := store.NewStore(store.Config{})
	return New(st, zaptest.NewLogger(t).Sugar()), st
}

func seedAlert(t *testing.T, st *store.Store, id string, status ucs.AlertStatus) {
	t.Helper()
	_, err := st.SaveMessage(&ucs.Message{MessageID: id, Kind: ucs.KindAlert, AlertStatus: status, Subject: "code blue"})
	require.NoError(t, err)
}

func statusOf(t *testing.T, st *store.Store, id string) ucs.AlertStatus {
	t.Helper()
	m, ok := st.GetMessageByID(id)
	require.True(t, ok)
	return m.AlertStatus
}

func TestCancelPendingRetracts(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertPending)

	res, err := m.Cancel(context.Background(), "M1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, ucs.AlertPending, res.Previous.AlertStatus)
	assert.Equal(t, ucs.AlertRetracted, res.Current.AlertStatus)
	assert.Equal(t, ucs.AlertRetracted, statusOf(t, st, "M1"))
}

func TestCancelIsIdempotent(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertRetracted)

	for i := 0; i < 2; i++ {
		res, err := m.Cancel(context.Background(), "M1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoUpdate, res.Outcome)
		assert.Equal(t, ucs.AlertRetracted, statusOf(t, st, "M1"))
	}
}

func TestCancelRejectsOtherStates(t *testing.T) {
	for _, status := range []ucs.AlertStatus{ucs.AlertNew, ucs.AlertAcknowledged, ucs.AlertExpired} {
		t.Run(string(status), func(t *testing.T) {
			m, st := newMachine(t)
			seedAlert(t, st, "M1", status)

			_, err := m.Cancel(context.Background(), "M1")
			require.Error(t, err)
			assert.True(t, ucs.IsKind(err, ucs.KindReadOnly))
			assert.Contains(t, err.Error(), string(status))
			assert.Equal(t, status, statusOf(t, st, "M1"))
		})
	}
}

func TestCancelUnknownOrPlainMessage(t *testing.T) {
	m, st := newMachine(t)
	_, err := m.Cancel(context.Background(), "missing")
	assert.True(t, ucs.IsKind(err, ucs.KindInvalidMessage))

	_, err = st.SaveMessage(&ucs.Message{MessageID: "plain"})
	require.NoError(t, err)
	_, err = m.Cancel(context.Background(), "plain")
	assert.True(t, ucs.IsKind(err, ucs.KindWrongType))
}

func TestAcknowledgePending(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertPending)

	res, err := m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Equal(t, ucs.AlertPending, res.Previous.AlertStatus)
	assert.Equal(t, ucs.AlertAcknowledged, res.Current.AlertStatus)
	assert.Equal(t, ucs.AlertAcknowledged, statusOf(t, st, "M1"))
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertAcknowledged)

	res, err := m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUpdate, res.Outcome)
	assert.Equal(t, ucs.AlertAcknowledged, statusOf(t, st, "M1"))
}

func TestAcknowledgeRejectsOtherTargetsWithoutStoreAccess(t *testing.T) {
	m, _ := newMachine(t)
	for _, target := range []ucs.AlertStatus{ucs.AlertNew, ucs.AlertPending, ucs.AlertRetracted, ucs.AlertExpired, "bogus"} {
		// No message exists: the target check must fire first.
		_, err := m.Acknowledge(context.Background(), "missing", target)
		assert.True(t, ucs.IsKind(err, ucs.KindStatusMismatch), "target %s", target)
	}
}

func TestAcknowledgeRejectsOtherStates(t *testing.T) {
	for _, status := range []ucs.AlertStatus{ucs.AlertNew, ucs.AlertRetracted, ucs.AlertExpired} {
		t.Run(string(status), func(t *testing.T) {
			m, st := newMachine(t)
			seedAlert(t, st, "M1", status)
			_, err := m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
			assert.True(t, ucs.IsKind(err, ucs.KindStatusMismatch))
			assert.Equal(t, status, statusOf(t, st, "M1"))
		})
	}
}

func TestAcknowledgeNotFoundOrWrongType(t *testing.T) {
	m, st := newMachine(t)
	_, err := m.Acknowledge(context.Background(), "missing", ucs.AlertAcknowledged)
	assert.True(t, ucs.IsKind(err, ucs.KindNotFound))

	_, err = st.SaveMessage(&ucs.Message{MessageID: "plain"})
	require.NoError(t, err)
	_, err = m.Acknowledge(context.Background(), "plain", ucs.AlertAcknowledged)
	assert.True(t, ucs.IsKind(err, ucs.KindWrongType))
}

func TestAcknowledgeThenCancelRejected(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertPending)

	_, err := m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
	require.NoError(t, err)
	_, err = m.Cancel(context.Background(), "M1")
	assert.True(t, ucs.IsKind(err, ucs.KindReadOnly))
	assert.Equal(t, ucs.AlertAcknowledged, statusOf(t, st, "M1"))
}

func TestAdvance(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertNew)

	res, err := m.Advance("M1", ucs.AlertNew, ucs.AlertPending)
	require.NoError(t, err)
	assert.True(t, res.Applied())

	res, err = m.Advance("M1", ucs.AlertNew, ucs.AlertPending)
	require.NoError(t, err)
	assert.False(t, res.Applied())
	assert.Equal(t, ucs.AlertPending, statusOf(t, st, "M1"))
}

func TestConcurrentAcknowledgeAppliesOnce(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertPending)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
			if err == nil && res.Applied() {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks)
}

func TestUpdateKeepsAlertStatus(t *testing.T) {
	m, st := newMachine(t)
	seedAlert(t, st, "M1", ucs.AlertPending)

	updated, err := m.Update("M1", func(msg *ucs.Message) {
		msg.AlertStatus = ucs.AlertExpired
		msg.DeliveryStatuses = append(msg.DeliveryStatuses, ucs.DeliveryStatus{RecipientID: "r1", Status: "delivered"})
	})
	require.NoError(t, err)
	assert.Equal(t, ucs.AlertPending, updated.AlertStatus)
	assert.Equal(t, ucs.AlertPending, statusOf(t, st, "M1"))

	stored, _ := st.GetMessageByID("M1")
	require.Len(t, stored.DeliveryStatuses, 1)

	_, err = m.Update("missing", func(*ucs.Message) {})
	assert.True(t, ucs.IsKind(err, ucs.KindNotFound))
}

// failingWrites accepts reads but refuses every message update.
type failingWrites struct {
	store.API
	err error
}

func (f failingWrites) UpdateMessage(*ucs.Message) error { return f.err }

func TestWriteFailureKeepsItsKind(t *testing.T) {
	st := store.NewStore(store.Config{})
	seedAlert(t, st, "M1", ucs.AlertPending)
	m := New(failingWrites{API: st, err: errors.New("disk full")}, zaptest.NewLogger(t).Sugar())

	_, err := m.Cancel(context.Background(), "M1")
	require.Error(t, err)
	assert.Equal(t, ucs.KindInternal, ucs.KindOf(err))
	assert.ErrorContains(t, err, "disk full")

	_, err = m.Acknowledge(context.Background(), "M1", ucs.AlertAcknowledged)
	require.Error(t, err)
	assert.Equal(t, ucs.KindInternal, ucs.KindOf(err))

	m = New(failingWrites{API: st, err: ucs.NewError(ucs.KindServiceOffline, "store offline")}, zaptest.NewLogger(t).Sugar())
	_, err = m.Cancel(context.Background(), "M1")
	assert.True(t, ucs.IsKind(err, ucs.KindServiceOffline))
	assert.Equal(t, ucs.AlertPending, statusOf(t, st, "M1"))
}
