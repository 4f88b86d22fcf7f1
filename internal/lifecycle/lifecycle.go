// Package lifecycle enforces the legal status transitions of alert messages.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/joelkehle/ucsbridge/internal/store"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	EventCancel      = "cancel"
	EventAcknowledge = "acknowledge"
)

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoUpdate Outcome = "no_update"
)

// Result reports what a transition did. Previous and Current are equal when
// Outcome is OutcomeNoUpdate.
type Result struct {
	Outcome  Outcome
	Previous *ucs.Message
	Current  *ucs.Message
}

func (r Result) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Transitions not listed here are rejected. A transition whose source and
// destination are equal is reported by fsm as NoTransitionError, which is
// the idempotent no-op case.
var transitions = fsm.Events{
	{Name: EventCancel, Src: []string{string(ucs.AlertPending), string(ucs.AlertRetracted)}, Dst: string(ucs.AlertRetracted)},
	{Name: EventAcknowledge, Src: []string{string(ucs.AlertPending), string(ucs.AlertAcknowledged)}, Dst: string(ucs.AlertAcknowledged)},
}

type Machine struct {
	store  store.API
	logger *zap.SugaredLogger

	mu    sync.Mutex
	locks map[string]*idLock
}

func New(st store.API, logger *zap.SugaredLogger) *Machine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Machine{
		store:  st,
		logger: logger,
		locks:  map[string]*idLock{},
	}
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// lock serialises transitions on one message id and returns the unlock
// func. The entry is dropped once nobody holds or waits for it.
func (m *Machine) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &idLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// Cancel retracts a pending alert. Cancelling a retracted alert is a no-op.
func (m *Machine) Cancel(ctx context.Context, messageID string) (Result, error) {
	defer m.lock(messageID)()

	msg, ok := m.store.GetMessageByID(messageID)
	if !ok {
		return Result{}, ucs.Errorf(ucs.KindInvalidMessage, "message %s not found", messageID)
	}
	if !msg.IsAlert() {
		return Result{}, ucs.Errorf(ucs.KindWrongType, "message %s is not an alert", messageID)
	}
	res, err := m.fire(ctx, msg, EventCancel)
	if rejected(err) {
		return Result{}, ucs.Errorf(ucs.KindReadOnly, "alert %s cannot be cancelled in status %s", messageID, msg.AlertStatus)
	}
	if err != nil {
		return Result{}, ucs.Normalize(err, "cancel alert")
	}
	return res, nil
}

// Acknowledge moves a pending alert to Acknowledged. Acknowledged is the only
// target a client may request.
func (m *Machine) Acknowledge(ctx context.Context, messageID string, requested ucs.AlertStatus) (Result, error) {
	if requested != ucs.AlertAcknowledged {
		return Result{}, ucs.Errorf(ucs.KindStatusMismatch, "status %q cannot be requested, only %s", requested, ucs.AlertAcknowledged)
	}

	defer m.lock(messageID)()

	msg, ok := m.store.GetMessageByID(messageID)
	if !ok {
		return Result{}, ucs.Errorf(ucs.KindNotFound, "alert %s not found", messageID)
	}
	if !msg.IsAlert() {
		return Result{}, ucs.Errorf(ucs.KindWrongType, "message %s is not an alert", messageID)
	}
	res, err := m.fire(ctx, msg, EventAcknowledge)
	if rejected(err) {
		return Result{}, ucs.Errorf(ucs.KindStatusMismatch, "alert %s is %s and cannot become %s", messageID, msg.AlertStatus, requested)
	}
	if err != nil {
		return Result{}, ucs.Normalize(err, "acknowledge alert")
	}
	return res, nil
}

// Advance applies a backend-observed transition such as New -> Pending after
// dispatch, or Pending -> Expired when the response window closes. It does
// not go through the client transition table.
func (m *Machine) Advance(messageID string, from, to ucs.AlertStatus) (Result, error) {
	defer m.lock(messageID)()

	msg, ok := m.store.GetMessageByID(messageID)
	if !ok {
		return Result{}, ucs.Errorf(ucs.KindNotFound, "alert %s not found", messageID)
	}
	if !msg.IsAlert() {
		return Result{}, ucs.Errorf(ucs.KindWrongType, "message %s is not an alert", messageID)
	}
	if msg.AlertStatus != from {
		return Result{Outcome: OutcomeNoUpdate, Previous: msg, Current: msg}, nil
	}
	return m.apply(msg, to)
}

// Update applies a change that does not touch the alert status, such as a
// delivery receipt, under the same per-message lock as the transitions.
func (m *Machine) Update(messageID string, change func(*ucs.Message)) (*ucs.Message, error) {
	defer m.lock(messageID)()

	msg, ok := m.store.GetMessageByID(messageID)
	if !ok {
		return nil, ucs.Errorf(ucs.KindNotFound, "message %s not found", messageID)
	}
	status := msg.AlertStatus
	change(msg)
	msg.AlertStatus = status
	if err := m.store.UpdateMessage(msg); err != nil {
		return nil, ucs.Normalize(err, "persist message")
	}
	return msg, nil
}

func (m *Machine) fire(ctx context.Context, msg *ucs.Message, event string) (Result, error) {
	f := fsm.NewFSM(string(msg.AlertStatus), transitions, fsm.Callbacks{})
	err := f.Event(ctx, event)

	var noTransition fsm.NoTransitionError
	switch {
	case err == nil:
		return m.apply(msg, ucs.AlertStatus(f.Current()))
	case errors.As(err, &noTransition):
		m.logger.Debugw("alert transition is a no-op", "message_id", msg.MessageID, "event", event, "status", msg.AlertStatus)
		return Result{Outcome: OutcomeNoUpdate, Previous: msg, Current: msg.Clone()}, nil
	default:
		m.logger.Debugw("alert transition rejected", "message_id", msg.MessageID, "event", event, "status", msg.AlertStatus, "error", err)
		return Result{}, err
	}
}

// rejected reports whether err is the fsm refusing the event from the current
// state. Anything else, such as a failed write, keeps its own kind.
func rejected(err error) bool {
	var invalid fsm.InvalidEventError
	return errors.As(err, &invalid)
}

func (m *Machine) apply(msg *ucs.Message, to ucs.AlertStatus) (Result, error) {
	next := msg.Clone()
	next.AlertStatus = to
	if err := m.store.UpdateMessage(next); err != nil {
		return Result{}, ucs.Normalize(err, "persist alert status")
	}
	m.logger.Infow("alert status changed", "message_id", msg.MessageID, "from", msg.AlertStatus, "to", to)
	return Result{Outcome: OutcomeApplied, Previous: msg, Current: next}, nil
}
