package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joelkehle/ucsbridge/internal/ucs"
)

func (s *Server) handleSendMessage(c *gin.Context) {
	var msg ucs.Message
	if err := bindJSON(c, &msg); err != nil {
		writeError(c, err)
		return
	}
	receipt, err := s.AcceptMessage(c.Request.Context(), &msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// AcceptMessage stores an outbound message, hands out one reference token
// per recipient and arms the response timer. Alerts leave the New state as
// soon as they are dispatched.
func (s *Server) AcceptMessage(ctx context.Context, msg *ucs.Message) (ucs.SendReceipt, error) {
	if err := validateOutbound(msg); err != nil {
		return ucs.SendReceipt{}, err
	}
	if msg.IsAlert() {
		msg.AlertStatus = ucs.AlertNew
	} else {
		msg.AlertStatus = ""
	}
	if msg.ConversationID != "" && !s.store.IsKnownConversation(msg.ConversationID) {
		if _, ok := s.store.GetConversationByID(msg.ConversationID); !ok {
			return ucs.SendReceipt{}, ucs.Errorf(ucs.KindInvalidConversation, "conversation %q is unknown", msg.ConversationID)
		}
	}

	saved, err := s.saveNew(msg)
	if err != nil {
		return ucs.SendReceipt{}, err
	}

	refs := make(map[string]string, len(saved.Recipients))
	for _, r := range saved.Recipients {
		token := uuid.NewString()
		if err := s.store.AddMessageReference(token, ucs.MessageRecipientTuple{
			MessageID:   saved.MessageID,
			RecipientID: r.RecipientID,
		}); err != nil {
			return ucs.SendReceipt{}, ucs.Normalize(err, "store reference")
		}
		refs[r.RecipientID] = token
	}

	if saved.IsAlert() {
		res, err := s.lifecycle.Advance(saved.MessageID, ucs.AlertNew, ucs.AlertPending)
		if err != nil {
			return ucs.SendReceipt{}, err
		}
		saved = res.Current
		s.notify(ctx, ucs.InterfaceAlerting, ucs.PathNewAlertMessage, saved)
	} else {
		s.notify(ctx, ucs.InterfaceClient, ucs.PathNewMessage, saved)
	}
	if saved.TimeoutForResponse > 0 {
		s.watch(saved.MessageID, s.clock().Add(time.Duration(saved.TimeoutForResponse)*time.Second))
	}

	s.logger.Infow("message accepted",
		"message_id", saved.MessageID,
		"kind", saved.Kind,
		"recipients", len(saved.Recipients),
		"conversation_id", saved.ConversationID,
	)
	return ucs.SendReceipt{MessageID: saved.MessageID, References: refs}, nil
}

func validateOutbound(msg *ucs.Message) error {
	if len(msg.Recipients) == 0 {
		return ucs.NewError(ucs.KindInvalidAddress, "message has no recipients")
	}
	for i, r := range msg.Recipients {
		if strings.TrimSpace(r.RecipientID) == "" {
			return ucs.Errorf(ucs.KindInvalidAddress, "recipient %d has no id", i)
		}
	}
	if len(msg.Parts) == 0 {
		return ucs.NewError(ucs.KindBadBody, "message has no body parts")
	}
	for i, p := range msg.Parts {
		if strings.TrimSpace(p.Type) == "" {
			return ucs.Errorf(ucs.KindMissingBodyType, "body part %d has no type", i)
		}
	}
	switch msg.Kind {
	case "", ucs.KindMessage, ucs.KindAlert:
	default:
		return ucs.Errorf(ucs.KindInvalidInput, "unknown message kind %q", msg.Kind)
	}
	if msg.TimeoutForResponse < 0 {
		return ucs.NewError(ucs.KindInvalidInput, "timeout_for_response must not be negative")
	}
	return nil
}

// handleInboundReply records a recipient's answer as a new message related
// to the one it answers and pushes it to client callbacks.
func (s *Server) handleInboundReply(c *gin.Context) {
	var in ucs.InboundReply
	if err := bindJSON(c, &in); err != nil {
		writeError(c, err)
		return
	}
	msg, err := s.AcceptReply(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ucs.IDReply{ID: msg.MessageID})
}

func (s *Server) AcceptReply(ctx context.Context, in ucs.InboundReply) (*ucs.Message, error) {
	tuple, ok := s.store.GetTupleByReference(in.Reference)
	if !ok {
		return nil, ucs.Errorf(ucs.KindNotFound, "reference %q is unknown", in.Reference)
	}
	parent, ok := s.store.GetMessageByID(tuple.MessageID)
	if !ok {
		return nil, ucs.Errorf(ucs.KindInvalidMessage, "message %q not found", tuple.MessageID)
	}
	typ := in.Type
	if typ == "" {
		typ = "text/plain"
	}
	reply := &ucs.Message{
		RelatedMessageID: parent.MessageID,
		Sender:           tuple.RecipientID,
		Subject:          replySubject(parent.Subject),
		Parts:            []ucs.BodyPart{{Content: in.Content, Type: typ}},
		Kind:             ucs.KindMessage,
	}
	if parent.Sender != "" {
		reply.Recipients = []ucs.Recipient{{RecipientID: parent.Sender}}
	}
	if parent.ConversationID != "" && s.store.IsKnownConversation(parent.ConversationID) {
		reply.ConversationID = parent.ConversationID
	}
	saved, err := s.store.SaveMessage(reply)
	if err != nil {
		return nil, ucs.Normalize(err, "save reply")
	}
	s.recordStatus(tuple, "replied")
	s.notify(ctx, ucs.InterfaceClient, ucs.PathNewMessage, saved)
	return saved, nil
}

func replySubject(subject string) string {
	if subject == "" || strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func (s *Server) handleInboundReceipt(c *gin.Context) {
	var in ucs.InboundReceipt
	if err := bindJSON(c, &in); err != nil {
		writeError(c, err)
		return
	}
	if err := s.AcceptReceipt(c.Request.Context(), in); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AcceptReceipt appends a delivery status to the message. A failed delivery
// dispatches the message's failure-to-reach escalations and reports an
// undeliverable exception to client callbacks.
func (s *Server) AcceptReceipt(ctx context.Context, in ucs.InboundReceipt) error {
	tuple, ok := s.store.GetTupleByReference(in.Reference)
	if !ok {
		return ucs.Errorf(ucs.KindNotFound, "reference %q is unknown", in.Reference)
	}
	status := strings.ToLower(strings.TrimSpace(in.Status))
	switch status {
	case ucs.ReceiptDelivered, ucs.ReceiptRead, ucs.ReceiptFailed:
	default:
		return ucs.Errorf(ucs.KindInvalidInput, "unknown receipt status %q", in.Status)
	}
	msg := s.recordStatus(tuple, status)
	if msg == nil {
		return ucs.Errorf(ucs.KindInvalidMessage, "message %q not found", tuple.MessageID)
	}
	if status != ucs.ReceiptFailed {
		return nil
	}

	s.escalate(ctx, msg, msg.OnFailureToReach)
	s.notify(ctx, ucs.InterfaceClient, ucs.PathException, ucs.ExceptionReport{
		Kind:      ucs.KindUndeliverableMessage,
		Fault:     fmt.Sprintf("recipient %s could not be reached", tuple.RecipientID),
		ServerID:  s.opts.ServerID,
		Receiver:  tuple.RecipientID,
		MessageID: msg.MessageID,
		Message:   msg,
	})
	return nil
}

func (s *Server) recordStatus(tuple ucs.MessageRecipientTuple, status string) *ucs.Message {
	msg, err := s.lifecycle.Update(tuple.MessageID, func(m *ucs.Message) {
		m.DeliveryStatuses = append(m.DeliveryStatuses, ucs.DeliveryStatus{
			RecipientID: tuple.RecipientID,
			Status:      status,
			At:          s.clock().UTC(),
		})
	})
	if err != nil {
		s.logger.Warnw("record delivery status failed", "message_id", tuple.MessageID, "error", err)
		return nil
	}
	return msg
}

// escalate sends each follow-up as a new message related to parent.
// saveNew stores msg only if its id is unused. A resend must not reset an
// alert's status or hand out fresh reference tokens.
func (s *Server) saveNew(msg *ucs.Message) (*ucs.Message, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	if id := strings.TrimSpace(msg.MessageID); id != "" {
		if _, exists := s.store.GetMessageByID(id); exists {
			return nil, ucs.Errorf(ucs.KindConflict, "message %s already exists", id)
		}
	}
	saved, err := s.store.SaveMessage(msg)
	if err != nil {
		return nil, ucs.Normalize(err, "save message")
	}
	return saved, nil
}

func (s *Server) escalate(ctx context.Context, parent *ucs.Message, followups []ucs.Message) {
	for i := range followups {
		next := followups[i].Clone()
		next.MessageID = ""
		next.RelatedMessageID = parent.MessageID
		if next.ConversationID == "" {
			next.ConversationID = parent.ConversationID
		}
		if next.Sender == "" {
			next.Sender = parent.Sender
		}
		receipt, err := s.AcceptMessage(ctx, next)
		if err != nil {
			s.logger.Warnw("escalation failed", "parent_id", parent.MessageID, "error", err)
			continue
		}
		s.logger.Infow("escalation dispatched", "parent_id", parent.MessageID, "message_id", receipt.MessageID)
	}
}

// notify pushes in the background so command replies are not held up by
// slow callbacks. Stop waits for it.
func (s *Server) notify(ctx context.Context, kind ucs.InterfaceKind, path string, payload any) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.pusher.Notify(context.WithoutCancel(ctx), kind, path, payload)
	}()
}

func (s *Server) watch(messageID string, deadline time.Time) {
	s.watchMu.Lock()
	s.watches[messageID] = deadline
	s.watchMu.Unlock()
}

func (s *Server) unwatch(messageID string) {
	s.watchMu.Lock()
	delete(s.watches, messageID)
	s.watchMu.Unlock()
}

// RunEscalations polls for expired response windows until ctx is done.
func (s *Server) RunEscalations(ctx context.Context) {
	ticker := time.NewTicker(s.opts.EscalationPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckEscalations(ctx)
		}
	}
}

// CheckEscalations handles every message whose response window has closed.
// Messages answered by all recipients are left alone. Otherwise the
// no-response follow-ups are sent, client callbacks get a timeout exception,
// and a still-pending alert expires.
func (s *Server) CheckEscalations(ctx context.Context) int {
	now := s.clock()
	var due []string
	s.watchMu.Lock()
	for id, deadline := range s.watches {
		if !now.Before(deadline) {
			due = append(due, id)
			delete(s.watches, id)
		}
	}
	s.watchMu.Unlock()

	handled := 0
	for _, id := range due {
		msg, ok := s.store.GetMessageByID(id)
		if !ok {
			continue
		}
		missing := s.unanswered(msg)
		if len(missing) == 0 {
			continue
		}
		handled++
		s.escalate(ctx, msg, msg.OnNoResponse)
		if msg.IsAlert() && msg.AlertStatus == ucs.AlertPending {
			if res, err := s.lifecycle.Advance(msg.MessageID, ucs.AlertPending, ucs.AlertExpired); err == nil && res.Applied() {
				s.notify(ctx, ucs.InterfaceAlerting, ucs.PathAlertMessageUpdated, ucs.AlertUpdate{
					Old: *res.Previous,
					New: *res.Current,
				})
				msg = res.Current
			}
		}
		s.notify(ctx, ucs.InterfaceClient, ucs.PathException, ucs.ExceptionReport{
			Kind:      ucs.KindMessageDeliveryTimeout,
			Fault:     fmt.Sprintf("no response from %s within %ds", strings.Join(missing, ", "), msg.TimeoutForResponse),
			ServerID:  s.opts.ServerID,
			MessageID: msg.MessageID,
			Message:   msg,
		})
	}
	return handled
}

func (s *Server) unanswered(msg *ucs.Message) []string {
	answered := map[string]bool{}
	for _, rel := range s.store.GetRelatedMessages(msg.MessageID) {
		answered[rel.Sender] = true
	}
	var missing []string
	for _, r := range msg.Recipients {
		if !answered[r.RecipientID] {
			missing = append(missing, r.RecipientID)
		}
	}
	return missing
}
