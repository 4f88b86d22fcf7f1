package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joelkehle/ucsbridge/internal/ucs"
)

// Client sends and manages messages.
type Client struct {
	s *Session
}

// SendMessage posts msg to the backend and returns its id.
func (c *Client) SendMessage(ctx context.Context, msg *ucs.Message) (string, error) {
	receipt, err := c.Send(ctx, msg)
	if err != nil {
		return "", err
	}
	return receipt.MessageID, nil
}

// Send is SendMessage returning the full receipt, including the reference
// token handed out for each recipient. An empty message id is filled in
// before sending.
func (c *Client) Send(ctx context.Context, msg *ucs.Message) (ucs.SendReceipt, error) {
	if msg == nil {
		return ucs.SendReceipt{}, ucs.NewError(ucs.KindInvalidInput, "message is required")
	}
	if err := c.s.Open(ctx); err != nil {
		return ucs.SendReceipt{}, err
	}
	out := msg.Clone()
	if strings.TrimSpace(out.MessageID) == "" {
		out.MessageID = uuid.NewString()
	}
	blob, err := json.Marshal(out)
	if err != nil {
		return ucs.SendReceipt{}, ucs.Wrap(ucs.KindInvalidInput, "encode message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.s.cfg.SendMessageURL, bytes.NewReader(blob))
	if err != nil {
		return ucs.SendReceipt{}, ucs.Wrap(ucs.KindUndeliverableMessage, "build send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.s.http.Do(req)
	if err != nil {
		return ucs.SendReceipt{}, ucs.Wrap(ucs.KindUndeliverableMessage, "send message "+out.MessageID, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return ucs.SendReceipt{}, ucs.Errorf(ucs.KindUndeliverableMessage, "send message %s rejected status=%d body=%s",
			out.MessageID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	receipt := ucs.SendReceipt{MessageID: out.MessageID}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &receipt); err != nil {
			return ucs.SendReceipt{}, ucs.Wrap(ucs.KindBadBody, "decode send receipt", err)
		}
	}
	c.s.logger.Debugw("message sent", "message_id", receipt.MessageID, "recipients", len(out.Recipients))
	return receipt, nil
}

// CancelMessage retracts a pending alert. updated is false when the alert
// was already retracted.
func (c *Client) CancelMessage(ctx context.Context, messageID string) (updated bool, err error) {
	if strings.TrimSpace(messageID) == "" {
		return false, ucs.NewError(ucs.KindInvalidInput, "message id is required")
	}
	var out ucs.UpdateReply
	if err := c.s.call(ctx, ucs.InterfaceClient, ucs.CmdCancelMessage, []string{messageID}, &out); err != nil {
		return false, err
	}
	return out.Updated, nil
}

func (c *Client) ListMessages(ctx context.Context) ([]ucs.MessageSummary, error) {
	return c.QueryMessages(ctx, "")
}

// QueryMessages matches query against message subjects and senders and
// applies the filters; see the store for the supported fields.
func (c *Client) QueryMessages(ctx context.Context, query string, filters ...ucs.QueryFilter) ([]ucs.MessageSummary, error) {
	args := []string{query}
	if len(filters) > 0 {
		blob, err := json.Marshal(filters)
		if err != nil {
			return nil, ucs.Wrap(ucs.KindInvalidQuery, "encode filters", err)
		}
		args = append(args, string(blob))
	}
	var out []ucs.MessageSummary
	if err := c.s.call(ctx, ucs.InterfaceClient, ucs.CmdGetMessages, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMessage(ctx context.Context, messageID string) (*ucs.Message, error) {
	var out ucs.Message
	if err := c.s.call(ctx, ucs.InterfaceClient, ucs.CmdGetMessage, []string{messageID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Alerting changes the status of alerts.
type Alerting struct {
	s *Session
}

// UpdateAlert asks for an alert to move to status. Only Acknowledged can be
// requested; anything else fails before contacting the backend.
func (a *Alerting) UpdateAlert(ctx context.Context, messageID string, status ucs.AlertStatus) (updated bool, err error) {
	if status != ucs.AlertAcknowledged {
		return false, ucs.Errorf(ucs.KindStatusMismatch, "alert status can only be set to %s, not %q", ucs.AlertAcknowledged, status)
	}
	var out ucs.UpdateReply
	if err := a.s.call(ctx, ucs.InterfaceAlerting, ucs.CmdUpdateAlertMessage, []string{messageID, string(status)}, &out); err != nil {
		return false, err
	}
	return out.Updated, nil
}

// Management reports on the backend's service adapters.
type Management struct {
	s *Session
}

func (m *Management) DiscoverChannels(ctx context.Context) ([]ucs.ServiceInfo, error) {
	var out []ucs.ServiceInfo
	if err := m.s.call(ctx, ucs.InterfaceManagement, ucs.CmdDiscoverChannels, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStatus reports every adapter, or only the named ones.
func (m *Management) GetStatus(ctx context.Context, services ...string) ([]ucs.ChannelStatus, error) {
	if len(services) == 0 {
		var out []ucs.ChannelStatus
		if err := m.s.call(ctx, ucs.InterfaceManagement, ucs.CmdGetStatus, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var all []ucs.ChannelStatus
	for _, name := range services {
		var out []ucs.ChannelStatus
		if err := m.s.call(ctx, ucs.InterfaceManagement, ucs.CmdGetStatus, []string{name}, &out); err != nil {
			return nil, err
		}
		all = append(all, out...)
	}
	return all, nil
}

// Conversation groups messages into conversations.
type Conversation struct {
	s *Session
}

// CreateConversation stores conv and returns its id. A conversation whose id
// is already taken fails with a conflict.
func (c *Conversation) CreateConversation(ctx context.Context, conv ucs.Conversation) (string, error) {
	blob, err := json.Marshal(conv)
	if err != nil {
		return "", ucs.Wrap(ucs.KindInvalidInput, "encode conversation", err)
	}
	var out ucs.IDReply
	if err := c.s.call(ctx, ucs.InterfaceConversation, ucs.CmdCreateConversation, []string{string(blob)}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Conversation) QueryConversations(ctx context.Context, query string, filters ...ucs.QueryFilter) ([]ucs.Conversation, error) {
	args := []string{query}
	if len(filters) > 0 {
		blob, err := json.Marshal(filters)
		if err != nil {
			return nil, ucs.Wrap(ucs.KindInvalidQuery, "encode filters", err)
		}
		args = append(args, string(blob))
	}
	var out []ucs.Conversation
	if err := c.s.call(ctx, ucs.InterfaceConversation, ucs.CmdQueryConversations, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveConversation returns the conversation with all of its messages.
func (c *Conversation) RetrieveConversation(ctx context.Context, conversationID string) (*ucs.ConversationInfo, error) {
	return c.retrieve(ctx, []string{conversationID})
}

// RetrieveConversationPage returns count messages starting at from.
func (c *Conversation) RetrieveConversationPage(ctx context.Context, conversationID string, from, count int) (*ucs.ConversationInfo, error) {
	if from < 0 || count < 0 {
		return nil, ucs.NewError(ucs.KindInvalidInput, "from and count must not be negative")
	}
	return c.retrieve(ctx, []string{conversationID, strconv.Itoa(from), strconv.Itoa(count)})
}

func (c *Conversation) retrieve(ctx context.Context, args []string) (*ucs.ConversationInfo, error) {
	var out ucs.ConversationInfo
	if err := c.s.call(ctx, ucs.InterfaceConversation, ucs.CmdRetrieveConversation, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
