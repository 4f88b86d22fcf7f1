package ucs

import (
	"strings"
	"time"
)

type MessageKind string

const (
	KindMessage MessageKind = "message"
	KindAlert   MessageKind = "alert"
)

type AlertStatus string

const (
	AlertNew          AlertStatus = "New"
	AlertPending      AlertStatus = "Pending"
	AlertAcknowledged AlertStatus = "Acknowledged"
	AlertRetracted    AlertStatus = "Retracted"
	AlertExpired      AlertStatus = "Expired"
)

// ParseAlertStatus accepts the canonical names case-insensitively.
func ParseAlertStatus(raw string) (AlertStatus, error) {
	for _, s := range []AlertStatus{AlertNew, AlertPending, AlertAcknowledged, AlertRetracted, AlertExpired} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", NewError(KindValidation, "unknown alert status "+raw)
}

type BodyPart struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	Tag     string `json:"tag,omitempty"`
}

type Recipient struct {
	RecipientID string `json:"recipient_id"`
	Address     string `json:"address,omitempty"`
	Service     string `json:"service,omitempty"`
}

type DeliveryStatus struct {
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

// Message is the unit exchanged with the backend. An alert is a Message with
// Kind == KindAlert; only AlertStatus changes after dispatch.
type Message struct {
	MessageID           string           `json:"message_id"`
	ConversationID      string           `json:"conversation_id,omitempty"`
	RelatedMessageID    string           `json:"related_message_id,omitempty"`
	Sender              string           `json:"sender,omitempty"`
	Subject             string           `json:"subject,omitempty"`
	Parts               []BodyPart       `json:"parts,omitempty"`
	Recipients          []Recipient      `json:"recipients,omitempty"`
	TimeoutForResponse  int              `json:"timeout_for_response,omitempty"`
	ReceiptNotification bool             `json:"receipt_notification,omitempty"`
	OnNoResponse        []Message        `json:"on_no_response,omitempty"`
	OnFailureToReach    []Message        `json:"on_failure_to_reach,omitempty"`
	DeliveryStatuses    []DeliveryStatus `json:"delivery_statuses,omitempty"`
	Kind                MessageKind      `json:"kind,omitempty"`
	AlertStatus         AlertStatus      `json:"alert_status,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
}

func (m *Message) IsAlert() bool {
	return m != nil && m.Kind == KindAlert
}

// Clone returns a deep copy; stores never hand out their own pointers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Parts = append([]BodyPart(nil), m.Parts...)
	cp.Recipients = append([]Recipient(nil), m.Recipients...)
	cp.DeliveryStatuses = append([]DeliveryStatus(nil), m.DeliveryStatuses...)
	cp.OnNoResponse = cloneMessages(m.OnNoResponse)
	cp.OnFailureToReach = cloneMessages(m.OnFailureToReach)
	return &cp
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, 0, len(in))
	for i := range in {
		out = append(out, *in[i].Clone())
	}
	return out
}

// Summary derives the list view of a message. An empty subject falls back to
// the first body part.
func (m *Message) Summary() MessageSummary {
	subject := m.Subject
	if subject == "" && len(m.Parts) > 0 {
		subject = m.Parts[0].Content
	}
	return MessageSummary{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Subject:        subject,
		Kind:           m.Kind,
		AlertStatus:    m.AlertStatus,
		CreatedAt:      m.CreatedAt,
	}
}

type MessageSummary struct {
	MessageID      string      `json:"message_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Sender         string      `json:"sender,omitempty"`
	Subject        string      `json:"subject,omitempty"`
	Kind           MessageKind `json:"kind,omitempty"`
	AlertStatus    AlertStatus `json:"alert_status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Conversation struct {
	ConversationID string            `json:"conversation_id"`
	Subject        string            `json:"subject,omitempty"`
	Participants   []string          `json:"participants,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.Meta != nil {
		cp.Meta = make(map[string]string, len(c.Meta))
		for k, v := range c.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}

type ConversationInfo struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// MessageRecipientTuple is what a reference token resolves to.
type MessageRecipientTuple struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

type QueryFilter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

type ServiceInfo struct {
	ServiceName string `json:"service_name"`
}

type ChannelStatus struct {
	Capability string `json:"capability"`
	Available  bool   `json:"available"`
	Supported  bool   `json:"supported"`
}

// ExceptionReport is the payload of a processing exception notification.
type ExceptionReport struct {
	Kind      Kind     `json:"kind"`
	Fault     string   `json:"fault"`
	ServerID  string   `json:"server_id,omitempty"`
	Receiver  string   `json:"receiver,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// AlertUpdate carries both versions of an updated alert.
type AlertUpdate struct {
	Old Message `json:"old"`
	New Message `json:"new"`
}
