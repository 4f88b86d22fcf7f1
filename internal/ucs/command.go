package ucs

import (
	"net"
	"strconv"
)

// Command names understood by the backend, grouped by interface.
const (
	CmdRegisterClientCallback     = "registerUCSClientCallback"
	CmdUnregisterClientCallback   = "unregisterUCSClientCallback"
	CmdCancelMessage              = "cancelMessage"
	CmdGetMessages                = "getMessages"
	CmdGetMessage                 = "getMessage"
	CmdRegisterAlertingCallback   = "registerUCSAlertingCallback"
	CmdUnregisterAlertingCallback = "unregisterUCSAlertingCallback"
	CmdUpdateAlertMessage         = "updateAlertMessage"
	CmdDiscoverChannels           = "discoverChannels"
	CmdGetStatus                  = "getStatus"
	CmdCreateConversation         = "createConversation"
	CmdQueryConversations         = "queryConversations"
	CmdRetrieveConversation       = "retrieveConversation"
)

// Notification paths served by the client-side listeners.
const (
	PathNewMessage            = "/newMessage"
	PathException             = "/exception"
	PathNewAlertMessage       = "/newAlertMessage"
	PathAlertMessageUpdated   = "/alertMessageUpdated"
	PathAlertMessageCancelled = "/alertMessageCancelled"
)

// ReplyTo tells the backend where to deliver the reply for one command.
type ReplyTo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Context string `json:"context"`
}

func (r ReplyTo) URL(scheme string) string {
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) + "/" + r.Context
}

// Command is the outbound envelope.
type Command struct {
	Name     string   `json:"name"`
	Args     []string `json:"args"`
	Response *ReplyTo `json:"response,omitempty"`
}

// Arg returns the i-th argument or "".
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// InterfaceKind names one of the four logical interfaces.
type InterfaceKind string

const (
	InterfaceClient       InterfaceKind = "client"
	InterfaceAlerting     InterfaceKind = "alerting"
	InterfaceManagement   InterfaceKind = "management"
	InterfaceConversation InterfaceKind = "conversation"
)

func (k InterfaceKind) Valid() bool {
	switch k {
	case InterfaceClient, InterfaceAlerting, InterfaceManagement, InterfaceConversation:
		return true
	}
	return false
}

// IDReply answers commands that create something.
type IDReply struct {
	ID string `json:"id"`
}

// UpdateReply answers state-changing commands. Updated is false when the
// request was an idempotent no-op.
type UpdateReply struct {
	Updated bool `json:"updated"`
}

// SendReceipt is the synchronous answer to a send. References maps each
// recipient to the token it must quote when replying.
type SendReceipt struct {
	MessageID  string            `json:"message_id"`
	References map[string]string `json:"references,omitempty"`
}

// InboundReply is a recipient's answer routed back by a service adapter.
type InboundReply struct {
	Reference string `json:"reference"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
}

// InboundReceipt is a delivery report from a service adapter.
type InboundReceipt struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Delivery receipt statuses.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
	ReceiptFailed    = "failed"
)
