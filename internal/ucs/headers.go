package ucs

import (
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderExceptionType       = "X-Ucs-Exception-Type"
	HeaderExceptionFault      = "X-Ucs-Exception-Fault"
	HeaderExceptionServerID   = "X-Ucs-Exception-Server-Id"
	HeaderExceptionContext    = "X-Ucs-Exception-Context"
	HeaderExceptionReceiverID = "X-Ucs-Exception-Receiver-Id"
)

// WriteExceptionHeaders marks a reply as an exception. Errors without a
// kind are sent as system faults.
func WriteExceptionHeaders(h http.Header, err error) {
	if err == nil {
		return
	}
	var ue *Error
	if !errors.As(err, &ue) {
		ue = Wrap(KindSystemFault, "unexpected failure", err)
	}
	fault := ue.Message
	if ue.Err != nil {
		fault = ue.Message + ": " + ue.Err.Error()
	}
	h.Set(HeaderExceptionType, string(ue.Kind))
	h.Set(HeaderExceptionFault, oneLine(fault))
	if ue.ServiceID != "" {
		h.Set(HeaderExceptionServerID, ue.ServiceID)
	}
	if ue.Context != "" {
		h.Set(HeaderExceptionContext, ue.Context)
	}
	if ue.ReceiverID != "" {
		h.Set(HeaderExceptionReceiverID, ue.ReceiverID)
	}
}

// ErrorFromHeaders decodes an exception reply. ok is false when the reply
// is a normal success.
func ErrorFromHeaders(h http.Header) (err error, ok bool) {
	raw := strings.TrimSpace(h.Get(HeaderExceptionType))
	if raw == "" {
		return nil, false
	}
	return &Error{
		Kind:       ParseKind(raw),
		Message:    h.Get(HeaderExceptionFault),
		ServiceID:  h.Get(HeaderExceptionServerID),
		Context:    h.Get(HeaderExceptionContext),
		ReceiverID: h.Get(HeaderExceptionReceiverID),
	}, true
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
