package ucs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

// Transport and local kinds.
const (
	KindDelivery       Kind = "delivery"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindInvalidState   Kind = "invalid_state"
	KindStatusMismatch Kind = "status_mismatch"
	KindWrongType      Kind = "wrong_type"
	KindSessionFailed  Kind = "session_failed"
)

// Domain kinds raised by the backend and carried back in exception headers.
const (
	KindBadBody                Kind = "bad_body"
	KindInvalidAddress         Kind = "invalid_address"
	KindInvalidConversation    Kind = "invalid_conversation"
	KindInvalidMessage         Kind = "invalid_message"
	KindInvalidQuery           Kind = "invalid_query"
	KindInvalidInput           Kind = "invalid_input"
	KindInvalidContext         Kind = "invalid_context"
	KindMissingBodyType        Kind = "missing_body_type"
	KindNotConnected           Kind = "not_connected"
	KindReadOnly               Kind = "read_only"
	KindServiceAdapterFault    Kind = "service_adapter_fault"
	KindServiceOffline         Kind = "service_offline"
	KindUndeliverableMessage   Kind = "undeliverable_message"
	KindUnknownService         Kind = "unknown_service"
	KindUnknownUser            Kind = "unknown_user"
	KindUpdateError            Kind = "update_error"
	KindFeatureNotSupported    Kind = "feature_not_supported"
	KindMessageDeliveryTimeout Kind = "message_delivery_timeout"
	KindSystemFault            Kind = "system_fault"
	KindGeneral                Kind = "general"
)

var knownKinds = map[Kind]struct{}{
	KindDelivery: {}, KindTimeout: {}, KindInternal: {}, KindValidation: {},
	KindNotFound: {}, KindConflict: {}, KindInvalidState: {}, KindStatusMismatch: {},
	KindWrongType: {}, KindSessionFailed: {},
	KindBadBody: {}, KindInvalidAddress: {}, KindInvalidConversation: {}, KindInvalidMessage: {},
	KindInvalidQuery: {}, KindInvalidInput: {}, KindInvalidContext: {}, KindMissingBodyType: {},
	KindNotConnected: {}, KindReadOnly: {}, KindServiceAdapterFault: {}, KindServiceOffline: {},
	KindUndeliverableMessage: {}, KindUnknownService: {}, KindUnknownUser: {}, KindUpdateError: {},
	KindFeatureNotSupported: {}, KindMessageDeliveryTimeout: {}, KindSystemFault: {}, KindGeneral: {},
}

// ParseKind maps a wire value onto the closed set. Unknown values become
// KindGeneral.
func ParseKind(raw string) Kind {
	k := Kind(raw)
	if _, ok := knownKinds[k]; ok {
		return k
	}
	return KindGeneral
}

type Error struct {
	Kind       Kind
	Message    string
	ServiceID  string
	Context    string
	ReceiverID string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindInternal
}

func IsKind(err error, kind Kind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == kind
}

// Normalize keeps typed errors untouched and wraps anything else as internal.
func Normalize(err error, message string) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return Wrap(KindInternal, message, err)
}

// HTTPStatus is used by the backend's synchronous JSON endpoints. Command
// replies are always 200 and carry failures in exception headers instead.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindBadBody, KindInvalidInput, KindMissingBodyType, KindInvalidQuery, KindInvalidAddress:
		return http.StatusBadRequest
	case KindNotFound, KindInvalidMessage, KindInvalidConversation, KindUnknownService, KindUnknownUser:
		return http.StatusNotFound
	case KindConflict, KindInvalidState, KindReadOnly, KindStatusMismatch:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServiceOffline, KindNotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
