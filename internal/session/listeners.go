package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/joelkehle/ucsbridge/internal/ucs"
)

// Notification listeners. A listener value may implement any of these; each
// notification goes to every registered listener that implements the
// matching method.

type MessageListener interface {
	OnMessage(ctx context.Context, msg ucs.Message) error
}

type ExceptionListener interface {
	OnException(ctx context.Context, report ucs.ExceptionReport) error
}

type AlertReceivedListener interface {
	OnAlertReceived(ctx context.Context, alert ucs.Message) error
}

type AlertUpdatedListener interface {
	OnAlertUpdated(ctx context.Context, old, updated ucs.Message) error
}

type AlertCancelledListener interface {
	OnAlertCancelled(ctx context.Context, alert ucs.Message) error
}

const maxNotificationBytes = 8 << 20

func (s *Session) installRoutes() {
	client := s.channels[ucs.InterfaceClient]
	client.Handle(ucs.PathNewMessage, s.route(ucs.PathNewMessage, func(ctx context.Context, body []byte) error {
		var msg ucs.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return err
		}
		s.each(ucs.PathNewMessage, func(l any) (bool, error) {
			if ml, ok := l.(MessageListener); ok {
				return true, ml.OnMessage(ctx, msg)
			}
			return false, nil
		})
		return nil
	}))
	client.Handle(ucs.PathException, s.route(ucs.PathException, func(ctx context.Context, body []byte) error {
		var report ucs.ExceptionReport
		if err := json.Unmarshal(body, &report); err != nil {
			return err
		}
		report.Kind = ucs.ParseKind(string(report.Kind))
		s.each(ucs.PathException, func(l any) (bool, error) {
			if el, ok := l.(ExceptionListener); ok {
				return true, el.OnException(ctx, report)
			}
			return false, nil
		})
		return nil
	}))

	alerting := s.channels[ucs.InterfaceAlerting]
	alerting.Handle(ucs.PathNewAlertMessage, s.route(ucs.PathNewAlertMessage, func(ctx context.Context, body []byte) error {
		var alert ucs.Message
		if err := json.Unmarshal(body, &alert); err != nil {
			return err
		}
		s.each(ucs.PathNewAlertMessage, func(l any) (bool, error) {
			if al, ok := l.(AlertReceivedListener); ok {
				return true, al.OnAlertReceived(ctx, alert)
			}
			return false, nil
		})
		return nil
	}))
	alerting.Handle(ucs.PathAlertMessageUpdated, s.route(ucs.PathAlertMessageUpdated, func(ctx context.Context, body []byte) error {
		var update ucs.AlertUpdate
		if err := json.Unmarshal(body, &update); err != nil {
			return err
		}
		s.each(ucs.PathAlertMessageUpdated, func(l any) (bool, error) {
			if al, ok := l.(AlertUpdatedListener); ok {
				return true, al.OnAlertUpdated(ctx, update.Old, update.New)
			}
			return false, nil
		})
		return nil
	}))
	alerting.Handle(ucs.PathAlertMessageCancelled, s.route(ucs.PathAlertMessageCancelled, func(ctx context.Context, body []byte) error {
		var alert ucs.Message
		if err := json.Unmarshal(body, &alert); err != nil {
			return err
		}
		s.each(ucs.PathAlertMessageCancelled, func(l any) (bool, error) {
			if al, ok := l.(AlertCancelledListener); ok {
				return true, al.OnAlertCancelled(ctx, alert)
			}
			return false, nil
		})
		return nil
	}))
}

// route wraps a notification decoder. The backend always gets 200; a body
// that cannot be decoded is logged and dropped.
func (s *Session) route(path string, handle func(ctx context.Context, body []byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodPost {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err == nil {
			err = handle(r.Context(), body)
		}
		if err != nil {
			s.logger.Warnw("notification dropped", "path", path, "error", err)
		}
	}
}

// each calls fn for every listener in registration order. One listener
// failing or panicking does not stop the others.
func (s *Session) each(path string, fn func(l any) (bool, error)) {
	s.lmu.RLock()
	listeners := append([]any(nil), s.listeners...)
	s.lmu.RUnlock()

	delivered := 0
	for i, l := range listeners {
		handled, err := safeCall(fn, l)
		if handled {
			delivered++
		}
		if err != nil {
			s.logger.Warnw("listener failed", "path", path, "listener", i, "error", err)
		}
	}
	s.logger.Debugw("notification delivered", "path", path, "listeners", delivered)
}

func safeCall(fn func(l any) (bool, error), l any) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			handled = true
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(l)
}
