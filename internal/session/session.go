// Package session exposes the UCS backend as blocking calls. A Session owns
// one correlation channel per interface and starts them lazily on first use.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/joelkehle/ucsbridge/internal/config"
	"github.com/joelkehle/ucsbridge/internal/correlation"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Status int

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusError:
		return "error"
	default:
		return "uninitialized"
	}
}

// startOrder is the order listeners come up in; they are stopped in reverse.
var startOrder = []ucs.InterfaceKind{
	ucs.InterfaceClient,
	ucs.InterfaceAlerting,
	ucs.InterfaceManagement,
	ucs.InterfaceConversation,
}

// callbackKinds are the interfaces that receive unsolicited notifications.
var callbackKinds = map[ucs.InterfaceKind]string{
	ucs.InterfaceClient:   ucs.CmdRegisterClientCallback,
	ucs.InterfaceAlerting: ucs.CmdRegisterAlertingCallback,
}

var unregisterCommands = map[ucs.InterfaceKind]string{
	ucs.InterfaceClient:   ucs.CmdUnregisterClientCallback,
	ucs.InterfaceAlerting: ucs.CmdUnregisterAlertingCallback,
}

type Option func(*Session)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) { s.registerer = reg }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) { s.tracer = tracer }
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		if client != nil {
			s.http = client
		}
	}
}

// WithListener adds a notification listener. l may implement any subset of
// the listener interfaces in this package.
func WithListener(l any) Option {
	return func(s *Session) { s.listeners = append(s.listeners, l) }
}

type Session struct {
	cfg        config.Config
	logger     *zap.SugaredLogger
	registerer prometheus.Registerer
	tracer     trace.Tracer
	http       *http.Client

	lmu       sync.RWMutex
	listeners []any

	channels map[ucs.InterfaceKind]*correlation.Channel

	mu            sync.Mutex
	status        Status
	cause         error
	closed        bool
	registrations map[ucs.InterfaceKind]string

	client       *Client
	alerting     *Alerting
	management   *Management
	conversation *Conversation
}

// New validates cfg and builds the channels. Nothing is started and no
// request is sent until the first call that needs the backend.
func New(cfg config.Config, opts ...Option) (*Session, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:           cfg,
		logger:        zap.NewNop().Sugar(),
		http:          &http.Client{Timeout: 15 * time.Second},
		channels:      map[ucs.InterfaceKind]*correlation.Channel{},
		registrations: map[ucs.InterfaceKind]string{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, kind := range startOrder {
		ep := cfg.Endpoint(kind)
		ch, err := correlation.New(correlation.Options{
			Name:          string(kind),
			Scheme:        cfg.Scheme,
			CommandURL:    ep.CommandURL,
			ListenAddr:    ep.ListenAddr(),
			AdvertiseHost: ep.AdvertiseHost,
			Timeout:       cfg.ReplyTimeout,
			Workers:       cfg.ListenerWorkers,
			HTTPClient:    s.http,
			Logger:        s.logger,
			Registerer:    s.registerer,
			Tracer:        s.tracer,
		})
		if err != nil {
			return nil, err
		}
		s.channels[kind] = ch
	}
	s.installRoutes()

	s.client = &Client{s: s}
	s.alerting = &Alerting{s: s}
	s.management = &Management{s: s}
	s.conversation = &Conversation{s: s}
	return s, nil
}

func (s *Session) Client() *Client             { return s.client }
func (s *Session) Alerting() *Alerting         { return s.alerting }
func (s *Session) Management() *Management     { return s.management }
func (s *Session) Conversation() *Conversation { return s.conversation }

// AddListener registers another notification listener at runtime.
func (s *Session) AddListener(l any) {
	s.lmu.Lock()
	s.listeners = append(s.listeners, l)
	s.lmu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err is the cause recorded when initialisation failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Channel returns the correlation channel of one interface.
func (s *Session) Channel(kind ucs.InterfaceKind) *correlation.Channel {
	return s.channels[kind]
}

// Open starts the listeners and registers the notification callbacks. It
// runs at most once; concurrent callers wait for the first one. A failure
// is terminal for the session.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ucs.NewError(ucs.KindNotConnected, "session is closed")
	}
	switch s.status {
	case StatusInitialized:
		return nil
	case StatusError:
		return s.failedLocked()
	}

	if err := s.startLocked(ctx); err != nil {
		s.status = StatusError
		s.cause = err
		s.logger.Errorw("session initialisation failed", "error", err)
		return s.failedLocked()
	}
	s.status = StatusInitialized
	s.logger.Infow("session initialised", "backend", s.cfg.BackendURL)
	return nil
}

func (s *Session) failedLocked() error {
	return ucs.Wrap(ucs.KindSessionFailed, "session initialisation failed", s.cause)
}

func (s *Session) startLocked(ctx context.Context) error {
	var started []*correlation.Channel
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].Stop(context.WithoutCancel(ctx))
		}
	}
	for _, kind := range startOrder {
		ch := s.channels[kind]
		if err := ch.Start(ctx); err != nil {
			rollback()
			return err
		}
		started = append(started, ch)
	}

	for _, kind := range startOrder {
		name, ok := callbackKinds[kind]
		if !ok {
			continue
		}
		ch := s.channels[kind]
		reply, err := ch.Dispatch(ctx, name, []string{ch.BaseURL()}, true)
		if err != nil {
			s.unregisterLocked(ctx)
			rollback()
			return err
		}
		var out ucs.IDReply
		if err := reply.Decode(&out); err != nil {
			s.unregisterLocked(ctx)
			rollback()
			return err
		}
		s.registrations[kind] = out.ID
		s.logger.Debugw("callback registered", "interface", kind, "registration_id", out.ID, "url", ch.BaseURL())
	}
	return nil
}

// unregisterLocked drops the callback registrations without waiting for the
// backend to confirm.
func (s *Session) unregisterLocked(ctx context.Context) {
	for kind, id := range s.registrations {
		if _, err := s.channels[kind].Dispatch(ctx, unregisterCommands[kind], []string{id}, false); err != nil {
			s.logger.Warnw("unregister callback failed", "interface", kind, "registration_id", id, "error", err)
		}
		delete(s.registrations, kind)
	}
}

// Close unregisters the callbacks and stops the listeners. It is safe to
// call more than once; a closed session rejects further calls.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.status != StatusInitialized {
		return nil
	}
	s.unregisterLocked(ctx)

	var errs []error
	for i := len(startOrder) - 1; i >= 0; i-- {
		if err := s.channels[startOrder[i]].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.status = StatusUninitialized
	s.logger.Infow("session closed")
	return errors.Join(errs...)
}

// call runs a command on one interface and decodes the reply into out.
func (s *Session) call(ctx context.Context, kind ucs.InterfaceKind, name string, args []string, out any) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	reply, err := s.channels[kind].Dispatch(ctx, name, args, true)
	if err != nil {
		return s.normalize(name, err)
	}
	if out == nil {
		return nil
	}
	return s.normalize(name, reply.Decode(out))
}

// normalize passes typed errors through and wraps anything else as internal.
func (s *Session) normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *ucs.Error
	if !errors.As(err, &ue) {
		s.logger.Errorw("unexpected failure", "operation", op, "error", err)
	}
	return ucs.Normalize(err, op)
}
