// Package backend is a reference implementation of the asynchronous flow
// backend: it accepts commands, answers them out of band on the reply-to
// address carried in each command, and pushes notifications to registered
// callbacks.
package backend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joelkehle/ucsbridge/internal/lifecycle"
	"github.com/joelkehle/ucsbridge/internal/registry"
	"github.com/joelkehle/ucsbridge/internal/store"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Options struct {
	Store           store.API
	Logger          *zap.SugaredLogger
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
	HTTPClient      *http.Client
	ReplyScheme     string
	PushMaxAttempts int
	PushBaseBackoff time.Duration
	EscalationPoll  time.Duration
	Adapters        []string
	ServerID        string
	Clock           func() time.Time
}

type Server struct {
	store     store.API
	lifecycle *lifecycle.Machine
	registry  *registry.Registry
	pusher    *registry.Pusher
	engine    *gin.Engine
	client    *http.Client
	logger    *zap.SugaredLogger
	clock     func() time.Time
	opts      Options
	commands  map[ucs.InterfaceKind]map[string]commandFunc

	processed *prometheus.CounterVec

	inflight sync.WaitGroup

	acceptMu sync.Mutex

	watchMu sync.Mutex
	watches map[string]time.Time

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	cancel context.CancelFunc
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, ucs.NewError(ucs.KindValidation, "backend needs a store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.ReplyScheme == "" {
		opts.ReplyScheme = "http"
	}
	if opts.EscalationPoll <= 0 {
		opts.EscalationPoll = time.Second
	}
	if len(opts.Adapters) == 0 {
		opts.Adapters = []string{"SMS", "EMAIL", "CHAT", "VOIP"}
	}
	if opts.ServerID == "" {
		opts.ServerID = "ucs-backend"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	reg := registry.New()
	s := &Server{
		store:     opts.Store,
		lifecycle: lifecycle.New(opts.Store, opts.Logger),
		registry:  reg,
		pusher: registry.NewPusher(reg, registry.PushConfig{
			MaxAttempts: opts.PushMaxAttempts,
			BaseBackoff: opts.PushBaseBackoff,
			HTTPClient:  opts.HTTPClient,
			Logger:      opts.Logger,
			Registerer:  opts.Registerer,
		}),
		client:  opts.HTTPClient,
		logger:  opts.Logger,
		clock:   opts.Clock,
		opts:    opts,
		watches: map[string]time.Time{},
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucs_backend_commands_total",
			Help: "Commands processed by the backend by outcome.",
		}, []string{"command", "outcome"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.processed)
	}
	s.commands = s.commandTable()
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	r.POST("/messages", s.handleSendMessage)
	r.POST("/commands/:interface", s.handleCommand)
	r.POST("/inbound/reply", s.handleInboundReply)
	r.POST("/inbound/receipt", s.handleInboundReceipt)
	r.GET("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugw("backend request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start listens on addr and runs the escalation loop until Stop.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("backend server failed", "error", err)
		}
	}(s.srv)
	go s.RunEscalations(loopCtx)
	s.logger.Infow("backend listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the listener down and waits for in-flight commands.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.srv, s.cancel, s.ln = nil, nil, nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}
	s.Wait()
	return err
}

// Wait blocks until every accepted command has been answered.
func (s *Server) Wait() {
	s.inflight.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"status":        "healthy",
		"server_id":     s.opts.ServerID,
		"store":         s.store.Stats(),
		"registrations": s.registry.Len(),
	})
}

func writeError(c *gin.Context, err error) {
	var ue *ucs.Error
	if !errors.As(err, &ue) {
		ue = ucs.Wrap(ucs.KindInternal, "unexpected failure", err)
	}
	c.JSON(ucs.HTTPStatus(ue), gin.H{
		"ok": false,
		"error": gin.H{
			"kind":    ue.Kind,
			"message": ue.Error(),
		},
	})
}

func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return ucs.Wrap(ucs.KindBadBody, "invalid json", err)
	}
	return nil
}
