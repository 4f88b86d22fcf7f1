// Package correlation turns fire-and-callback exchanges with the backend into
// blocking calls.
//
// Each Dispatch that expects a reply registers a one-shot route whose path is
// the correlation id, embeds that address in the command envelope and waits
// until the backend posts to it or the timeout fires. The route is removed on
// every exit path, so a late reply finds nothing and is dropped.
package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultWorkers = 16
	maxReplyBytes  = 8 << 20
)

type Options struct {
	Name       string
	Scheme     string
	CommandURL string
	// ListenAddr is host:port for the inbound listener. Port 0 picks a free
	// port, which is then advertised in reply-to descriptors.
	ListenAddr    string
	AdvertiseHost string
	Timeout       time.Duration
	Workers       int
	HTTPClient    *http.Client
	Logger        *zap.SugaredLogger
	Registerer    prometheus.Registerer
	Tracer        trace.Tracer
}

// Reply is a successful response delivered to a correlation route.
type Reply struct {
	Body       []byte
	Header     http.Header
	ReceivedAt time.Time
}

// Decode unmarshals the reply body. An empty body leaves v untouched.
func (r *Reply) Decode(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return ucs.Wrap(ucs.KindBadBody, "decode reply", err)
	}
	return nil
}

type outcome struct {
	reply *Reply
	err   error
}

type pendingCall struct {
	command string
	once    sync.Once
	done    chan outcome
}

// resolve delivers the first outcome; later ones are dropped.
func (p *pendingCall) resolve(o outcome) bool {
	delivered := false
	p.once.Do(func() {
		p.done <- o
		delivered = true
	})
	return delivered
}

const (
	jobQueued int32 = iota
	jobTaken
	jobAbandoned
)

// inbound is one queued request. Whichever side wins the state swap owns it:
// a worker that takes it serves w, a caller that abandons it never will.
type inbound struct {
	w     http.ResponseWriter
	r     *http.Request
	done  chan struct{}
	state atomic.Int32
}

type Channel struct {
	opts    Options
	logger  *zap.SugaredLogger
	tracer  trace.Tracer
	metrics *metrics

	routes  sync.Map // path -> http.Handler
	pending sync.Map // correlation id -> *pendingCall

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	workers  *pool[*inbound]
	host     string
	port     int
	running  bool
}

func New(opts Options) (*Channel, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, ucs.NewError(ucs.KindValidation, "channel name is required")
	}
	if strings.TrimSpace(opts.CommandURL) == "" {
		return nil, ucs.Errorf(ucs.KindValidation, "channel %s: command url is required", opts.Name)
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/joelkehle/ucsbridge/internal/correlation")
	}
	return &Channel{
		opts:    opts,
		logger:  opts.Logger.With("channel", opts.Name),
		tracer:  opts.Tracer,
		metrics: newMetrics(opts.Name, opts.Registerer),
	}, nil
}

func (c *Channel) Name() string {
	return c.opts.Name
}

// Handle registers a permanent route such as a notification path.
func (c *Channel) Handle(path string, h http.Handler) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	c.routes.Store(path, h)
}

func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	ln, err := net.Listen("tcp", c.opts.ListenAddr)
	if err != nil {
		return ucs.Wrap(ucs.KindNotConnected, fmt.Sprintf("channel %s: listen on %s", c.opts.Name, c.opts.ListenAddr), err)
	}
	tcp := ln.Addr().(*net.TCPAddr)
	c.port = tcp.Port
	c.host = c.opts.AdvertiseHost
	if c.host == "" {
		c.host = advertisable(c.opts.ListenAddr)
	}

	c.workers = newPool(c.opts.Workers, c.opts.Workers*16, c.serve)
	c.workers.Start(context.WithoutCancel(ctx))

	c.listener = ln
	c.server = &http.Server{
		Handler:           http.HandlerFunc(c.enqueue),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func(srv *http.Server, ln net.Listener) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Errorw("listener stopped unexpectedly", "error", err)
		}
	}(c.server, ln)
	c.running = true
	c.logger.Infow("listener started", "addr", ln.Addr().String(), "advertise", c.baseURLLocked())
	return nil
}

// Stop closes the listener and releases any dispatch still waiting.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	err := c.server.Shutdown(ctx)
	c.workers.Stop()
	c.listener = nil
	c.pending.Range(func(key, value any) bool {
		value.(*pendingCall).resolve(outcome{err: ucs.Errorf(ucs.KindNotConnected, "channel %s stopped", c.opts.Name)})
		return true
	})
	c.logger.Infow("listener stopped")
	return err
}

// BaseURL is the externally reachable address of the listener.
func (c *Channel) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURLLocked()
}

func (c *Channel) baseURLLocked() string {
	return c.opts.Scheme + "://" + net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c *Channel) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Pending reports how many dispatches are waiting for a reply.
func (c *Channel) Pending() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *Channel) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Dispatch sends a command. With wait set it blocks until the reply, an
// exception reply, the channel timeout or ctx cancellation.
func (c *Channel) Dispatch(ctx context.Context, name string, args []string, wait bool) (*Reply, error) {
	ctx, span := c.tracer.Start(ctx, "correlation.Dispatch", trace.WithAttributes(
		attribute.String("ucs.channel", c.opts.Name),
		attribute.String("ucs.command", name),
		attribute.Bool("ucs.wait", wait),
	))
	defer span.End()

	start := time.Now()
	reply, err := c.dispatch(ctx, span, name, args, wait)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = string(ucs.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.commands.WithLabelValues(name, result).Inc()
	c.metrics.roundTrip.WithLabelValues(name).Observe(elapsed.Seconds())
	c.logger.Debugw("dispatch finished", "command", name, "wait", wait, "outcome", result, "elapsed", elapsed)
	return reply, err
}

func (c *Channel) dispatch(ctx context.Context, span trace.Span, name string, args []string, wait bool) (*Reply, error) {
	if args == nil {
		args = []string{}
	}
	cmd := ucs.Command{Name: name, Args: args}
	if !wait {
		return nil, c.send(ctx, cmd)
	}
	if !c.isRunning() {
		return nil, ucs.Errorf(ucs.KindNotConnected, "channel %s: listener not started", c.opts.Name)
	}

	id := uuid.NewString()
	span.SetAttributes(attribute.String("ucs.correlation_id", id))
	call := &pendingCall{command: name, done: make(chan outcome, 1)}
	c.pending.Store(id, call)
	c.metrics.pending.Inc()
	defer func() {
		c.pending.Delete(id)
		c.metrics.pending.Dec()
	}()

	cmd.Response = &ucs.ReplyTo{Host: c.host, Port: c.port, Context: id}
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case o := <-call.done:
		return o.reply, o.err
	case <-timer.C:
		return nil, ucs.Errorf(ucs.KindTimeout, "no reply to %s within %s", name, c.opts.Timeout)
	case <-ctx.Done():
		return nil, ucs.Wrap(ucs.KindTimeout, "stopped waiting for "+name, ctx.Err())
	}
}

func (c *Channel) send(ctx context.Context, cmd ucs.Command) error {
	blob, err := json.Marshal(cmd)
	if err != nil {
		return ucs.Wrap(ucs.KindInternal, "encode command", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.CommandURL, bytes.NewReader(blob))
	if err != nil {
		return ucs.Wrap(ucs.KindDelivery, "build command request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return ucs.Wrap(ucs.KindDelivery, "send "+cmd.Name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return ucs.Errorf(ucs.KindDelivery, "%s rejected with status=%d body=%s", cmd.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// enqueue hands the request to the worker pool and waits for it to be
// served.
func (c *Channel) enqueue(w http.ResponseWriter, r *http.Request) {
	job := &inbound{w: w, r: r, done: make(chan struct{})}
	if err := c.workers.Submit(job); err != nil {
		c.logger.Warnw("inbound request rejected", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	select {
	case <-job.done:
		return
	case <-r.Context().Done():
	}
	if job.state.CompareAndSwap(jobQueued, jobAbandoned) {
		c.metrics.abandoned.Inc()
		c.logger.Debugw("inbound request abandoned before a worker took it", "path", r.URL.Path)
		return
	}
	// A worker already holds w and r; they must stay valid until it is done.
	<-job.done
}

func (c *Channel) serve(_ context.Context, job *inbound) {
	defer close(job.done)
	if !job.state.CompareAndSwap(jobQueued, jobTaken) {
		return
	}
	path := job.r.URL.Path
	if h, ok := c.routes.Load(path); ok {
		c.serveRoute(h.(http.Handler), job.w, job.r)
		return
	}
	c.serveReply(strings.TrimPrefix(path, "/"), job.w, job.r)
}

// serveRoute runs a permanent handler. The backend always gets 200.
func (c *Channel) serveRoute(h http.Handler, w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Errorw("notification handler panicked", "path", r.URL.Path, "panic", rec)
		}
		if !sw.wrote {
			sw.WriteHeader(http.StatusOK)
		}
	}()
	h.ServeHTTP(sw, r)
}

func (c *Channel) serveReply(id string, w http.ResponseWriter, r *http.Request) {
	value, ok := c.pending.Load(id)
	if !ok {
		c.metrics.lateReplies.Inc()
		c.logger.Debugw("reply for unknown correlation ignored", "correlation_id", id)
		w.WriteHeader(http.StatusOK)
		return
	}
	call := value.(*pendingCall)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReplyBytes))
	var o outcome
	switch exc, isException := ucs.ErrorFromHeaders(r.Header); {
	case isException:
		o.err = exc
	case err != nil:
		o.err = ucs.Wrap(ucs.KindBadBody, "read reply", err)
	default:
		o.reply = &Reply{Body: body, Header: r.Header.Clone(), ReceivedAt: time.Now()}
	}
	if !call.resolve(o) {
		c.logger.Debugw("duplicate reply ignored", "correlation_id", id, "command", call.command)
	}
	w.WriteHeader(http.StatusOK)
}

type statusWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// advertisable turns a bind address into a host the backend can call.
func advertisable(listenAddr string) string {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
