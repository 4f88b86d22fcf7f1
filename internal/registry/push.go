package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joelkehle/ucsbridge/internal/ucs"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type PushConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	HTTPClient  *http.Client
	Logger      *zap.SugaredLogger
	Registerer  prometheus.Registerer
}

// Pusher delivers notifications to every callback registered for a kind.
// Delivery failures are logged and counted, never returned.
type Pusher struct {
	reg    *Registry
	cfg    PushConfig
	logger *zap.SugaredLogger

	deliveries *prometheus.CounterVec
}

func NewPusher(reg *Registry, cfg PushConfig) *Pusher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	p := &Pusher{
		reg:    reg,
		cfg:    cfg,
		logger: cfg.Logger,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ucs_push_deliveries_total",
			Help: "Notification deliveries to registered callbacks by outcome.",
		}, []string{"kind", "outcome"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(p.deliveries)
	}
	return p
}

// Notify posts payload to path under every callback URL of kind and waits
// for all deliveries to finish.
func (p *Pusher) Notify(ctx context.Context, kind ucs.InterfaceKind, path string, payload any) {
	blob, err := json.Marshal(payload)
	if err != nil {
		p.logger.Errorw("notification marshal failed", "kind", kind, "path", path, "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, base := range p.reg.List(kind) {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			p.deliver(ctx, kind, target, blob)
		}(base + path)
	}
	wg.Wait()
}

func (p *Pusher) deliver(ctx context.Context, kind ucs.InterfaceKind, target string, blob []byte) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseBackoff
	b.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (int, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(blob))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.cfg.HTTPClient.Do(req)
		if err != nil {
			p.logger.Debugw("push delivery attempt failed", "url", target, "attempt", attempt, "error", err)
			return 0, err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			p.logger.Debugw("push delivery attempt rejected", "url", target, "attempt", attempt, "status", resp.StatusCode)
			return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(p.cfg.MaxAttempts)))

	if err != nil {
		p.deliveries.WithLabelValues(string(kind), "failure").Inc()
		p.logger.Warnw("push delivery exhausted retries", "url", target, "attempts", attempt, "error", err)
		return
	}
	p.deliveries.WithLabelValues(string(kind), "success").Inc()
	p.logger.Debugw("push delivery success", "url", target, "attempts", attempt)
}
