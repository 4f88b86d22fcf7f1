// Package config holds the single configuration struct for sessions and the
// reference backend.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/ucsbridge/internal/ucs"
	"gopkg.in/yaml.v3"
)

// Endpoint is the per-interface pairing of an outbound command URL and an
// inbound listener.
type Endpoint struct {
	CommandURL    string `yaml:"command_url"`
	ListenHost    string `yaml:"listen_host"`
	ListenPort    int    `yaml:"listen_port"`
	AdvertiseHost string `yaml:"advertise_host"`
}

func (e Endpoint) ListenAddr() string {
	return net.JoinHostPort(e.ListenHost, strconv.Itoa(e.ListenPort))
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BackendConfig struct {
	Addr            string        `yaml:"addr"`
	StoreBackend    string        `yaml:"store_backend"`
	StatePath       string        `yaml:"state_path"`
	DBPath          string        `yaml:"db_path"`
	PushMaxAttempts int           `yaml:"push_max_attempts"`
	PushBaseBackoff time.Duration `yaml:"push_base_backoff"`
	EscalationPoll  time.Duration `yaml:"escalation_poll"`
	Adapters        []string      `yaml:"adapters"`
	ServerID        string        `yaml:"server_id"`
}

type Config struct {
	Scheme          string        `yaml:"scheme"`
	BackendURL      string        `yaml:"backend_url"`
	SendMessageURL  string        `yaml:"send_message_url"`
	ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	ListenerWorkers int           `yaml:"listener_workers"`

	Client       Endpoint `yaml:"client"`
	Alerting     Endpoint `yaml:"alerting"`
	Management   Endpoint `yaml:"management"`
	Conversation Endpoint `yaml:"conversation"`

	Log     LogConfig     `yaml:"log"`
	Backend BackendConfig `yaml:"backend"`
}

const (
	DefaultClientPort       = 8899
	DefaultAlertingPort     = 8897
	DefaultManagementPort   = 8900
	DefaultConversationPort = 8901
)

func Default() Config {
	return Config{
		Scheme:          "http",
		BackendURL:      "http://localhost:8080",
		ReplyTimeout:    10 * time.Second,
		ListenerWorkers: 16,
		Client:          Endpoint{ListenHost: "localhost", ListenPort: DefaultClientPort},
		Alerting:        Endpoint{ListenHost: "localhost", ListenPort: DefaultAlertingPort},
		Management:      Endpoint{ListenHost: "localhost", ListenPort: DefaultManagementPort},
		Conversation:    Endpoint{ListenHost: "localhost", ListenPort: DefaultConversationPort},
		Log:             LogConfig{Level: "info", Format: "json"},
		Backend: BackendConfig{
			Addr:            ":8080",
			StoreBackend:    "memory",
			StatePath:       "./data/state.json",
			PushMaxAttempts: 3,
			PushBaseBackoff: 500 * time.Millisecond,
			EscalationPoll:  time.Second,
			Adapters:        []string{"SMS", "EMAIL", "CHAT", "VOIP"},
			ServerID:        "ucs-backend",
		},
	}
}

// Load reads a YAML file over the defaults, then applies UCS_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(blob, &cfg); err != nil {
			return Config{}, ucs.Wrap(ucs.KindValidation, "parse config "+path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return ucs.Wrap(ucs.KindValidation, key, err)
			}
			*dst = d
		}
		return nil
	}
	str("UCS_BACKEND_URL", &c.BackendURL)
	str("UCS_SEND_MESSAGE_URL", &c.SendMessageURL)
	str("UCS_LOG_LEVEL", &c.Log.Level)
	str("UCS_LOG_FORMAT", &c.Log.Format)
	str("UCS_BACKEND_ADDR", &c.Backend.Addr)
	str("UCS_STORE_BACKEND", &c.Backend.StoreBackend)
	str("UCS_STATE_FILE", &c.Backend.StatePath)
	str("UCS_DB_PATH", &c.Backend.DBPath)
	if err := dur("UCS_REPLY_TIMEOUT", &c.ReplyTimeout); err != nil {
		return err
	}
	return dur("UCS_ESCALATION_POLL", &c.Backend.EscalationPoll)
}

// Resolve derives the command URLs that were left empty from BackendURL.
func (c *Config) Resolve() {
	base := strings.TrimRight(c.BackendURL, "/")
	if c.SendMessageURL == "" {
		c.SendMessageURL = base + "/messages"
	}
	for kind, ep := range c.endpoints() {
		if ep.CommandURL == "" {
			ep.CommandURL = base + "/commands/" + string(kind)
		}
	}
}

func (c *Config) endpoints() map[ucs.InterfaceKind]*Endpoint {
	return map[ucs.InterfaceKind]*Endpoint{
		ucs.InterfaceClient:       &c.Client,
		ucs.InterfaceAlerting:     &c.Alerting,
		ucs.InterfaceManagement:   &c.Management,
		ucs.InterfaceConversation: &c.Conversation,
	}
}

// Endpoint returns the settings for one interface.
func (c Config) Endpoint(kind ucs.InterfaceKind) Endpoint {
	if ep, ok := c.endpoints()[kind]; ok {
		return *ep
	}
	return Endpoint{}
}

func (c Config) Validate() error {
	var errs []error
	if c.Scheme != "http" && c.Scheme != "https" {
		errs = append(errs, fmt.Errorf("scheme must be http or https, got %q", c.Scheme))
	}
	if c.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("reply_timeout must be positive"))
	}
	if err := validateURL("send_message_url", c.SendMessageURL); err != nil {
		errs = append(errs, err)
	}
	ports := map[int]ucs.InterfaceKind{}
	for _, kind := range []ucs.InterfaceKind{ucs.InterfaceClient, ucs.InterfaceAlerting, ucs.InterfaceManagement, ucs.InterfaceConversation} {
		ep := c.Endpoint(kind)
		if err := validateURL(string(kind)+".command_url", ep.CommandURL); err != nil {
			errs = append(errs, err)
		}
		if ep.ListenPort < 0 || ep.ListenPort > 65535 {
			errs = append(errs, fmt.Errorf("%s.listen_port %d out of range", kind, ep.ListenPort))
			continue
		}
		if ep.ListenPort == 0 {
			continue
		}
		if other, dup := ports[ep.ListenPort]; dup {
			errs = append(errs, fmt.Errorf("%s.listen_port %d already used by %s", kind, ep.ListenPort, other))
		}
		ports[ep.ListenPort] = kind
	}
	switch c.Backend.StoreBackend {
	case "", "memory", "persistent", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("backend.store_backend %q is not memory, persistent or sqlite", c.Backend.StoreBackend))
	}
	if c.Backend.StoreBackend == "sqlite" && c.Backend.DBPath == "" {
		errs = append(errs, errors.New("backend.db_path is required for sqlite"))
	}
	if err := errors.Join(errs...); err != nil {
		return ucs.Wrap(ucs.KindValidation, "invalid configuration", err)
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q is not an absolute http url", field, raw)
	}
	return nil
}
