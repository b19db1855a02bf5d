// Package config holds the YAML configuration of the conversion server and
// of the client pool.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/yamlutil"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrConfigParse    = errors.New("failed to parse config")
	ErrInvalidConfig  = errors.New("invalid config")
)

// Engine kinds accepted by engine.kind.
const (
	EngineChrome  = "chrome"
	EngineSoffice = "soffice"
	EngineFake    = "fake"
)

// ServerConfig configures cmd/officeconvert-server.
type ServerConfig struct {
	Server ListenConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// ListenConfig defines the HTTP surface.
type ListenConfig struct {
	Address         string            `yaml:"address"`
	MaxUploadBytes  int64             `yaml:"maxUploadBytes"`
	ShutdownTimeout yamlutil.Duration `yaml:"shutdownTimeout"`
}

// EngineConfig selects and tunes the rendering engine.
type EngineConfig struct {
	Kind         string            `yaml:"kind"`         // "chrome", "soffice" or "fake"
	Path         string            `yaml:"path"`         // Browser binary, or soffice binary or its directory
	Timeout      yamlutil.Duration `yaml:"timeout"`      // Per-job bound, 0 = none
	Markdown     bool              `yaml:"markdown"`     // chrome: treat uploads as Markdown
	NoSandbox    bool              `yaml:"noSandbox"`    // chrome: required in most containers
	VerifyOutput bool              `yaml:"verifyOutput"` // Reject output that is not a readable PDF
}

// LogConfig defines logger verbosity and format.
type LogConfig struct {
	Level       string `yaml:"level"` // info, verbose, debug, trace
	Development bool   `yaml:"development"`
}

// ClientConfig configures the client pool used by cmd/officeconvert.
type ClientConfig struct {
	Backends         []string          `yaml:"backends"`
	ConnectTimeout   yamlutil.Duration `yaml:"connectTimeout"`
	RequestTimeout   yamlutil.Duration `yaml:"requestTimeout"`
	FailureThreshold int               `yaml:"failureThreshold"`
	CoolDown         yamlutil.Duration `yaml:"coolDown"`
	BusyRecheck      yamlutil.Duration `yaml:"busyRecheck"`
	ProbeLimit       int               `yaml:"probeLimit"`
	WaitBudget       yamlutil.Duration `yaml:"waitBudget"`
	Backoff          BackoffConfig     `yaml:"backoff"`
	MaxAttempts      int               `yaml:"maxAttempts"` // 0 = one per backend
	Log              LogConfig         `yaml:"log"`
}

// BackoffConfig is the wait between selection rounds when every backend is busy.
type BackoffConfig struct {
	Initial    yamlutil.Duration `yaml:"initial"`
	Max        yamlutil.Duration `yaml:"max"`
	Multiplier float64           `yaml:"multiplier"`
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Server: ListenConfig{
			Address:         "127.0.0.1:3000",
			MaxUploadBytes:  1 << 30,
			ShutdownTimeout: yamlutil.Duration(30 * time.Second),
		},
		Engine: EngineConfig{
			Kind:    EngineSoffice,
			Timeout: yamlutil.Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultClientConfig returns pool settings matching the LoadBalancer defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeout:   yamlutil.Duration(officeconvert.DefaultConnectTimeout),
		RequestTimeout:   yamlutil.Duration(officeconvert.DefaultRequestTimeout),
		FailureThreshold: officeconvert.DefaultFailureThreshold,
		CoolDown:         yamlutil.Duration(officeconvert.DefaultCoolDown),
		BusyRecheck:      yamlutil.Duration(officeconvert.DefaultBusyRecheck),
		ProbeLimit:       officeconvert.DefaultProbeLimit,
		WaitBudget:       yamlutil.Duration(officeconvert.DefaultWaitBudget),
		Backoff: BackoffConfig{
			Initial:    yamlutil.Duration(officeconvert.DefaultBackoffInitial),
			Max:        yamlutil.Duration(officeconvert.DefaultBackoffMax),
			Multiplier: officeconvert.DefaultBackoffMultiplier,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate reports the first invalid field.
func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("%w: server.address %q: %v", ErrInvalidConfig, c.Server.Address, err)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: server.maxUploadBytes must be positive", ErrInvalidConfig)
	}
	if c.Server.ShutdownTimeout < 0 || c.Engine.Timeout < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	switch c.Engine.Kind {
	case EngineChrome, EngineSoffice, EngineFake:
	default:
		return fmt.Errorf("%w: engine.kind %q (must be chrome, soffice, or fake)", ErrInvalidConfig, c.Engine.Kind)
	}
	if c.Engine.Markdown && c.Engine.Kind != EngineChrome {
		return fmt.Errorf("%w: engine.markdown requires engine.kind chrome", ErrInvalidConfig)
	}
	return c.Log.validate()
}

// Validate reports the first invalid field.
func (c *ClientConfig) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: backends: %w", ErrInvalidConfig, officeconvert.ErrNoBackends)
	}
	for i, b := range c.Backends {
		u, err := url.Parse(b)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: backends[%d]: %q is not an http(s) URL", ErrInvalidConfig, i, b)
		}
	}
	if c.FailureThreshold < 0 || c.ProbeLimit < 0 || c.MaxAttempts < 0 {
		return fmt.Errorf("%w: failureThreshold, probeLimit and maxAttempts cannot be negative", ErrInvalidConfig)
	}
	if c.ConnectTimeout < 0 || c.RequestTimeout < 0 || c.CoolDown < 0 || c.BusyRecheck < 0 || c.WaitBudget < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidConfig)
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		return fmt.Errorf("%w: backoff needs 0 < initial <= max", ErrInvalidConfig)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff.multiplier must be at least 1", ErrInvalidConfig)
	}
	return c.Log.validate()
}

func (c LogConfig) validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Verbosity returns the logr verbosity for Level.
func (c LogConfig) Verbosity() int {
	v, _ := logging.ParseLevel(c.Level)
	return v
}

// ClientOptions returns the per-replica client settings.
func (c *ClientConfig) ClientOptions() []officeconvert.ClientOption {
	return []officeconvert.ClientOption{
		officeconvert.WithConnectTimeout(c.ConnectTimeout.Std()),
		officeconvert.WithRequestTimeout(c.RequestTimeout.Std()),
	}
}

// BalancerOptions returns the pool policy.
func (c *ClientConfig) BalancerOptions() []officeconvert.BalancerOption {
	return []officeconvert.BalancerOption{
		officeconvert.WithFailureThreshold(c.FailureThreshold),
		officeconvert.WithCoolDown(c.CoolDown.Std()),
		officeconvert.WithBusyRecheck(c.BusyRecheck.Std()),
		officeconvert.WithProbeLimit(c.ProbeLimit),
		officeconvert.WithWaitBudget(c.WaitBudget.Std()),
		officeconvert.WithBackoff(officeconvert.Backoff{
			Initial:    c.Backoff.Initial.Std(),
			Max:        c.Backoff.Max.Std(),
			Multiplier: c.Backoff.Multiplier,
		}),
		officeconvert.WithMaxAttempts(c.MaxAttempts),
	}
}

// LoadServerConfig reads path over the defaults. An empty path returns the
// defaults unvalidated so flags and environment can still fill them in.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig reads path over the defaults, like LoadServerConfig.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, v any) error {
	if err := yamlutil.ReadFile(path, v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("reading config file: %w", err)
		}
		return fmt.Errorf("%w: %s: %v", ErrConfigParse, path, err)
	}
	return nil
}

// SplitList splits a comma-separated environment value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
