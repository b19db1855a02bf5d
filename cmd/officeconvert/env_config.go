package main

import (
	"github.com/go-logr/logr"

	officeconvert "github.com/alnah/go-officeconvert"
	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/logging"
)

type lookupFunc func(string) (string, bool)

// resolveConfig layers flags over environment over the config file over
// defaults, then validates the result.
func resolveConfig(f *commonFlags, lookup lookupFunc) (*config.ClientConfig, error) {
	path := f.config
	if path == "" {
		path, _ = lookup("OFFICECONVERT_CLIENT_CONFIG")
	}
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return nil, err
	}

	if v, ok := lookup("OFFICECONVERT_BACKENDS"); ok {
		if backends := config.SplitList(v); len(backends) > 0 {
			cfg.Backends = backends
		}
	}
	if v, ok := lookup("OFFICECONVERT_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}

	if len(f.backends) > 0 {
		cfg.Backends = f.backends
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pool is the set of clients built from a ClientConfig, plus the balancer over them.
type pool struct {
	clients  []*officeconvert.Client
	balancer *officeconvert.LoadBalancer
	logger   logr.Logger
}

func newPool(cfg *config.ClientConfig) (*pool, error) {
	logger, err := logging.New(cfg.Log.Verbosity(), true)
	if err != nil {
		return nil, err
	}

	clientOpts := append(cfg.ClientOptions(), officeconvert.WithClientLogger(logger))
	p := &pool{logger: logger}
	backends := make([]officeconvert.Backend, 0, len(cfg.Backends))
	for _, endpoint := range cfg.Backends {
		c, err := officeconvert.NewClient(endpoint, clientOpts...)
		if err != nil {
			return nil, err
		}
		p.clients = append(p.clients, c)
		backends = append(backends, c)
	}

	balancerOpts := append(cfg.BalancerOptions(), officeconvert.WithBalancerLogger(logger.WithName("balancer")))
	p.balancer = officeconvert.NewLoadBalancer(backends, balancerOpts...)
	return p, nil
}
