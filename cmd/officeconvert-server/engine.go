package main

import (
	"github.com/go-logr/logr"

	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/engine"
	"github.com/alnah/go-officeconvert/internal/markdown"
)

// newEngine builds the rendering engine named by cfg.Kind.
func newEngine(cfg config.EngineConfig, logger logr.Logger) (engine.Engine, error) {
	log := logger.WithName("engine").WithValues("kind", cfg.Kind)

	var (
		eng engine.Engine
		err error
	)
	switch cfg.Kind {
	case config.EngineChrome:
		opts := engine.ChromeOptions{
			Bin:       cfg.Path,
			NoSandbox: cfg.NoSandbox,
			Timeout:   cfg.Timeout.Std(),
			Logger:    log,
		}
		if cfg.Markdown {
			opts.Markdown = markdown.NewRenderer()
		}
		eng, err = engine.NewChrome(opts)
	case config.EngineFake:
		eng = &engine.Fake{}
	default:
		eng, err = engine.NewSoffice(engine.SofficeOptions{
			Path:    cfg.Path,
			Timeout: cfg.Timeout.Std(),
			Logger:  log,
		})
	}
	if err != nil {
		return nil, err
	}

	if cfg.VerifyOutput {
		eng = engine.NewChecked(eng)
	}
	return eng, nil
}
