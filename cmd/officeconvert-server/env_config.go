package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/yamlutil"
)

type lookupFunc func(string) (string, bool)

// knownEnvVars lists valid OFFICECONVERT_* environment variables.
var knownEnvVars = map[string]bool{
	"OFFICECONVERT_CONFIG":           true,
	"OFFICECONVERT_ADDRESS":          true,
	"OFFICECONVERT_ENGINE":           true,
	"OFFICECONVERT_ENGINE_PATH":      true,
	"OFFICECONVERT_TIMEOUT":          true,
	"OFFICECONVERT_MAX_UPLOAD_BYTES": true,
	"OFFICECONVERT_LOG_LEVEL":        true,
	// Read by the client CLI.
	"OFFICECONVERT_BACKENDS":      true,
	"OFFICECONVERT_CLIENT_CONFIG": true,
}

// Variables understood by earlier releases.
const (
	legacyAddressEnv = "SERVER_ADDRESS"
	legacySDKPathEnv = "LIBREOFFICE_SDK_PATH"
)

// warnUnknownEnvVars reports unrecognized OFFICECONVERT_* variables.
func warnUnknownEnvVars(w io.Writer, environ []string) {
	for _, env := range environ {
		if strings.HasPrefix(env, "OFFICECONVERT_") {
			name := strings.SplitN(env, "=", 2)[0]
			if !knownEnvVars[name] {
				fmt.Fprintf(w, "warning: unknown environment variable %s (typo?)\n", name)
			}
		}
	}
}

// resolveConfig layers flags over environment over the config file over
// defaults, then validates the result.
func resolveConfig(f *serverFlags, lookup lookupFunc) (*config.ServerConfig, error) {
	path := f.config
	if path == "" {
		path, _ = lookup("OFFICECONVERT_CONFIG")
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := applyFlags(cfg, f); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.ServerConfig, lookup lookupFunc) error {
	if v, ok := lookup(legacyAddressEnv); ok && v != "" {
		cfg.Server.Address = v
	}
	if v, ok := lookup("OFFICECONVERT_ADDRESS"); ok && v != "" {
		cfg.Server.Address = v
	}
	if v, ok := lookup("OFFICECONVERT_ENGINE"); ok && v != "" {
		cfg.Engine.Kind = v
	}
	if v, ok := lookup(legacySDKPathEnv); ok && v != "" && cfg.Engine.Kind == config.EngineSoffice {
		cfg.Engine.Path = v
	}
	if v, ok := lookup("OFFICECONVERT_ENGINE_PATH"); ok && v != "" {
		cfg.Engine.Path = v
	}
	if v, ok := lookup("OFFICECONVERT_TIMEOUT"); ok && v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%w: OFFICECONVERT_TIMEOUT: %v", config.ErrInvalidConfig, err)
		}
		cfg.Engine.Timeout = d
	}
	if v, ok := lookup("OFFICECONVERT_MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: OFFICECONVERT_MAX_UPLOAD_BYTES: %v", config.ErrInvalidConfig, err)
		}
		cfg.Server.MaxUploadBytes = n
	}
	if v, ok := lookup("OFFICECONVERT_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func applyFlags(cfg *config.ServerConfig, f *serverFlags) error {
	if f.changed("address") {
		cfg.Server.Address = f.address
	}
	if f.changed("engine") {
		cfg.Engine.Kind = f.engine
	}
	if f.changed("engine-path") {
		cfg.Engine.Path = f.enginePath
	}
	if f.changed("timeout") {
		d, err := parseTimeout(f.timeout)
		if err != nil {
			return fmt.Errorf("%w: --timeout: %v", config.ErrInvalidConfig, err)
		}
		cfg.Engine.Timeout = d
	}
	if f.changed("max-upload-bytes") {
		cfg.Server.MaxUploadBytes = f.maxUpload
	}
	if f.changed("markdown") {
		cfg.Engine.Markdown = f.markdown
	}
	if f.changed("no-sandbox") {
		cfg.Engine.NoSandbox = f.noSandbox
	}
	if f.changed("verify-output") {
		cfg.Engine.VerifyOutput = f.verify
	}
	if f.changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.changed("log-development") {
		cfg.Log.Development = f.development
	}
	return nil
}

func parseTimeout(s string) (yamlutil.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return yamlutil.Duration(d), nil
}
