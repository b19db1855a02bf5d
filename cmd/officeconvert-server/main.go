// Command officeconvert-server serves document conversions from a single
// rendering engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/alnah/go-officeconvert/internal/config"
	"github.com/alnah/go-officeconvert/internal/hints"
	"github.com/alnah/go-officeconvert/internal/logging"
	"github.com/alnah/go-officeconvert/internal/metrics"
	"github.com/alnah/go-officeconvert/internal/queue"
	"github.com/alnah/go-officeconvert/internal/server"
	"github.com/alnah/go-officeconvert/internal/yamlutil"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.LookupEnv, os.Environ, os.Exit))
}

// run starts the server and blocks until ctx is done or a signal arrives.
// exit is called directly when the engine fails fatally.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, lookup lookupFunc, environ func() []string, exit func(int)) int {
	flags, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return ExitSuccess
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitUsage
	}
	if flags.version {
		fmt.Fprintln(stdout, Version)
		return ExitSuccess
	}

	warnUnknownEnvVars(stderr, environ())

	cfg, err := resolveConfig(flags, lookup)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, config.ErrConfigNotFound) {
			msg += hints.ForConfigNotFound()
		}
		fmt.Fprintln(stderr, msg)
		return exitCodeFor(err)
	}
	if flags.printConfig {
		out, err := yamlutil.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return ExitGeneral
		}
		_, _ = stdout.Write(out)
		return ExitSuccess
	}

	logger, err := logging.New(cfg.Log.Verbosity(), cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitGeneral
	}
	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply.
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.V(logging.VERBOSE).Info(fmt.Sprintf(format, args...))
	}))

	eng, err := newEngine(cfg.Engine, logger)
	if err != nil {
		logger.Error(err, "starting engine", "kind", cfg.Engine.Kind)
		if h := hints.ForEngineStart(cfg.Engine); h != "" {
			fmt.Fprintln(stderr, strings.TrimSpace(h))
		}
		return exitCodeFor(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	q := queue.New(eng,
		queue.WithLogger(logger.WithName("queue")),
		queue.WithMetrics(metrics.NewQueueMetrics(reg)),
		queue.WithJobTimeout(cfg.Engine.Timeout.Std()),
		queue.WithFatalHandler(fatalHandler(logger, exit)),
	)

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		logger.Error(err, "listening", "address", cfg.Server.Address)
		fmt.Fprintln(stderr, strings.TrimSpace(hints.ForListen(cfg.Server.Address)))
		_ = q.Close(context.Background())
		return ExitListen
	}

	srv := server.New(q,
		server.WithLogger(logger.WithName("http")),
		server.WithGatherer(reg),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	)

	ctx, stop := notifyContext(ctx)
	defer stop()

	logger.Info("officeconvert-server starting", "version", Version, "engine", cfg.Engine.Kind)
	if err := srv.Serve(ctx, ln); err != nil {
		logger.Error(err, "server stopped")
		return ExitGeneral
	}
	return ExitSuccess
}

// fatalHandler exits the process after an unrecoverable engine error so a
// supervisor can start a fresh replica.
func fatalHandler(logger logr.Logger, exit func(int)) func(error) {
	return func(err error) {
		logging.Fatal(logger, exit, ExitEngineFatal, err, "conversion engine failed fatally, exiting")
	}
}
