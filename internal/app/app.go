// Package app wires configuration, logging and the service components into
// the jsbox process.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stumble/jsbox/internal/config"
	"github.com/stumble/jsbox/internal/info"
	"github.com/stumble/jsbox/pkg/executor"
	"github.com/stumble/jsbox/pkg/metrics"
	"github.com/stumble/jsbox/pkg/sandbox"
	"github.com/stumble/jsbox/pkg/server"
)

const usage = `usage: jsbox [flags] [port] [host]

Evaluates the body of every POST request as a script and answers with the
JSON of its value, or with the error message.

flags:
`

// Main runs jsbox with args (without the program name) and returns the exit
// status.
func Main(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	def := config.Default()
	fs := flag.NewFlagSet("jsbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}

	var (
		configPath    = fs.String("config", "", "path to a YAML config file")
		stdio         = fs.Bool("stdio", false, "serve gob requests on stdin/stdout instead of HTTP")
		showVersion   = fs.Bool("version", false, "print the version and exit")
		engine        = fs.String("engine", string(def.Sandbox.Engine), "script engine: v8, goja or process")
		timeout       = fs.Duration("timeout", def.Sandbox.Timeout, "time budget of one evaluation")
		reset         = fs.Bool("reset", def.Sandbox.ResetEachRequest, "rebuild the emulated globals before every evaluation")
		maxHeap       = fs.Uint("max-heap", def.Sandbox.MaxHeapSizeMB, "v8 max heap size in MB")
		maxCallStack  = fs.Int("max-call-stack", def.Sandbox.MaxCallStackSize, "goja max call stack size")
		fileName      = fs.String("file", def.Sandbox.FileName, "origin name reported in script errors")
		processBinary = fs.String("process-binary", "", "jsbox binary used by the process engine (default: this one)")
		processEngine = fs.String("process-engine", string(def.Sandbox.Process.Engine), "engine inside the process engine's child")
		maxBody       = fs.Int64("max-body", def.MaxBodyBytes, "max request body in bytes, 0 for no limit")
		queueSize     = fs.Int("queue", def.QueueSize, "max scripts waiting for evaluation")
		metricsAddr   = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
		logLevel      = fs.String("log-level", def.LogLevel, "log level")
		logFormat     = fs.String("log-format", def.LogFormat, "log format: json or console")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, info.GetVersion())
		return 0
	}

	cfg := def
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "jsbox: %s\n", err)
			return 2
		}
	}
	// explicit flags win over the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine":
			cfg.Sandbox.Engine = sandbox.EngineKind(*engine)
		case "timeout":
			cfg.Sandbox.Timeout = *timeout
		case "reset":
			cfg.Sandbox.ResetEachRequest = *reset
		case "max-heap":
			cfg.Sandbox.MaxHeapSizeMB = *maxHeap
		case "max-call-stack":
			cfg.Sandbox.MaxCallStackSize = *maxCallStack
		case "file":
			cfg.Sandbox.FileName = *fileName
		case "process-binary":
			cfg.Sandbox.Process.Binary = *processBinary
		case "process-engine":
			cfg.Sandbox.Process.Engine = sandbox.EngineKind(*processEngine)
		case "max-body":
			cfg.MaxBodyBytes = *maxBody
		case "queue":
			cfg.QueueSize = *queueSize
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		}
	})
	if err := cfg.ApplyArgs(fs.Args()); err != nil {
		fmt.Fprintf(stderr, "jsbox: %s\n", err)
		fs.Usage()
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "jsbox: invalid config: %s\n", err)
		return 2
	}

	// stdout carries the gob stream in stdio mode
	logOut := stdout
	if *stdio {
		logOut = stderr
	}
	logger, err := newLogger(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "jsbox: %s\n", err)
		return 2
	}
	log.Logger = logger

	if *stdio {
		return runStdio(cfg, stdin, stdout)
	}
	return runServer(cfg, logger)
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func runStdio(cfg config.Config, stdin io.Reader, stdout io.Writer) int {
	if cfg.Sandbox.Engine == sandbox.EngineProcess {
		log.Error().Msg("the process engine cannot serve stdio")
		return 2
	}
	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		log.Error().Err(err).Msg("failed to create sandbox")
		return 1
	}
	defer sb.Close()

	if err := sandbox.NewStreamServer(sb, stdin, stdout).Process(); err != nil {
		log.Error().Err(err).Msg("failed to process requests")
		return 1
	}
	return 0
}

func runServer(cfg config.Config, logger zerolog.Logger) int {
	log.Info().
		Str("version", info.GetVersion()).
		Str("engine", string(cfg.Sandbox.Engine)).
		Dur("timeout", cfg.Sandbox.Timeout).
		Bool("reset_each_request", cfg.Sandbox.ResetEachRequest).
		Msg("starting jsbox")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		log.Error().Err(err).Msg("failed to create sandbox")
		return 1
	}
	defer sb.Close()

	m := metrics.New()
	exec := executor.New(sb,
		executor.WithQueueSize(cfg.QueueSize),
		executor.WithObserver(m),
	)
	exec.Start()
	defer exec.Stop()

	var metricsLn net.Listener
	if cfg.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("failed to bind metrics listener")
			return 1
		}
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr()).Msg("failed to bind listener")
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return 1
	}
	server.LogReady(ln)

	handler := server.WithAccessLog(logger, server.NewHandler(exec,
		server.WithMaxBodyBytes(cfg.MaxBodyBytes),
	))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln, handler, cfg.ShutdownTimeout)
	})
	if metricsLn != nil {
		g.Go(func() error {
			log.Info().Str("addr", metricsLn.Addr().String()).Msg("serving metrics")
			return server.Serve(gctx, metricsLn, m.Handler(), cfg.ShutdownTimeout)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
		return 1
	}
	log.Info().Msg("jsbox stopped")
	return 0
}
