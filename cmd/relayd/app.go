package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RELAYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "relayd")
	root := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	ran, err := root.ExecuteContextC(ctx)
	if err == nil {
		return 0
	}
	if !errors.Is(err, context.Canceled) {
		if ran == root {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("relayd.cli.failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
	}
	return 1
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(v *viper.Viper, key string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return int64(size), nil
}

// loadConfigFile reads --config, or config.yaml from the default config
// directory when it exists.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		dir, err := relayd.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		cfgPath = filepath.Join(dir, relayd.DefaultConfigFileName)
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if rest, ok := strings.CutPrefix(p, "~"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimLeft(rest, `/\`))
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd, _ := newRootCommandWithViper(baseLogger)
	return cmd
}

func newRootCommandWithViper(baseLogger pslog.Logger) (*cobra.Command, *viper.Viper) {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd is an HTTP/1.x reverse proxy multiplexing clients onto persistent backend connections",
		SilenceErrors: true,
		Example: `
  # Forward everything to two backends
  relayd --backend 10.0.0.10:8000 --backend 10.0.0.11:8000

  # Groups, locations and error pages from a config file
  relayd --config /etc/relayd/config.yaml

  # Drop malformed requests silently and block repeat offenders
  relayd --backend 127.0.0.1:8000 --on-attack drop --connguard-enabled
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), v, baseLogger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.relayd/"+relayd.DefaultConfigFileName+")")
	persistent.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", relayd.DefaultListen, "client listen address")
	flags.Bool("reuse-port", false, "open one SO_REUSEPORT listener per CPU (Linux)")
	flags.String("read-buffer", humanizeBytes(relayd.DefaultReadBuffer), "per-connection socket read size")
	flags.Int("max-header-bytes", 0, "maximum size of a message head (0 uses the parser default)")
	flags.Duration("idle-timeout", relayd.DefaultIdleTimeout, "close idle client connections after this long (0 disables)")
	flags.Duration("write-timeout", 0, "per-write deadline on client and backend sockets (0 disables)")
	flags.StringSlice("backend", nil, "backend server host:port for the default group (repeatable)")
	flags.Int("conns-per-server", relayd.DefaultConnsPerServer, "persistent connections kept to each backend server")
	flags.String("scheduler", relayd.DefaultScheduler, "connection scheduler (round-robin, hash)")
	flags.Duration("max-age", relayd.DefaultMaxAge, "evict requests waiting longer than this for a backend (0 disables)")
	flags.Int("max-retries", relayd.DefaultMaxRetries, "maximum re-forwards of a request after backend failures")
	flags.Bool("retry-nonidempotent", false, "allow re-forwarding non-idempotent requests")
	flags.Int("queue-size", 0, "forwarding-queue depth at which a backend connection stops taking requests (0 unlimited)")
	flags.String("on-error", relayd.DefaultOnError, "action for failed requests (reply, drop)")
	flags.Bool("on-error-log", true, "log failed requests")
	flags.String("on-attack", relayd.DefaultOnAttack, "action for malformed or blocked requests (reply, drop)")
	flags.Bool("on-attack-log", true, "log malformed or blocked requests")
	flags.String("buffer-threshold", humanizeBytes(relayd.DefaultBufferThreshold), "message size at which bodies are streamed instead of buffered (0 buffers whole messages)")
	flags.Int("max-pipeline", 0, "maximum requests awaiting responses per client connection (0 unlimited)")
	flags.StringSlice("deny-method", nil, "request methods rejected with 403 (repeatable)")
	flags.Bool("allow-upgrade", false, "forward requests carrying an Upgrade header")
	flags.Bool("sticky-cookie", false, "redirect clients without the session cookie to set it first")
	flags.String("sticky-cookie-name", "", "session cookie name")
	flags.Duration("sticky-max-age", 0, "session cookie lifetime (0 for a session cookie)")
	flags.Duration("health-interval", 0, "probe interval for backend servers (0 disables probing)")
	flags.Int("health-threshold", 0, "consecutive bad responses that suspend a server (0 uses the default)")
	flags.String("health-uri", "", "URI requested by health probes")
	flags.Bool("connguard-enabled", false, "block client addresses that keep sending malformed requests")
	flags.Int("connguard-failure-threshold", relayd.DefaultGuardThreshold, "reports within the window that block an address")
	flags.Duration("connguard-failure-window", 0, "window reports are counted over (0 uses the default)")
	flags.Duration("connguard-block-duration", 0, "how long a blocked address stays blocked (0 uses the default)")
	flags.Duration("connguard-probe-timeout", 0, "wait for the first byte of a new connection (0 skips the probe)")
	flags.Duration("dial-timeout", 0, "backend dial timeout (0 uses the default)")
	flags.Duration("reconnect-initial", 0, "initial backend reconnect delay (0 uses the default)")
	flags.Duration("reconnect-max", 0, "maximum backend reconnect delay (0 uses the default)")
	flags.Uint("give-up-after", 0, "failed dials after which queued requests move elsewhere (0 uses the default)")
	flags.Int("cache-workers", 0, "answer cache lookups on this many workers (0 answers inline)")
	flags.Int("cache-queue", 0, "pending cache lookups before new ones are refused")
	flags.Duration("sweep-interval", relayd.DefaultSweepInterval, "forwarding-queue maintenance interval")
	flags.Duration("shutdown-timeout", relayd.DefaultShutdownTimeout, "time allowed for clients to drain on shutdown")
	flags.String("metrics-listen", "", "metrics and /status listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the metrics endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	v.SetEnvPrefix("RELAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bind := func(set *pflag.FlagSet) {
		set.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil {
				panic(err)
			}
		})
	}
	bind(persistent)
	bind(flags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd, v
}

func runServer(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) error {
	logger := baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	cliLogger := svcfields.WithSubsystem(logger, "cli.root")
	cliLogger.Info("relayd.cli.starting", "pid", os.Getpid(), "uid", os.Getuid(), "gid", os.Getgid())

	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	if configFile != "" {
		cliLogger.Info("relayd.cli.config_loaded", "path", configFile)
	}
	var cfg relayd.Config
	if err := bindConfig(v, &cfg); err != nil {
		return err
	}
	server, err := relayd.NewServer(cfg, relayd.WithLogger(logger))
	if err != nil {
		return err
	}

	if configFile != "" {
		v.OnConfigChange(func(ev fsnotify.Event) {
			var next relayd.Config
			if err := bindConfig(v, &next); err != nil {
				cliLogger.Warn("relayd.cli.reload_failed", "path", ev.Name, "error", err)
				return
			}
			if err := server.Reload(next); err != nil {
				cliLogger.Warn("relayd.cli.reload_failed", "path", ev.Name, "error", err)
			}
		})
		v.WatchConfig()
	}

	shutdownWait := cfg.ShutdownTimeout
	if shutdownWait <= 0 {
		shutdownWait = relayd.DefaultShutdownTimeout
	}
	go func() {
		<-ctx.Done()
		// Draining may take the full shutdown timeout; telemetry gets as long.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*shutdownWait)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("relayd.cli.shutdown_failed", "error", err)
		}
	}()
	return server.Start()
}

// bindConfig copies flag, environment and config-file values into cfg.
// Structured sections (groups, locations, response bodies, static
// responses) only come from the config file.
func bindConfig(v *viper.Viper, cfg *relayd.Config) error {
	var err error
	cfg.Listen = v.GetString("listen")
	cfg.ReusePort = v.GetBool("reuse-port")
	if cfg.ReadBuffer, err = parseBytes(v, "read-buffer"); err != nil {
		return err
	}
	cfg.MaxHeaderBytes = v.GetInt("max-header-bytes")
	cfg.IdleTimeout = v.GetDuration("idle-timeout")
	cfg.WriteTimeout = v.GetDuration("write-timeout")
	cfg.Scheduler = v.GetString("scheduler")
	cfg.MaxAge = v.GetDuration("max-age")
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.RetryNonIdempotent = v.GetBool("retry-nonidempotent")
	cfg.QueueSize = v.GetInt("queue-size")
	cfg.OnError = v.GetString("on-error")
	cfg.OnErrorLog = v.GetBool("on-error-log")
	cfg.OnAttack = v.GetString("on-attack")
	cfg.OnAttackLog = v.GetBool("on-attack-log")
	if cfg.BufferThreshold, err = parseBytes(v, "buffer-threshold"); err != nil {
		return err
	}
	cfg.MaxPipeline = v.GetInt("max-pipeline")
	cfg.DenyMethods = v.GetStringSlice("deny-method")
	cfg.AllowUpgrade = v.GetBool("allow-upgrade")
	cfg.StickyCookie = v.GetBool("sticky-cookie")
	cfg.StickyCookieName = v.GetString("sticky-cookie-name")
	cfg.StickyMaxAge = v.GetDuration("sticky-max-age")
	cfg.HealthInterval = v.GetDuration("health-interval")
	cfg.HealthThreshold = v.GetInt("health-threshold")
	cfg.HealthURI = v.GetString("health-uri")
	cfg.GuardEnabled = v.GetBool("connguard-enabled")
	cfg.GuardThreshold = v.GetInt("connguard-failure-threshold")
	cfg.GuardWindow = v.GetDuration("connguard-failure-window")
	cfg.GuardBlock = v.GetDuration("connguard-block-duration")
	cfg.GuardProbeTimeout = v.GetDuration("connguard-probe-timeout")
	cfg.DialTimeout = v.GetDuration("dial-timeout")
	cfg.RetryInitial = v.GetDuration("reconnect-initial")
	cfg.RetryMax = v.GetDuration("reconnect-max")
	cfg.GiveUpAfter = v.GetUint("give-up-after")
	cfg.CacheWorkers = v.GetInt("cache-workers")
	cfg.CacheQueue = v.GetInt("cache-queue")
	cfg.SweepInterval = v.GetDuration("sweep-interval")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")

	if err := v.UnmarshalKey("groups", &cfg.Groups); err != nil {
		return fmt.Errorf("parse groups: %w", err)
	}
	if backends := v.GetStringSlice("backend"); len(backends) > 0 {
		cfg.Groups = append([]relayd.GroupConfig{{Name: relayd.DefaultGroup, Servers: backends}}, cfg.Groups...)
	}
	conns := v.GetInt("conns-per-server")
	for i := range cfg.Groups {
		if cfg.Groups[i].Conns == 0 {
			cfg.Groups[i].Conns = conns
		}
	}
	if err := v.UnmarshalKey("locations", &cfg.Locations); err != nil {
		return fmt.Errorf("parse locations: %w", err)
	}
	if err := v.UnmarshalKey("static", &cfg.Static); err != nil {
		return fmt.Errorf("parse static: %w", err)
	}
	if bodies := v.GetStringMapString("response-bodies"); len(bodies) > 0 {
		cfg.ResponseBodies = bodies
	}
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
