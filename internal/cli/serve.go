package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/api"
	"github.com/roach88/kioskfsm/internal/config"
	"github.com/roach88/kioskfsm/internal/device"
	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/events"
	"github.com/roach88/kioskfsm/internal/ledger"
	"github.com/roach88/kioskfsm/internal/metrics"
	"github.com/roach88/kioskfsm/internal/store"
	"github.com/roach88/kioskfsm/internal/telemetry"
)

// Version is reported to the trace exporter. Set with -ldflags.
var Version = "dev"

// ServeOptions holds flags for the serve command. Flags left unset keep
// the config file's value.
type ServeOptions struct {
	*RootOptions
	Database string
	Addr     string
	Ledger   string
	Devices  string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fulfillment engine and its HTTP API",
		Long: `Run the fulfillment engine with its HTTP API.

Configuration comes from --config (YAML or CUE), then KIOSKFSM_*
environment variables, then flags. On start every non-terminal runtime
has its deadline re-armed from its persisted entry time.

Examples:
  kioskfsm serve
  kioskfsm serve --config kiosk.yaml --addr :9090
  kioskfsm serve --db ./kiosk.db --devices scripted -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.Ledger, "ledger", "", "ledger backend (sqlite|memory|postgres)")
	cmd.Flags().StringVar(&opts.Devices, "devices", "", "device mode (none|http|scripted)")

	return cmd
}

// newLogger returns the process logger. Verbose enables debug records.
func newLogger(verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file, if any, and applies environment
// overrides.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (o *ServeOptions) apply(cfg *config.Config) {
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Addr != "" {
		cfg.HTTP.Addr = o.Addr
	}
	if o.Ledger != "" {
		cfg.Ledger.Backend = o.Ledger
	}
	if o.Devices != "" {
		cfg.Devices.Mode = o.Devices
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	opts.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.Version = Version
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown", "error", err)
		}
	}()

	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	led, closeLedger, err := openLedger(ctx, cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	defer closeLedger()

	reg := metrics.New()
	bus := events.NewBus(cfg.Events.Buffer)
	publishers := events.Multi{bus}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Error("kafka writer close", "error", err)
			}
		}()
		publishers = append(publishers, kp)
		logger.Info("publishing transitions to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	engineOpts := []engine.Option{
		engine.WithLedger(led),
		engine.WithTimeouts(cfg.EngineTimeouts()),
		engine.WithRetryPolicy(cfg.RetryPolicy()),
		engine.WithRetryDelay(cfg.DeviceRetryDelay()),
		engine.WithPublisher(publishers),
		engine.WithMetrics(reg),
		engine.WithLogger(logger),
	}
	if driver := deviceDriver(cfg); driver != nil {
		gw := device.NewGateway(driver, device.WithObserver(reg), device.WithLogger(logger))
		engineOpts = append(engineOpts, engine.WithGateway(gw))
	}
	logger.Info("device mode", "mode", cfg.Devices.Mode)

	eng, err := engine.New(ctx, st, engineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	defer eng.Close()

	if _, err := eng.Recover(ctx); err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	srv := api.New(eng, api.WithBus(bus), api.WithMetrics(reg), api.WithLogger(logger))
	fmt.Fprintf(cmd.OutOrStdout(), "kioskfsm listening on %s\n", cfg.HTTP.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// openLedger returns the configured ledger and its cleanup. The SQLite
// ledger shares the engine's database.
func openLedger(ctx context.Context, cfg config.Config, st *store.Store) (ledger.Ledger, func(), error) {
	switch cfg.Ledger.Backend {
	case config.LedgerMemory:
		return ledger.NewMemory(), func() {}, nil
	case config.LedgerPostgres:
		pg, err := ledger.OpenPostgres(ctx, cfg.Ledger.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	return st, func() {}, nil
}

// deviceDriver returns the configured driver, or nil when devices are
// off and collaborators post device results as events.
func deviceDriver(cfg config.Config) device.Driver {
	switch cfg.Devices.Mode {
	case config.DevicesHTTP:
		return device.NewHTTPDriver(cfg.Devices.Endpoints, cfg.Devices.RequestTimeout.D())
	case config.DevicesScripted:
		return device.NewScripted()
	}
	return nil
}
