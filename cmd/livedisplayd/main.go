// Package main provides the entry point for the LiveDisplay panel calibration daemon.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shini4i/livedisplayd/internal/calibration"
	"github.com/shini4i/livedisplayd/internal/config"
	"github.com/shini4i/livedisplayd/internal/dbus"
	"github.com/shini4i/livedisplayd/internal/hid"
	"github.com/shini4i/livedisplayd/internal/livedisplay"
	"github.com/shini4i/livedisplayd/internal/panel"
	"github.com/shini4i/livedisplayd/internal/sink"
	"github.com/shini4i/livedisplayd/internal/storage"
	"github.com/shini4i/livedisplayd/internal/udev"
)

const (
	// reapplyRetries is how many times a failed hardware write is retried.
	reapplyRetries = 3

	// reapplyBackoff is the linear backoff step between retries.
	reapplyBackoff = 500 * time.Millisecond

	// saveTimeout bounds a single state save.
	saveTimeout = 2 * time.Second
)

var (
	verbose    bool
	configPath string
	recovery   bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livedisplayd",
		Short: "Display panel calibration daemon",
		Long: `livedisplayd keeps the color and brightness calibration of display
panels and pushes it to the panel hardware whenever the panel is
interactive.

It exposes the calibration attributes over D-Bus, follows panel power
events from udev, and optionally persists calibration across restarts.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			return run(d)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the panel definitions file")
	rootCmd.PersistentFlags().BoolVar(&recovery, "recovery", false, "Start panels at their recovery brightness")

	rootCmd.AddCommand(newValidateCmd(), newForgetCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the panel definitions file without touching hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			defs, err := loadDefinitions(d.ConfigPath, recovery)
			if err != nil {
				return err
			}
			return printDefinitions(cmd.OutOrStdout(), defs)
		},
	}
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget PANEL...",
		Short: "Drop saved calibration so panels start from their defaults",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDaemon(cmd)
			if err != nil {
				return err
			}
			if d.StateDB == "" {
				return fmt.Errorf("no state database configured (set LIVEDISPLAY_STATE_DB)")
			}
			store, err := storage.Open(d.StateDB)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			for _, name := range args {
				if err := store.Delete(cmd.Context(), name); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\tforgotten\n", name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// loadDaemon reads settings from the environment and applies flag overrides.
func loadDaemon(cmd *cobra.Command) (config.Daemon, error) {
	d, err := config.LoadDaemon()
	if err != nil {
		return config.Daemon{}, err
	}
	if cmd.Flags().Changed("config") {
		d.ConfigPath = configPath
	}
	return d, nil
}

func loadDefinitions(path string, recovery bool) ([]*panel.Definition, error) {
	file, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return file.Build(recovery)
}

func printDefinitions(w io.Writer, defs []*panel.Definition) error {
	for _, def := range defs {
		if _, err := fmt.Fprintf(w, "%s\tfeatures=%s\trows=%d\tpresets=%d\n",
			def.Name, def.Features(), len(def.Rows), len(def.Presets)); err != nil {
			return err
		}
	}
	return nil
}

// setupLogging configures the global logger. When logFile is set, output is
// also written to a rotating file; the returned closer releases it and is
// nil otherwise.
func setupLogging(verbose bool, logFile string) io.Closer {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var console io.Writer = os.Stderr
	if verbose {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if logFile == "" {
		log.Logger = log.Output(console)
		return nil
	}

	rotating := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, rotating))
	return rotating
}

// newSinkOpener returns the opener for the configured sink kind.
func newSinkOpener(d config.Daemon, pool *hid.Pool) livedisplay.SinkOpener {
	return func(def *panel.Definition) (panel.Sink, error) {
		switch d.Sink {
		case config.SinkHID:
			h, err := pool.Open(d.HIDSerial)
			if err != nil {
				return nil, err
			}
			return h, nil
		case config.SinkI2C:
			s, err := sink.OpenI2C(d.I2CBus, d.I2CAddr)
			if err != nil {
				return nil, err
			}
			return s, nil
		default:
			return sink.DryRun{Panel: def.Name}, nil
		}
	}
}

// newRestorer loads saved calibration from store.
func newRestorer(store *storage.Store) livedisplay.Restorer {
	return func(name string) (calibration.State, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		return store.Load(ctx, name)
	}
}

// newSaveListener persists every state change.
func newSaveListener(store *storage.Store) livedisplay.Listener {
	return livedisplay.ListenerFuncs{
		State: func(name string, st calibration.State, _ calibration.Feature) {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			defer cancel()
			if err := store.Save(ctx, name, st); err != nil {
				log.Error().Err(err).Str("panel", name).Msg("Failed to save calibration")
			}
		},
	}
}

// probePanels creates a context for every definition. Panels that fail to
// probe are logged and skipped.
func probePanels(manager *livedisplay.Manager, defs []*panel.Definition, server *dbus.Server) int {
	probed := 0
	for _, def := range defs {
		if _, err := manager.Probe(def); err != nil {
			log.Error().Err(err).Str("panel", def.Name).Msg("Failed to probe panel")
			continue
		}
		probed++
		if server != nil {
			server.EmitPanelAdded(def.Name)
		}
	}
	return probed
}

// reapplyWithRetry pushes the full calibration of a panel, retrying with
// linear backoff. It returns the last error if every attempt failed.
func reapplyWithRetry(ctx *livedisplay.Context, maxRetries int, backoff time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * backoff
			log.Debug().
				Str("panel", ctx.Name()).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying panel reapply")
			time.Sleep(delay)
		}

		if err := ctx.RequestUpdate(calibration.FeatureAll); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("panel", ctx.Name()).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries+1).
				Msg("Panel reapply failed")
			continue
		}

		if attempt > 0 {
			log.Info().Str("panel", ctx.Name()).Int("attempts", attempt+1).Msg("Panel reapply succeeded after retry")
		}
		return nil
	}
	return lastErr
}

// createDeviceErrorHandler retries the full calibration of a panel whose
// hardware write failed.
func createDeviceErrorHandler(manager *livedisplay.Manager) dbus.DeviceErrorHandler {
	return func(name string, _ error) {
		ctx, err := manager.Get(name)
		if err != nil {
			return
		}
		if err := reapplyWithRetry(ctx, reapplyRetries, reapplyBackoff); err != nil {
			log.Error().Err(err).Str("panel", name).Msg("Failed to recover panel (all retries exhausted)")
		}
	}
}

// createPowerHandler feeds udev power events to the matching panel.
func createPowerHandler(manager *livedisplay.Manager) udev.EventHandler {
	return func(name string, ev livedisplay.Event) {
		ctx, err := manager.Get(name)
		if err != nil {
			log.Debug().Str("panel", name).Stringer("event", ev).Msg("Event for unknown panel")
			return
		}
		if err := ctx.HandleEvent(ev); err != nil {
			log.Error().Err(err).Str("panel", name).Stringer("event", ev).Msg("Failed to handle panel event")
		}
	}
}

// createRemoveHandler tears down a panel whose device disappeared.
func createRemoveHandler(manager *livedisplay.Manager, server *dbus.Server) udev.RemoveHandler {
	return func(name string) {
		if err := manager.Remove(name); err != nil {
			log.Debug().Err(err).Str("panel", name).Msg("Removal of unknown panel")
			return
		}
		server.EmitPanelRemoved(name)
	}
}

// createRecoveryHandler returns a handler for netlink buffer overflow recovery.
// Power events may have been missed, so every interactive panel is reapplied.
func createRecoveryHandler(manager *livedisplay.Manager) udev.RecoveryHandler {
	return func() {
		log.Info().Msg("Reapplying panels after netlink buffer overflow")
		if err := manager.ReapplyAll(); err != nil {
			log.Error().Err(err).Msg("Recovery reapply failed")
			return
		}
		log.Info().Int("panels", manager.Count()).Msg("Recovery reapply completed")
	}
}

func run(d config.Daemon) error {
	if logCloser := setupLogging(verbose, d.LogFile); logCloser != nil {
		defer func() {
			_ = logCloser.Close()
		}()
	}

	log.Info().Str("sink", d.Sink).Str("config", d.ConfigPath).Msg("Starting livedisplayd")

	defs, err := loadDefinitions(d.ConfigPath, recovery)
	if err != nil {
		return fmt.Errorf("failed to load panel definitions: %w", err)
	}

	pool := hid.NewPool()
	opts := []livedisplay.ManagerOption{livedisplay.WithSinkOpener(newSinkOpener(d, pool))}

	var store *storage.Store
	if d.StateDB != "" {
		store, err = storage.Open(d.StateDB)
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		opts = append(opts,
			livedisplay.WithRestorer(newRestorer(store)),
			livedisplay.WithListener(newSaveListener(store)),
		)
	}

	manager := livedisplay.NewManager(opts...)

	serverOpts := []dbus.ServerOption{dbus.WithRateLimit(d.RateLimit, d.RateBurst)}
	if d.Bus == config.BusSystem {
		serverOpts = append(serverOpts, dbus.WithSystemBus())
	}
	server := dbus.NewServer(manager, serverOpts...)
	server.SetDeviceErrorHandler(createDeviceErrorHandler(manager))
	manager.Subscribe(server)

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start D-Bus server")
	}

	if n := probePanels(manager, defs, server); n == 0 {
		log.Warn().Msg("No panels probed")
	} else {
		log.Info().Int("count", n).Msg("Probed panels")
	}
	for _, info := range pool.List() {
		log.Info().Str("serial", info.Serial).Str("product", info.Product).Msg("Using panel bridge")
	}

	var monitor *udev.Monitor
	if d.Udev {
		monitor = udev.NewMonitor(createPowerHandler(manager))
		monitor.SetRemoveHandler(createRemoveHandler(manager, server))
		monitor.SetRecoveryHandler(createRecoveryHandler(manager))
		if err := monitor.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start udev monitor (use NotifyPower for panel events)")
		}
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("Daemon running, press Ctrl+C to stop")
	<-sigChan

	log.Info().Msg("Shutting down...")
	if monitor != nil {
		if err := monitor.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop udev monitor")
		}
	}
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop D-Bus server")
	}
	if err := manager.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close panel manager")
	}
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close bridge pool")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close state database")
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}
