package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/internal/telemetry"
	"github.com/mrkvm/sould/pkg/api"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/messages"
	"github.com/mrkvm/sould/pkg/metrics"
	"github.com/mrkvm/sould/pkg/relay"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/soul"
	"github.com/mrkvm/sould/pkg/state"
	"github.com/mrkvm/sould/pkg/store"
	"github.com/mrkvm/sould/pkg/transfers"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sould daemon",
	Long: `Start the sould daemon with the specified configuration.

The federation role comes from relay.mode in the configuration: "none"
runs a standalone daemon, "controller" additionally accepts agent
connections and serves their shares. Use "sould agent" to run in agent
mode regardless of the configured role.

Examples:
  # Start with the default config location
  sould start

  # Start with a custom config file
  sould start --config /etc/sould/config.yaml

  # Override any option through the environment
  SOULD_LOGGING_LEVEL=DEBUG sould start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon("")
	},
}

// runDaemon wires and runs the full daemon. A non-empty modeOverride
// replaces the configured relay mode.
func runDaemon(modeOverride config.RelayMode) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if modeOverride != "" {
		cfg.Relay.Mode = modeOverride
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sould starting", "version", Version, "mode", string(cfg.Relay.Mode))
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "sould",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	// Metrics come up before the components they observe.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}
	collectors := metrics.NewDaemon()

	db, err := store.Open(&cfg.Database,
		&transfers.Transfer{},
		&messages.Conversation{},
		&messages.PrivateMessage{},
		&messages.RoomMessage{},
	)
	if err != nil {
		return fmt.Errorf("failed to open control database: %w", err)
	}

	index, err := shares.Open(cfg.Shares.IndexDir)
	if err != nil {
		return fmt.Errorf("failed to open share index: %w", err)
	}
	defer index.Close()

	options := config.NewStore(cfg)
	states := state.NewStore(state.State{
		Version: Version,
		Server:  state.Server{Status: state.ServerDisconnected, Address: cfg.Soulseek.Address},
		Relay: state.Relay{
			Mode:       string(cfg.Relay.Mode),
			Controller: cfg.Relay.ControllerURL,
		},
		Shares: state.Shares{ScanPending: !index.Filled()},
	})

	// Logging options apply live. The pending-reconnect and
	// pending-restart flags are the supervisor's to raise; it gates the
	// reconnect flag on an active session.
	options.OnChange(func(prev, next *config.Config, changes []config.Change) {
		if next.Logging.Level != prev.Logging.Level {
			logger.SetLevel(next.Logging.Level)
		}
		if next.Logging.Format != prev.Logging.Format {
			logger.SetFormat(next.Logging.Format)
		}
	})

	var hub *relay.Controller
	var agent *relay.Agent
	switch cfg.Relay.Mode {
	case config.RelayModeController:
		hub = relay.NewController(cfg.Relay, index)
	case config.RelayModeAgent:
		agent, err = relay.NewAgent(cfg.Relay, index)
		if err != nil {
			return fmt.Errorf("failed to create relay agent: %w", err)
		}
	}
	source := relay.NewSource(index, hub)

	governor := transfers.NopGovernor()
	if cfg.Transfers.RateLimit > 0 {
		governor = transfers.RateLimitGovernor(uint64(cfg.Transfers.RateLimit))
	}

	client := soul.NewOfflineClient()
	orch := transfers.New(transfers.Config{
		UploadSlots:        cfg.Transfers.UploadSlots,
		UploadSlotsPerUser: cfg.Transfers.UploadSlotsPerUser,
		DownloadSlots:      cfg.Transfers.DownloadSlots,
		IncompleteDir:      cfg.Transfers.IncompleteDir,
		DownloadsDir:       cfg.Transfers.DownloadsDir,
		Governor:           governor,
	}, transfers.NewStore(db), client, source)
	defer orch.Close()

	msgs := messages.NewStore(db)
	supervisor := soul.New(client, options, states, orch, index, msgs)
	supervisor.SetMetrics(collectors)
	if hub != nil {
		hub.SetMetrics(collectors)
		hub.SetStates(states)
	}

	metrics.Observe(collectors, orch, states)

	scanner := shares.NewScanner(index)
	rescan := newRescanTrigger(ctx, scanner, options, states, supervisor, agent)
	if cfg.Shares.RescanOnChange && len(cfg.Shares.Roots) > 0 {
		if _, err := shares.NewWatcher(ctx, cfg.Shares.Roots, rescan); err != nil {
			logger.Warn("share watcher unavailable", logger.Err(err))
		}
	}
	if cfg.Shares.ScanOnStartup && len(cfg.Shares.Roots) > 0 {
		rescan()
	}

	if err := supervisor.Start(ctx); err != nil {
		logger.Error("initial connection failed", logger.Err(err))
	}
	defer supervisor.Stop()

	g, gctx := errgroup.WithContext(ctx)

	// Keeps the daemon alive until a shutdown signal even when every
	// optional server is disabled.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if agent != nil {
		g.Go(func() error {
			err := agent.Run(gctx)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("relay agent failed: %w", err)
			}
			return nil
		})
	}

	if cfg.API.Enabled {
		apiServer, err := api.NewServer(cfg.API, api.Deps{
			DB:           db,
			Index:        index,
			Orchestrator: orch,
			States:       states,
			Options:      options,
			Messages:     msgs,
			Relay:        hub,
			Rescan:       rescan,
		})
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
		g.Go(func() error { return apiServer.Start(gctx) })
	}

	if srv := metrics.NewServer(cfg.Metrics.Port); srv != nil {
		g.Go(func() error { return srv.Start(gctx) })
	}

	if err := options.Watch(GetConfigFile()); err != nil {
		logger.Warn("config watch unavailable", logger.Err(err))
	}

	logger.Info("sould is running")
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("sould stopped")
	return nil
}

// newRescanTrigger returns the share rescan entry point used by the
// watcher, the API and startup. Scans run in the background; the
// scanner itself serializes concurrent fills.
func newRescanTrigger(ctx context.Context, scanner *shares.Scanner, options *config.Store,
	states *state.Store, supervisor *soul.Supervisor, agent *relay.Agent) func() {
	return func() {
		go func() {
			cfg := options.Get().Shares

			states.Update(func(st state.State) state.State {
				st.Shares.Filling = true
				st.Shares.Progress = 0
				return st
			})

			counts, err := scanner.Fill(ctx, shares.ScanOptions{
				Roots:       cfg.Roots,
				Filters:     cfg.Filters,
				OnDuplicate: shares.DuplicatePolicy(cfg.OnDuplicate),
				Progress: func(fraction float64) {
					states.Update(func(st state.State) state.State {
						st.Shares.Progress = fraction
						return st
					})
				},
			})
			if err != nil {
				logger.Error("share scan failed", logger.Err(err))
				states.Update(func(st state.State) state.State {
					st.Shares.Filling = false
					st.Shares.Faulted = true
					return st
				})
				return
			}

			states.Update(func(st state.State) state.State {
				st.Shares.Filling = false
				st.Shares.ScanPending = false
				st.Shares.Faulted = false
				st.Shares.Progress = 1
				st.Shares.Directories = counts.Directories
				st.Shares.Files = counts.Files
				st.Shares.Excluded = counts.Excluded
				st.Shares.LastFilled = time.Now().UTC()
				return st
			})
			supervisor.PublishSharedCounts()

			if agent != nil {
				if err := agent.UploadShares(ctx); err != nil {
					logger.Warn("share upload to controller failed", logger.Err(err))
				}
			}
		}()
	}
}
