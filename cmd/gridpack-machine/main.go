package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cms-pdmv/gridpack-machine/pkg/api"
	"github.com/cms-pdmv/gridpack-machine/pkg/config"
	"github.com/cms-pdmv/gridpack-machine/pkg/controller"
	"github.com/cms-pdmv/gridpack-machine/pkg/events"
	"github.com/cms-pdmv/gridpack-machine/pkg/log"
	"github.com/cms-pdmv/gridpack-machine/pkg/notify"
	"github.com/cms-pdmv/gridpack-machine/pkg/scheduler"
	"github.com/cms-pdmv/gridpack-machine/pkg/storage"
	"github.com/cms-pdmv/gridpack-machine/pkg/template"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gridpack-machine",
	Short: "Gridpack Machine - Monte-Carlo gridpack production control plane",
	Long: `Gridpack Machine orchestrates the creation of Monte-Carlo
gridpacks on HTCondor: it validates requests against the GridpackFiles
catalog, prepares and submits batch jobs over SSH, archives produced
artifacts, reuses existing ones when possible and creates the
downstream McM requests.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gridpack Machine version %s (commit %s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gridpack service",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		debug, _ := cmd.Flags().GetBool("debug")
		dev, _ := cmd.Flags().GetBool("dev")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Host = host
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}
		if debug {
			cfg.Debug = true
		}
		if dev {
			cfg.Production = false
		}

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to an optional YAML configuration overlay")
	serveCmd.Flags().String("host", "", "Host IP to bind")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")
	serveCmd.Flags().Bool("dev", false, "Force development mode regardless of the environment")
}

func serve(cfg *config.Config) error {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true, Output: os.Stdout})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.DataDirectory)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sender := notify.NewSender(cfg.ServiceAccountUsername, cfg.ServiceAccountPassword,
		cfg.EmailAuth, cfg.Production)
	go sender.Run(broker.Subscribe())

	templates := template.NewRepository(cfg.GridpackFilesPath, cfg.GenRepository,
		cfg.GridpackFilesRepository, time.Duration(cfg.RepositoryTickPause)*time.Second)
	if err := templates.Refresh(true); err != nil {
		logger.Error().Err(err).Msg("Initial repository refresh failed")
	}

	ctrl := controller.NewController(cfg, store, templates, broker)

	jobs := scheduler.NewScheduler()
	jobs.AddJob("controller-tick", time.Duration(cfg.TickInterval)*time.Second, ctrl.Tick)
	jobs.AddJob("repository-refresh", time.Duration(cfg.RepositoryUpdateInterval)*time.Second,
		func() {
			if err := templates.Refresh(false); err != nil {
				logger.Error().Err(err).Msg("Repository refresh failed")
			}
		})
	jobs.Start()
	defer jobs.Stop()

	server := api.NewServer(cfg, ctrl, templates)
	server.NotifyTick = jobs.Notify

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-signals:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		return nil
	}
}
