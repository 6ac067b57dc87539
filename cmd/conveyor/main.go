package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/pkg/api"
	"github.com/conveyorhq/conveyor/pkg/broker"
	"github.com/conveyorhq/conveyor/pkg/config"
	"github.com/conveyorhq/conveyor/pkg/listener"
	"github.com/conveyorhq/conveyor/pkg/log"
	"github.com/conveyorhq/conveyor/pkg/metrics"
	"github.com/conveyorhq/conveyor/pkg/pipeline"
	"github.com/conveyorhq/conveyor/pkg/state"
	"github.com/conveyorhq/conveyor/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Conveyor - Media ingestion workflow orchestrator",
	Long: `Conveyor orchestrates media ingestion pipelines: files submitted over
HTTP or announced on the command channel are validated, enriched and routed
through content-type specific processing branches, with every state
transition persisted for inspection.

One binary runs every role: the orchestrator, the message broker, and the
worker services.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conveyor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
	workerCmd.Flags().StringVar(&workerHealthAddr, "health-addr", ":8081", "worker health/metrics listen address (empty disables)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads the config file when one was given, otherwise defaults
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}

// connectBroker dials the configured broker, or creates the embedded
// in-process broker when no URL is set
func connectBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	if cfg.BrokerURL == "" {
		return broker.NewMemory(), nil
	}
	return broker.Dial(ctx, cfg.BrokerURL)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator (listener + pipeline executor + job API)",
	Long: `Run the orchestrator process. With broker_url unset it uses the embedded
in-process broker and also runs every built-in worker service, giving a
complete single-process deployment. With broker_url set it connects to a
standalone broker and expects worker processes to be running separately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, err := connectBroker(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %v", err)
		}
		defer b.Close()

		// Single-process mode runs the workers in-process; nothing else
		// would answer pipeline requests on an embedded broker.
		if cfg.BrokerURL == "" {
			for _, name := range config.WorkerNames() {
				svc, err := worker.NewFromConfig(b, name, cfg)
				if err != nil {
					return fmt.Errorf("failed to create worker %s: %v", name, err)
				}
				go func() {
					if err := svc.Run(ctx); err != nil {
						log.Logger.Error().Err(err).Str("worker", svc.Name).Msg("worker stopped")
					}
				}()
			}
			fmt.Println("✓ Built-in workers started (embedded broker)")
		}

		store := state.NewStore(b)

		graph, err := pipeline.New(b, cfg)
		if err != nil {
			return fmt.Errorf("failed to build pipeline: %v", err)
		}
		executor := pipeline.NewExecutor(graph, store)

		lst := listener.New(b, store, executor, cfg.Listener)
		if err := lst.Start(ctx); err != nil {
			return fmt.Errorf("failed to start listener: %v", err)
		}
		fmt.Println("✓ Listener started")

		apiServer := api.NewServer(cfg.APIAddr, lst, store)
		apiServer.Start()
		fmt.Printf("✓ API listening on %s\n", cfg.APIAddr)

		fmt.Println()
		fmt.Println("Orchestrator is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Logger.Error().Err(err).Msg("api shutdown failed")
		}
		lst.Stop()
		cancel()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the standalone message broker",
	Long: `Run the websocket message broker with its persistent key/value store.
Orchestrator and worker processes connect to it via broker_url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		srv, err := broker.NewServer(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to create broker: %v", err)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(cfg.BrokerAddr); err != nil {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Broker listening on %s (data dir %s)\n", cfg.BrokerAddr, cfg.DataDir)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			return fmt.Errorf("broker error: %v", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop broker: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var workerHealthAddr string

var workerCmd = &cobra.Command{
	Use:   "worker [name]",
	Short: "Run a worker service (validation, metadata, text_extraction, ai, media_processing)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.BrokerURL == "" {
			return fmt.Errorf("broker_url is required to run a standalone worker")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		b, err := broker.Dial(ctx, cfg.BrokerURL)
		if err != nil {
			return fmt.Errorf("failed to connect to broker: %v", err)
		}
		defer b.Close()

		svc, err := worker.NewFromConfig(b, args[0], cfg)
		if err != nil {
			return err
		}

		if workerHealthAddr != "" {
			r := chi.NewRouter()
			r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"status":"ok"}`)
			})
			r.Method(http.MethodGet, "/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(workerHealthAddr, r); err != nil {
					log.Logger.Error().Err(err).Msg("worker health server failed")
				}
			}()
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		fmt.Printf("✓ Worker %s running. Press Ctrl+C to stop.\n", svc.Name)
		return svc.Run(ctx)
	},
}
