// ============================================================================
// MachaonWeb Coordinator CLI
// ============================================================================
//
// Package: internal/cli
// Purpose: Cobra root command + YAML config, mirroring the teacher's
// internal/cli package shape: a Config struct with nested anonymous structs
// per concern, a --config/-c flag, a run subcommand that wires the
// Persistent State Gateway, Worker Transport, Scheduler and metrics server
// together and blocks on SIGINT/SIGTERM. Request Admission is not wired
// into the run subcommand.
//
// Grounded on internal/cli/cli.go (teacher): BuildCLI/buildRunCommand/
// loadConfig shape, graceful-shutdown signal handling. Config sections are
// generalized from the teacher's worker/wal/snapshot/metrics to the
// database/mtls/monitor/scheduler/metrics sections spec §6 names.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/archive"
	"github.com/anastasiadoulab/machaonweb-coordinator/internal/metrics"
	"github.com/anastasiadoulab/machaonweb-coordinator/internal/scheduler"
	"github.com/anastasiadoulab/machaonweb-coordinator/internal/store"
	"github.com/anastasiadoulab/machaonweb-coordinator/internal/transport"
)

// Config is the complete system configuration, loaded from YAML with
// environment variable overrides applied on top (spec §6).
type Config struct {
	Database struct {
		Driver string `yaml:"driver"` // "mysql" or "sqlite3"
		URL    string `yaml:"url"`    // DATABASE_URL
	} `yaml:"database"`

	MTLS struct {
		CertsPath  string `yaml:"certs_path"` // MTLS_CERTS_PATH
		WorkerPort int    `yaml:"worker_port"`
	} `yaml:"mtls"`

	Monitor struct {
		Path   string `yaml:"path"`   // MONITOR_PATH
		Output string `yaml:"output"` // OUTPUT_PATH
	} `yaml:"monitor"`

	Scheduler struct {
		RequestMonitoringIntervalSeconds int `yaml:"request_monitoring_interval"`
		JobMonitoringIntervalSeconds     int `yaml:"job_monitoring_interval"`
		NodeSyncIntervalSeconds          int `yaml:"node_sync_interval"`
	} `yaml:"scheduler"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	CaptchaSecret string `yaml:"captcha_secret"` // CAPTCHA_SECRET
}

var configFile string

// BuildCLI assembles the root Cobra command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "machaonweb-coordinator",
		Short: "MachaonWeb coordinator: dispatches structural-biology comparison jobs to worker nodes",
		Long: `The MachaonWeb coordinator is the root of a distributed computational
network: it admits comparison requests, dispatches them to a worker fleet
over mutual-TLS gRPC, tracks jobs to completion, and keeps worker caches
in sync.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildMigrateCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the coordinator's scheduler loops and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoordinator()
		},
	}
}

func buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			_, err = store.Connect(store.Driver(cfg.Database.Driver), cfg.Database.URL)
			return err
		},
	}
}

func runCoordinator() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Connect(store.Driver(cfg.Database.Driver), cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	// Each loop gets its own *sqlx.DB handle drawn from db's shared
	// *sql.DB connection pool (SPEC_FULL.md §12's "three independently
	// constructed loop runners"), rather than one Store shared across the
	// three goroutines.
	stores := scheduler.Stores{
		FulfillRequest: store.New(sqlx.NewDb(db.DB, string(cfg.Database.Driver))),
		CheckJob:       store.New(sqlx.NewDb(db.DB, string(cfg.Database.Driver))),
		SyncNode:       store.New(sqlx.NewDb(db.DB, string(cfg.Database.Driver))),
	}
	collector := metrics.NewCollector()

	tlsCfg, err := transport.LoadCredentials(transport.Credentials{
		CAFile:   cfg.MTLS.CertsPath + "/machaonlocalca.cert",
		CertFile: cfg.MTLS.CertsPath + "/node0.cert",
		KeyFile:  cfg.MTLS.CertsPath + "/node0.key",
	})
	if err != nil {
		return fmt.Errorf("load mtls credentials: %w", err)
	}
	workerTransport := transport.NewNodeTransport(transport.NewClient(tlsCfg), cfg.MTLS.WorkerPort)

	sched := scheduler.New(stores, workerTransport, archive.Ops{}, collector, scheduler.Paths{
		MonitorRoot: cfg.Monitor.Path,
		OutputRoot:  cfg.Monitor.Output,
	}, scheduler.Intervals{
		FulfillRequest: time.Duration(cfg.Scheduler.RequestMonitoringIntervalSeconds) * time.Second,
		CheckJob:       time.Duration(cfg.Scheduler.JobMonitoringIntervalSeconds) * time.Second,
		SyncNode:       time.Duration(cfg.Scheduler.NodeSyncIntervalSeconds) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server error: %v\n", err)
			}
		}()
	}

	sched.Start(ctx)
	log.Printf("coordinator started: driver=%s monitor=%s\n", cfg.Database.Driver, cfg.Monitor.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("received shutdown signal, stopping scheduler loops")
	cancel()
	sched.Stop()
	log.Println("coordinator stopped")

	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers the environment variables spec §6 names on top
// of the YAML-loaded config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("MTLS_CERTS_PATH"); v != "" {
		cfg.MTLS.CertsPath = v
	}
	if v := os.Getenv("MONITOR_PATH"); v != "" {
		cfg.Monitor.Path = v
	}
	if v := os.Getenv("OUTPUT_PATH"); v != "" {
		cfg.Monitor.Output = v
	}
	if v := os.Getenv("CAPTCHA_SECRET"); v != "" {
		cfg.CaptchaSecret = v
	}
	if v := envInt("REQUEST_MONITORING_INTERVAL"); v > 0 {
		cfg.Scheduler.RequestMonitoringIntervalSeconds = v
	}
	if v := envInt("JOB_MONITORING_INTERVAL"); v > 0 {
		cfg.Scheduler.JobMonitoringIntervalSeconds = v
	}
	if v := envInt("NODE_SYNC_INTERVAL"); v > 0 {
		cfg.Scheduler.NodeSyncIntervalSeconds = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}
