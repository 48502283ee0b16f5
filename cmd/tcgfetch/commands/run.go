package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"cardwatch-backend/lib/checkpoint"
	"cardwatch-backend/lib/configutil"
	"cardwatch-backend/lib/proxypool"
	"cardwatch-backend/lib/ratelimit"
	"cardwatch-backend/lib/scrapers/tcgcsv"
	"cardwatch-backend/lib/serviceutil"
	"cardwatch-backend/lib/telemetry"
	"cardwatch-backend/lib/warehouse"
	"cardwatch-backend/services/harvester"

	"github.com/spf13/cobra"
)

type ProxyConfig struct {
	// Endpoint is the local mixed-port proxy requests egress through.
	Endpoint string `json:"endpoint"`
	ApiUrl   string `json:"api_url"`
	Secret   string `json:"secret"`
	Group    string `json:"group"`
}

type RateConfig struct {
	BaseDelayMs     int     `json:"base_delay_ms"`
	BackoffFactor   float64 `json:"backoff_factor"`
	MaxDelayMs      int     `json:"max_delay_ms"`
	CooldownAfter   int     `json:"cooldown_after"`
	CooldownSeconds int     `json:"cooldown_seconds"`
}

type Config struct {
	BaseUrl        string      `json:"base_url"`
	HealthCheckUrl string      `json:"health_check_url"`
	Proxy          ProxyConfig `json:"proxy"`
	Rate           RateConfig  `json:"rate"`
}

var runFlags struct {
	checkpoint  string
	warehouse   string
	backupDir   string
	workers     int
	maxAttempts int
	batchSize   int
	categories  []int64
	retryFailed bool
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.checkpoint, "checkpoint", "checkpoint.db", "The checkpoint database to resume from.")
	f.StringVar(&runFlags.warehouse, "warehouse", "warehouse.db", "The warehouse database to append price observations to.")
	f.StringVar(&runFlags.backupDir, "backup-dir", ".", "Where to write CSV backups of batches the warehouse rejected.")
	f.IntVar(&runFlags.workers, "workers", 1, "How many groups to fetch concurrently within a category.")
	f.IntVar(&runFlags.maxAttempts, "max-attempts", 3, "In-run retries per node for transient failures.")
	f.IntVar(&runFlags.batchSize, "batch-size", 500, "Records per warehouse load batch.")
	f.Int64SliceVar(&runFlags.categories, "category", nil, "Restrict the walk to these category ids.")
	f.BoolVar(&runFlags.retryFailed, "retry-failed", false, "Reset previously failed nodes to pending before walking.")
	rootCmd.AddCommand(runCmd)
}

func governorConfig(rate RateConfig) ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if rate.BaseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(rate.BaseDelayMs) * time.Millisecond
	}
	if rate.BackoffFactor > 1 {
		cfg.BackoffFactor = rate.BackoffFactor
	}
	if rate.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(rate.MaxDelayMs) * time.Millisecond
	}
	if rate.CooldownAfter > 0 {
		cfg.CooldownAfter = rate.CooldownAfter
	}
	if rate.CooldownSeconds > 0 {
		cfg.Cooldown = time.Duration(rate.CooldownSeconds) * time.Second
	}
	return cfg
}

func createPool(ctx context.Context, cfg Config) *proxypool.Pool {
	if cfg.Proxy.ApiUrl == "" {
		return proxypool.NewPool(proxypool.Config{
			HealthCheckURL: cfg.HealthCheckUrl,
		})
	}

	control := proxypool.NewMihomo(proxypool.MihomoOptions{
		APIURL: cfg.Proxy.ApiUrl,
		Secret: cfg.Proxy.Secret,
		Group:  cfg.Proxy.Group,
	})
	routes, err := control.Routes(ctx)
	if err != nil {
		slog.Warn("could not list proxy routes, running direct", "err", err)
	}
	return proxypool.NewPool(proxypool.Config{
		Routes:         routes,
		Control:        control,
		HealthCheckURL: cfg.HealthCheckUrl,
	})
}

// runReport is the end-of-run view of the checkpoint partition, telling
// the operator what is done and whether rerunning would resume work.
type runReport struct {
	Completed int
	Pending   int
	Failed    int
	Resumable bool
}

func reportProgress(ctx context.Context, store *checkpoint.Store) (runReport, error) {
	counts, err := store.Counts(ctx)
	if err != nil {
		return runReport{}, err
	}
	open := counts[checkpoint.StatePending] + counts[checkpoint.StateInProgress]
	return runReport{
		Completed: counts[checkpoint.StateCompleted],
		Pending:   open,
		Failed:    counts[checkpoint.StateFailed],
		Resumable: open+counts[checkpoint.StateFailed] > 0,
	}, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Walks the catalog hierarchy and streams prices into the warehouse.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil && !os.IsNotExist(err) {
			serviceutil.Fatal("failed to read config", err)
		}
		if cfg.BaseUrl == "" {
			cfg.BaseUrl = "https://tcgcsv.com/tcgplayer"
		}

		store, err := checkpoint.Open(runFlags.checkpoint)
		if err != nil {
			serviceutil.Fatal("failed to open checkpoint database", err)
		}
		defer store.Close()

		loader, err := warehouse.OpenSqliteLoader(runFlags.warehouse)
		if err != nil {
			serviceutil.Fatal("failed to open warehouse database", err)
		}
		defer loader.Close()

		sink := warehouse.NewSink(loader, warehouse.SinkConfig{
			FlushThreshold: runFlags.batchSize,
			BackupDir:      runFlags.backupDir,
		})
		client := tcgcsv.NewClient(tcgcsv.ClientOptions{
			BaseUrl: cfg.BaseUrl,
			Proxy:   cfg.Proxy.Endpoint,
		})
		fetcher := harvester.NewFetcher(
			client,
			ratelimit.NewGovernor(governorConfig(cfg.Rate)),
			createPool(ctx, cfg),
			store,
			sink,
		)

		telemetry.InstrumentPerfStats(ctx)

		t1 := time.Now()
		sum, err := fetcher.Run(ctx, harvester.Options{
			Workers:         runFlags.workers,
			MaxNodeAttempts: runFlags.maxAttempts,
			RetryFailed:     runFlags.retryFailed,
			Categories:      runFlags.categories,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			serviceutil.Fatal("run aborted", err)
		}

		report, reportErr := reportProgress(context.WithoutCancel(ctx), store)
		if reportErr != nil {
			slog.Warn("could not read checkpoint partition", "err", reportErr)
		}

		slog.Info("run summary",
			"processed", sum.Processed,
			"skipped", sum.Skipped,
			"failed", sum.Failed,
			"records", sum.Records,
			"completed_nodes", report.Completed,
			"pending_nodes", report.Pending,
			"failed_nodes", report.Failed,
			"resumable", report.Resumable,
			"seconds", time.Since(t1).Seconds())

		if sum.Failed > 0 {
			os.Exit(1)
		}
	},
}
