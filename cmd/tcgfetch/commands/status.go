package commands

import (
	"os"
	"time"

	"cardwatch-backend/lib/checkpoint"
	"cardwatch-backend/lib/configutil"
	"cardwatch-backend/lib/proxypool"
	"cardwatch-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCheckpoint *string

func init() {
	statusCheckpoint = statusCmd.Flags().String("checkpoint", "checkpoint.db", "The checkpoint database to report on.")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Reports checkpoint progress and proxy routes without fetching anything.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		store, err := checkpoint.Open(*statusCheckpoint)
		if err != nil {
			serviceutil.Fatal("failed to open checkpoint database", err)
		}
		defer store.Close()

		info, err := store.LastRun(ctx)
		if err != nil {
			serviceutil.Fatal("failed to read run history", err)
		}
		runs := table.NewWriter()
		runs.SetOutputMirror(os.Stdout)
		runs.SetTitle("Last Run")
		runs.AppendHeader(table.Row{"run", "started", "processed", "skipped", "failed", "records"})
		if info != nil {
			runs.AppendRow(table.Row{
				info.ID,
				info.StartedAt.Format(time.RFC3339),
				info.Processed,
				info.Skipped,
				info.Failed,
				info.Records,
			})
		}
		runs.Render()

		counts, err := store.Counts(ctx)
		if err != nil {
			serviceutil.Fatal("failed to count nodes", err)
		}
		nodes := table.NewWriter()
		nodes.SetOutputMirror(os.Stdout)
		nodes.SetTitle("Nodes")
		nodes.AppendHeader(table.Row{"state", "count"})
		for _, state := range []checkpoint.State{
			checkpoint.StatePending,
			checkpoint.StateInProgress,
			checkpoint.StateCompleted,
			checkpoint.StateFailed,
		} {
			nodes.AppendRow(table.Row{string(state), counts[state]})
		}
		nodes.Render()

		cfg, err := configutil.ReadConfig[Config]("config.json5")
		if err != nil || cfg.Proxy.ApiUrl == "" {
			return
		}
		control := proxypool.NewMihomo(proxypool.MihomoOptions{
			APIURL: cfg.Proxy.ApiUrl,
			Secret: cfg.Proxy.Secret,
			Group:  cfg.Proxy.Group,
		})
		routeNames, err := control.Routes(ctx)
		if err != nil {
			serviceutil.Fatal("failed to list proxy routes", err)
		}
		active, _ := control.Active(ctx)
		routes := table.NewWriter()
		routes.SetOutputMirror(os.Stdout)
		routes.SetTitle("Proxy Routes")
		routes.AppendHeader(table.Row{"route", "active"})
		for _, name := range routeNames {
			routes.AppendRow(table.Row{name, name == active})
		}
		routes.Render()
	},
}
