package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksred/klear-sweep/internal/app"
	"github.com/ksred/klear-sweep/internal/config"
	"github.com/spf13/cobra"
)

var Version = "dev"

var dbPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Operate the order batch pipeline: stage, approve, sweep, execute, settle",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides DATABASE_PATH)")

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(traceCmd())
	rootCmd.AddCommand(simulateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	app.ConfigureLogging(cfg)
	return cfg, nil
}

func openApp(opts ...app.Option) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, opts...)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
