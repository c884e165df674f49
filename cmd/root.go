package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/config"
)

var cfg *config.Config

// flagKeys maps root flags onto the config keys they override.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"store":      "store.driver",
	"database":   "store.database_url",
}

var rootCmd = &cobra.Command{
	Use:          "harvest-cli",
	Short:        "Subsidy document harvest and extraction pipeline",
	Long:         "Harvests agricultural subsidy pages from public funding sites, extracts structured fields locally with an AI fallback, and gates every result through quality control.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(cmd.Flags())
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("store", cfg.Store.Driver),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	addRootFlags(rootCmd.PersistentFlags())
}

func addRootFlags(f *pflag.FlagSet) {
	f.String("config", "", "config file (default ./config.yaml)")
	f.String("log-level", "", "log level: debug, info, warn or error")
	f.String("log-format", "", "log format: json or console")
	f.String("store", "", "store driver: sqlite or postgres")
	f.String("database", "", "SQLite path or Postgres DSN")
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	var file string
	if f := flags.Lookup("config"); f != nil {
		file = f.Value.String()
	}
	opts := []config.LoadOption{config.WithFile(file)}
	for name, key := range flagKeys {
		opts = append(opts, config.WithFlag(key, flags.Lookup(name)))
	}
	return config.Load(opts...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
