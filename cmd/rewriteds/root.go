package main

import (
	"log/slog"
	"os"

	"github.com/moonkev/rewriteds/internal/common/config"
	"github.com/spf13/cobra"
)

var (
	settings   *config.Settings
	logLevel   = config.LogLevelFlag(slog.LevelInfo)
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "rewriteds",
	Short: "Path rewrite proxy and Envoy control plane",
	Long: "rewriteds forwards requests matching declared rewrite rules to their destination,\n" +
		"either in-process or by serving the rules to Envoy over xDS.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed("config") {
			configFile = settings.ConfigFile
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel.Level()}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	var err error
	settings, err = config.LoadSettings()
	if err != nil {
		slog.Error("invalid environment settings", "error", err)
		os.Exit(1)
	}
	if err := logLevel.Set(settings.LogLevel); err != nil {
		slog.Error("invalid log level", "error", err)
		os.Exit(1)
	}

	rootCmd.PersistentFlags().Var(&logLevel, "log-level", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the YAML rewrite declaration (built-in default when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(exportCmd)
}
