package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/uisync/uisync/internal/config"
)

var cfgPath string
var verbose bool

var rootCmd = &cobra.Command{
	Use:   "uisync",
	Short: "Bidirectional UI source sync with live device preview",
	Long: `uisync keeps two framework renditions of the same UI in sync through a
shared intermediate representation, and streams hot-reload updates to
connected preview devices.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "uisync.yaml", "path to the project config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}
