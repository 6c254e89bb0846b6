// Package main is the mrcgw CLI entrypoint: a cobra command tree with serve
// and version subcommands.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mrc-gateway/mrcgw/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "mrcgw",
	Short:         "MRC Gateway",
	Long:          "mrcgw bridges framed TCP clients to a single MRC hardware link, queuing and arbitrating access on their behalf.",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults embedded if omitted)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format: auto, console, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newLogger() logger.Logger {
	level := logger.InfoLevel
	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	}

	log := logger.NewSlogLogger(logFormat)
	log.SetLevel(level)
	return log
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeForError(err))
	}
}
