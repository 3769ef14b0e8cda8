package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hed1ad/ransomguard/internal/config"
	"github.com/hed1ad/ransomguard/internal/logger"
)

// Version is set at build time
var Version = "0.1.0"

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "ransomguard",
	Short: "Train and apply the ransomware write classifier",
	Long: `ransomguard fits a random forest over per-write features (Shannon entropy
of the written bytes and the write size) and exports it as an ONNX model
for the monitoring agent.

Commands:
  train   - Synthesize or load a feature table, train, evaluate and export
  synth   - Write a synthetic labeled feature table
  score   - Classify feature tables or files with an exported model

Example:
  ransomguard train
  ransomguard train --features writes.db --output model.onnx
  ransomguard score --model ransomware.onnx suspicious.bin`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file (default ./ransomguard.yaml if present)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.String("log-file", "", "also write JSON logs to this file, rotated by size")

	if err := bindFlags(flags, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"log.file":   "log-file",
	}); err != nil {
		panic(err)
	}

	// Add subcommands
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(scoreCmd)
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

// bindFlags binds config keys to the named flags so a set flag overrides the
// file and environment. Subcommands sharing a key bind in PreRunE so only the
// running command's flag is consulted.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// loadConfig reads configuration and builds the logger for a command.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
