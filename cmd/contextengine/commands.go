// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/ContextEngine/pkg/logging"
	"github.com/AleutianAI/ContextEngine/services/orchestrator"
	"github.com/AleutianAI/ContextEngine/services/policy_engine"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	logDir     string
	textLogs   bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "contextengine",
		Short:         "Conversational context engine",
		Long:          "contextengine keeps short-term conversation memory, applies guardrails, retrieves knowledge and past conversations, and assembles prompts for each turn.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "also write JSON logs to a daily file in this directory")
	rootCmd.PersistentFlags().BoolVar(&opts.textLogs, "text-logs", false, "log as text instead of JSON")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newReindexCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration and installs the default logger.
func (o *rootOptions) loadConfig() (orchestrator.Config, *logging.Logger, error) {
	cfg, err := orchestrator.LoadConfig(o.configPath)
	if err != nil {
		return orchestrator.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	level, err := logging.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return orchestrator.Config{}, nil, err
	}

	// Every log record passes through the PII masker.
	engine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return orchestrator.Config{}, nil, fmt.Errorf("init policy engine: %w", err)
	}
	logger := logging.New(logging.Config{
		Level:    level,
		LogDir:   o.logDir,
		Service:  orchestrator.ServiceName,
		JSON:     !o.textLogs,
		Redactor: engine.Mask,
	})
	slog.SetDefault(logger.Slog())
	return cfg, logger, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the management API, the history indexer and the event consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := orchestrator.New(ctx, cfg, nil)
			if err != nil {
				return fmt.Errorf("create context engine: %w", err)
			}
			defer func() {
				if err := svc.Close(); err != nil {
					slog.Error("Shutdown finished with errors", "error", err)
				}
			}()

			slog.Info("Starting context engine", "version", version, "port", cfg.Server.Port)
			return svc.Run(ctx)
		},
	}
}

func newReindexCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Run one history indexing cycle and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.loadConfig()
			if err != nil {
				return err
			}
			defer logger.Close()
			cfg.Indexer.Disabled = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := orchestrator.New(ctx, cfg, nil)
			if err != nil {
				return fmt.Errorf("create context engine: %w", err)
			}
			defer svc.Close()

			result, err := svc.Reindex(ctx, force)
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Forced     bool  `json:"forced"`
				DurationMs int64 `json:"duration_ms"`
				Result     any   `json:"result"`
			}{force, result.Duration().Milliseconds(), result})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "index every conversation regardless of age or previous indexing")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := orchestrator.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(maskSecrets(cfg))
		},
	}
}

const masked = "********"

func maskSecrets(cfg orchestrator.Config) orchestrator.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = masked
		}
	}
	mask(&cfg.Memory.Redis.Password)
	mask(&cfg.Retrieval.PostgresDSN)
	mask(&cfg.Embedding.APIKey)
	mask(&cfg.Completion.APIKey)
	mask(&cfg.Moderation.APIKey)
	if len(cfg.Server.APITokens) > 0 {
		tokens := make([]string, len(cfg.Server.APITokens))
		for i := range tokens {
			tokens[i] = masked
		}
		cfg.Server.APITokens = tokens
	}
	return cfg
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "contextengine", version)
		},
	}
}
