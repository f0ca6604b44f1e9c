// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command qvn runs the quote verification node inside the enclave image.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/switchboard-xyz/function-manager/internal/config"
	"github.com/switchboard-xyz/function-manager/internal/node"
	"github.com/switchboard-xyz/function-manager/internal/version"
)

const (
	programName = "qvn"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Verify function results and submit them on chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			// Configure logger
			logLevel := slog.LevelInfo
			if globalFlags.debug || cfg.Debug {
				logLevel = slog.LevelDebug
			}
			logger := slog.New(
				slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					AddSource: logLevel == slog.LevelDebug,
					Level:     logLevel,
				}),
			)
			slog.SetDefault(logger)
			if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
				return err
			}
			logger.Info(
				"version: "+version.GetVersionString(),
				"component", programName,
			)
			cmd.SilenceUsage = true
			return node.RunVerifier(cfg, logger)
		},
	}
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
