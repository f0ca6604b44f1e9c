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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-xyz/function-manager/internal/config"
	"github.com/switchboard-xyz/function-manager/journal"
)

func runsCommand() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent container runs from the journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			j, err := journal.New(
				journal.WithDataDir(cfg.DataDir),
				journal.WithGc(false),
				journal.WithLogger(slog.Default()),
			)
			if err != nil {
				return err
			}
			defer j.Close()
			runs, err := j.RecentRuns(limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func printRuns(out io.Writer, runs []journal.RunRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tKEY\tOUTCOME\tDURATION\tERROR")
	for _, r := range runs {
		errText := r.Error
		if r.ErrorCode != 0 {
			errText = fmt.Sprintf("[%d] %s", r.ErrorCode, r.Error)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Started().UTC().Format(time.RFC3339),
			r.Kind,
			r.Key,
			r.Outcome,
			r.Duration().Round(time.Millisecond),
			errText,
		)
	}
	return w.Flush()
}
