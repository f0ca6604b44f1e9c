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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/switchboard-xyz/function-manager/internal/secrets"
)

func secretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Encrypt or decrypt secrets with SOPS",
		// Skip config loading
		PersistentPreRun: func(*cobra.Command, []string) {},
	}
	cmd.AddCommand(
		secretTransformCommand(
			"encrypt [file]",
			"Encrypt a secret with the KMS keys named by FNMANAGER_*_KMS_* variables",
			secrets.Encrypt,
		),
		secretTransformCommand(
			"decrypt [file]",
			"Decrypt a SOPS encrypted secret",
			secrets.Decrypt,
		),
	)
	return cmd
}

func secretTransformCommand(
	use, short string,
	transform func([]byte) ([]byte, error),
) *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in []byte
			var err error
			if len(args) == 1 && args[0] != "-" {
				in, err = os.ReadFile(args[0])
			} else {
				in, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			out, err := transform(in)
			if err != nil {
				return err
			}
			if outFile != "" {
				return os.WriteFile(outFile, out, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write output to file instead of stdout")
	return cmd
}
