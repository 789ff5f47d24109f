// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antflydb/fable/lib/modelfiles"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed model bundles",
	Long: `List the model files installed under the models directory, grouped
by pipeline.

Examples:
  # List installed bundles
  fable list

  # List bundles in a custom directory
  fable list --models-dir /opt/fable/models`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	bundles := modelfiles.ListInstalled(modelsDir)
	if len(bundles) == 0 {
		fmt.Printf("No model bundles installed in %s\n", modelsDir)
		fmt.Println("Use 'fable pull' to download one.")
		return nil
	}

	for _, bundle := range bundles {
		fmt.Printf("%s:\n", bundle.Pipeline)
		for _, f := range bundle.Files {
			fmt.Printf("  %-28s %s\n", f.Name, humanSize(f.Size))
		}
	}
	return nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
