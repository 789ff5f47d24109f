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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/fable/lib/modelfiles"
)

var pullCmd = &cobra.Command{
	Use:   "pull <hf-repo> [hf-repo...]",
	Short: "Pull model bundles from HuggingFace",
	Long: `Download ONNX model and tokenizer files from HuggingFace repos into
the local bundle layout:

  <models-dir>/text/    the text generation bundle
  <models-dir>/image/   the image generation bundle

Examples:
  # Pull a text model bundle
  fable pull --pipeline text onnx-community/gpt2-ONNX

  # Pull into a custom directory
  fable pull --models-dir /opt/fable/models --pipeline text onnx-community/gpt2-ONNX

  # Gated repo
  fable pull --hf-token $HF_TOKEN --pipeline image some-org/tiny-diffusion-onnx`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("pipeline", "text",
		"Destination pipeline (text, image)")
	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated repos (or use HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline, _ := cmd.Flags().GetString("pipeline")
	hfToken, _ := cmd.Flags().GetString("hf-token")
	if hfToken == "" {
		hfToken = os.Getenv("HF_TOKEN")
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	client := modelfiles.NewClient(
		modelfiles.WithToken(hfToken),
		modelfiles.WithLogger(logger),
		modelfiles.WithProgressHandler(func(current, total int64, filename string) {
			if current > 0 && current == total {
				fmt.Printf("  %s (%d bytes)\n", filename, total)
			}
		}),
	)

	for _, repoID := range args {
		fmt.Printf("Pulling %s into %s/%s\n", repoID, modelsDir, pipeline)
		if err := client.Pull(ctx, repoID, modelsDir, pipeline); err != nil {
			return fmt.Errorf("pulling %s: %w", repoID, err)
		}
	}
	return nil
}
