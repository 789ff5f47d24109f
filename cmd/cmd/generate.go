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
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/fable"
	"github.com/antflydb/fable/lib/backends"
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt...>",
	Short: "Generate a story from a prompt",
	Long: `Generate text on-device from the installed text model bundle.

When no model bundle is installed the command prints a clearly labeled
placeholder story instead of failing.

Examples:
  # Generate with defaults
  fable generate a sleepy fox

  # Longer output, more adventurous sampling
  fable generate --max-tokens 200 --temperature 1.1 a sleepy fox

  # Reproducible sampling
  fable generate --seed 42 a sleepy fox`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().Int("max-tokens", 128, "Maximum tokens to generate")
	generateCmd.Flags().Float64("temperature", 0.8, "Sampling temperature (0 = greedy)")
	generateCmd.Flags().Int64("seed", 0, "Sampling seed (0 = wall clock)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	temperature, _ := cmd.Flags().GetFloat64("temperature")
	seed, _ := cmd.Flags().GetInt64("seed")

	engine := fable.New(engineConfig(), logger)
	defer func() { _ = engine.Close() }()

	result, err := engine.GenerateText(ctx, fable.TextRequest{
		Prompt:      strings.Join(args, " "),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Seed:        seed,
	})
	if err != nil {
		return err
	}

	if result.Degraded {
		logger.Warn("Serving degraded output",
			zap.String("finish_reason", string(result.FinishReason)))
	}
	fmt.Println(result.Text)
	return nil
}

// engineConfig assembles the engine config shared by the generation
// commands from the bound flags.
func engineConfig() fable.Config {
	device, err := backends.ParseDeviceType(viper.GetString("device"))
	if err != nil {
		device = backends.DeviceAuto
	}
	return fable.Config{
		ModelsDir:  modelsDir,
		Encoding:   viper.GetString("encoding"),
		Device:     device,
		NumThreads: viper.GetInt("threads"),
	}
}
