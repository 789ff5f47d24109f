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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/antflydb/fable/lib/modelfiles"
)

// Version is set by the build via ldflags.
var Version = "dev"

var modelsDir string

var rootCmd = &cobra.Command{
	Use:   "fable",
	Short: "On-device story and image generation",
	Long: `Fable runs generative inference entirely on the local machine:
an autoregressive text pipeline and a diffusion-style image pipeline over
ONNX model bundles.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", modelfiles.DefaultDir(),
		"Directory holding model bundles")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("device", "auto", "Inference device (auto, cuda, coreml, cpu)")
	rootCmd.PersistentFlags().Int("threads", 0, "Inference thread count (0 = auto)")
	rootCmd.PersistentFlags().String("encoding", "", "Tiktoken encoding name (e.g. cl100k_base)")

	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("device", rootCmd.PersistentFlags().Lookup("device"))
	mustBindPFlag("threads", rootCmd.PersistentFlags().Lookup("threads"))
	mustBindPFlag("encoding", rootCmd.PersistentFlags().Lookup("encoding"))
}

func initConfig() {
	viper.SetEnvPrefix("FABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// newLogger builds the CLI logger from the configured level.
func newLogger() *zap.Logger {
	level, err := zap.ParseAtomicLevel(viper.GetString("log.level"))
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.Encoding = "console"
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
