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
	"image"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/fable"
)

var illustrateCmd = &cobra.Command{
	Use:   "illustrate <prompt...>",
	Short: "Generate images from a prompt",
	Long: `Generate images on-device from the installed image model bundle and
write them as PNG files.

Individual image failures shrink the output set; an empty result means the
image pipeline is unavailable on this machine.

Examples:
  # One 512x512 image into the working directory
  fable illustrate calm ocean

  # A batch at a custom size
  fable illustrate --num-images 4 --width 384 --height 384 calm ocean`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIllustrate,
}

func init() {
	rootCmd.AddCommand(illustrateCmd)

	illustrateCmd.Flags().Int("num-images", 1, "Number of images to generate")
	illustrateCmd.Flags().Int("width", 512, "Image width (multiple of 8)")
	illustrateCmd.Flags().Int("height", 512, "Image height (multiple of 8)")
	illustrateCmd.Flags().Int("steps", 10, "Denoising steps")
	illustrateCmd.Flags().Float64("guidance", 7.5, "Guidance scale")
	illustrateCmd.Flags().Int64("seed", 0, "Batch seed (0 = wall clock)")
	illustrateCmd.Flags().String("out", ".", "Output directory for PNG files")
}

func runIllustrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	numImages, _ := cmd.Flags().GetInt("num-images")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	steps, _ := cmd.Flags().GetInt("steps")
	guidance, _ := cmd.Flags().GetFloat64("guidance")
	seed, _ := cmd.Flags().GetInt64("seed")
	outDir, _ := cmd.Flags().GetString("out")

	engine := fable.New(engineConfig(), logger)
	defer func() { _ = engine.Close() }()

	images, err := engine.GenerateImages(ctx, fable.ImageRequest{
		Prompt:        strings.Join(args, " "),
		NumImages:     numImages,
		Width:         width,
		Height:        height,
		Steps:         steps,
		GuidanceScale: guidance,
		Seed:          seed,
	})
	if err != nil {
		return err
	}
	if len(images) == 0 {
		logger.Warn("No images generated; image pipeline unavailable")
		return nil
	}
	if len(images) < numImages {
		logger.Warn("Partial batch",
			zap.Int("requested", numImages), zap.Int("generated", len(images)))
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for i, img := range images {
		path := filepath.Join(outDir, fmt.Sprintf("fable-%02d.png", i+1))
		if err := writePNG(path, img); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Println(path)
	}
	return nil
}

func writePNG(path string, img fable.Image) error {
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i := 0; i < img.Width*img.Height; i++ {
		rgba.Pix[i*4+0] = img.Pixels[i*3+0]
		rgba.Pix[i*4+1] = img.Pixels[i*3+1]
		rgba.Pix[i*4+2] = img.Pixels[i*3+2]
		rgba.Pix[i*4+3] = 0xff
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, rgba); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
