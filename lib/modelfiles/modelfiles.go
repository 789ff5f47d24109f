// Copyright 2025 Antfly, Inc.
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

// Package modelfiles resolves the on-disk layout of model bundles.
//
// Layout under the models directory:
//
//	<dir>/text/   model.onnx (or a precision variant), vocab.json, merges.txt
//	<dir>/image/  text_encoder.onnx, denoiser.onnx, decoder.onnx, vocab.json
//
// Resolution never fails: missing files resolve to their conventional paths
// and the loaders degrade when the files turn out to be absent.
package modelfiles

import (
	"os"
	"path/filepath"
)

const (
	// EnvModelsDir overrides the default models directory.
	EnvModelsDir = "FABLE_MODELS_DIR"

	// TextDirName and ImageDirName are the per-pipeline subdirectories.
	TextDirName  = "text"
	ImageDirName = "image"

	VocabFilename  = "vocab.json"
	MergesFilename = "merges.txt"

	EncoderFilename  = "text_encoder.onnx"
	DenoiserFilename = "denoiser.onnx"
	DecoderFilename  = "decoder.onnx"
)

// modelVariants lists text model basenames in preference order: full
// precision first, then half precision, then quantized.
var modelVariants = []string{"model", "model_fp16", "model_q4", "model_q4f16", "model_quantized"}

// DefaultDir returns the models directory: the environment override when
// set, otherwise a dot directory under the user's home, otherwise a local
// relative fallback.
func DefaultDir() string {
	if dir := os.Getenv(EnvModelsDir); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".fable", "models")
	}
	return "models"
}

// TextPaths locates the text generation bundle.
type TextPaths struct {
	Model  string
	Vocab  string
	Merges string
}

// ResolveText resolves the text bundle under modelsDir, picking the best
// installed precision variant of the model file.
func ResolveText(modelsDir string) TextPaths {
	dir := filepath.Join(modelsDir, TextDirName)
	return TextPaths{
		Model:  pickVariant(dir),
		Vocab:  filepath.Join(dir, VocabFilename),
		Merges: filepath.Join(dir, MergesFilename),
	}
}

// ImagePaths locates the image generation bundle.
type ImagePaths struct {
	Encoder  string
	Denoiser string
	Decoder  string
	Vocab    string
	Merges   string
}

// ResolveImage resolves the image bundle under modelsDir.
func ResolveImage(modelsDir string) ImagePaths {
	dir := filepath.Join(modelsDir, ImageDirName)
	return ImagePaths{
		Encoder:  filepath.Join(dir, EncoderFilename),
		Denoiser: filepath.Join(dir, DenoiserFilename),
		Decoder:  filepath.Join(dir, DecoderFilename),
		Vocab:    filepath.Join(dir, VocabFilename),
		Merges:   filepath.Join(dir, MergesFilename),
	}
}

// pickVariant returns the first installed model variant in preference
// order, or the conventional full-precision path when none exist yet.
func pickVariant(dir string) string {
	for _, base := range modelVariants {
		path := filepath.Join(dir, base+".onnx")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, modelVariants[0]+".onnx")
}

// InstalledFile describes one file of an installed bundle.
type InstalledFile struct {
	Name string
	Size int64
}

// InstalledBundle describes one pipeline's installed files.
type InstalledBundle struct {
	Pipeline string // "text" or "image"
	Files    []InstalledFile
}

// ListInstalled reports the files present under each pipeline directory.
// Pipelines with no files are omitted.
func ListInstalled(modelsDir string) []InstalledBundle {
	var bundles []InstalledBundle
	for _, pipeline := range []string{TextDirName, ImageDirName} {
		entries, err := os.ReadDir(filepath.Join(modelsDir, pipeline))
		if err != nil {
			continue
		}
		var files []InstalledFile
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, InstalledFile{Name: e.Name(), Size: info.Size()})
		}
		if len(files) > 0 {
			bundles = append(bundles, InstalledBundle{Pipeline: pipeline, Files: files})
		}
	}
	return bundles
}
