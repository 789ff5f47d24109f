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

package modelfiles

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// ProgressHandler is called per downloaded file.
type ProgressHandler func(current, total int64, filename string)

// Client pulls model bundles from HuggingFace Hub into the local layout.
type Client struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// ClientOption configures the HuggingFace client.
type ClientOption func(*Client)

// NewClient creates a HuggingFace client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithToken sets the HuggingFace API token for gated repos.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithProgressHandler sets the download progress handler.
func WithProgressHandler(h ProgressHandler) ClientOption {
	return func(c *Client) { c.progressHandler = h }
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Pull downloads the model and tokenizer files of a HuggingFace repo into
// the given pipeline directory under modelsDir ("text" or "image"). Paths
// inside the repo are flattened, so "onnx/model.onnx" lands as "model.onnx".
func (c *Client) Pull(ctx context.Context, repoID, modelsDir, pipeline string) error {
	if pipeline != TextDirName && pipeline != ImageDirName {
		return fmt.Errorf("unknown pipeline %q (valid: %s, %s)", pipeline, TextDirName, ImageDirName)
	}

	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return fmt.Errorf("listing files in %s: %w", repoID, err)
		}
		files = append(files, fileName)
	}

	toDownload := selectBundleFiles(files)
	if len(toDownload) == 0 {
		return fmt.Errorf("no model files found in %s", repoID)
	}

	destDir := filepath.Join(modelsDir, pipeline)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	for _, fileName := range toDownload {
		if err := ctx.Err(); err != nil {
			return err
		}

		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", fileName, err)
		}

		destName := filepath.Base(fileName)
		destPath := filepath.Join(destDir, destName)
		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	c.logger.Info("Pulled model bundle",
		zap.String("repo", repoID),
		zap.String("pipeline", pipeline),
		zap.Int("files", len(toDownload)))
	return nil
}

// ListRepoFiles returns all files in a HuggingFace repo.
func (c *Client) ListRepoFiles(ctx context.Context, repoID string) ([]string, error) {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}

	var files []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}
	return files, nil
}

// selectBundleFiles filters a repo file listing down to the files a
// generation bundle needs: network weights plus tokenizer data.
func selectBundleFiles(files []string) []string {
	includeExact := map[string]bool{
		VocabFilename:             true,
		MergesFilename:            true,
		"tokenizer.json":          true,
		"tokenizer_config.json":   true,
		"config.json":             true,
		"special_tokens_map.json": true,
	}
	includeSuffixes := []string{".onnx", ".onnx.data", ".onnx_data"}

	var result []string
	for _, f := range files {
		base := filepath.Base(f)
		if includeExact[base] {
			result = append(result, f)
			continue
		}
		for _, suffix := range includeSuffixes {
			if strings.HasSuffix(base, suffix) {
				result = append(result, f)
				break
			}
		}
	}
	return result
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}

	return dstFile.Close()
}
