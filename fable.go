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

// Package fable is an on-device generative inference engine: a text
// generation pipeline and a diffusion-style image pipeline behind one
// facade.
//
// The Engine lazily loads whichever pipeline a request needs, keeps loaded
// models alive on a TTL that refreshes on use, and normalizes every internal
// failure into the documented fallback values: text generation always
// returns at least a placeholder story, image generation returns however
// many images succeeded (possibly none). The only hard error the generation
// paths surface is use after Close.
package fable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antflydb/fable/lib/backends"
	"github.com/antflydb/fable/lib/imagegen"
	"github.com/antflydb/fable/lib/modelfiles"
	"github.com/antflydb/fable/lib/textgen"
)

// DefaultKeepAlive is how long an idle pipeline stays loaded (matches
// Ollama's 5-minute default).
const DefaultKeepAlive = 5 * time.Minute

const (
	pipelineText  = "text"
	pipelineImage = "image"
)

// Facade aliases so callers need only this package.
type (
	TextRequest  = textgen.Request
	TextResult   = textgen.Result
	ImageRequest = imagegen.Request
	Image        = imagegen.Image
)

// Config configures the engine.
type Config struct {
	// ModelsDir holds the model bundles. Empty selects the default
	// directory per lib/modelfiles.
	ModelsDir string

	// KeepAlive is how long an idle pipeline stays loaded. Zero selects
	// DefaultKeepAlive; negative keeps pipelines loaded forever.
	KeepAlive time.Duration

	// Encoding optionally names a tiktoken encoding for the tokenizer.
	Encoding string

	// Device and NumThreads are passed through to session acquisition.
	Device     backends.DeviceType
	NumThreads int
}

// Stats reports the engine's current lifecycle state.
type Stats struct {
	TextLoaded   bool
	ImageLoaded  bool
	TextProfile  string
	ImageProfile string
}

type pipeline interface {
	Unload()
	IsLoaded() bool
}

// Engine is the single entry point for both generation pipelines.
// Safe for concurrent use; generation against one pipeline serializes on
// that pipeline's loader.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	text  *textgen.Loader
	image *imagegen.Loader

	// keepAlive evicts idle pipelines; eviction unloads them.
	keepAlive *ttlcache.Cache[string, pipeline]

	mu     sync.Mutex
	closed bool
}

// New builds an Engine. No model work happens until the first request or an
// explicit Load call.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	modelsDir := cfg.ModelsDir
	if modelsDir == "" {
		modelsDir = modelfiles.DefaultDir()
	}

	textPaths := modelfiles.ResolveText(modelsDir)
	imagePaths := modelfiles.ResolveImage(modelsDir)

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		text: textgen.NewLoader(textgen.Config{
			ModelPath:  textPaths.Model,
			VocabPath:  textPaths.Vocab,
			MergesPath: textPaths.Merges,
			Encoding:   cfg.Encoding,
			Device:     cfg.Device,
			NumThreads: cfg.NumThreads,
		}, logger.Named("textgen")),
		image: imagegen.NewLoader(imagegen.Config{
			EncoderPath:  imagePaths.Encoder,
			DenoiserPath: imagePaths.Denoiser,
			DecoderPath:  imagePaths.Decoder,
			VocabPath:    imagePaths.Vocab,
			MergesPath:   imagePaths.Merges,
			Encoding:     cfg.Encoding,
			Device:       cfg.Device,
			NumThreads:   cfg.NumThreads,
		}, logger.Named("imagegen")),
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	} else if keepAlive < 0 {
		keepAlive = ttlcache.NoTTL
	}

	e.keepAlive = ttlcache.New(
		ttlcache.WithTTL[string, pipeline](keepAlive),
	)
	e.keepAlive.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, pipeline]) {
		item.Value().Unload()
		SetPipelineLoaded(item.Key(), false)
		if reason == ttlcache.EvictionReasonExpired {
			logger.Info("Unloaded idle pipeline", zap.String("pipeline", item.Key()))
		}
	})
	go e.keepAlive.Start()

	return e
}

// GenerateText produces text for the prompt, loading the text pipeline
// first if needed. A pipeline that cannot load yields the deterministic
// placeholder story, never an error. Returns ErrLifecycle after Close.
func (e *Engine) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	if err := e.touch(pipelineText, e.text); err != nil {
		return TextResult{}, err
	}

	result, err := e.text.Generate(ctx, req)
	status := "ok"
	if err != nil {
		status = "canceled"
	}
	RecordTextRequest(status)
	RecordTokenGeneration(result.TokensUsed)
	if result.Degraded {
		RecordDegradedResult(pipelineText)
	}
	SetPipelineLoaded(pipelineText, e.text.IsLoaded())
	return result, err
}

// GenerateImages produces up to req.NumImages rasters, loading the image
// pipeline first if needed. An unavailable pipeline or failed images shrink
// the list; an empty list means "no visuals available", not an error.
// Returns ErrLifecycle after Close.
func (e *Engine) GenerateImages(ctx context.Context, req ImageRequest) ([]Image, error) {
	if err := e.touch(pipelineImage, e.image); err != nil {
		return nil, err
	}

	images, err := e.image.Generate(ctx, req)
	status := "ok"
	if err != nil {
		status = "canceled"
	}
	RecordImageRequest(status)
	RecordImageCreation(len(images))
	if len(images) < req.NumImages {
		RecordDegradedResult(pipelineImage)
	}
	SetPipelineLoaded(pipelineImage, e.image.IsLoaded())
	return images, err
}

// LoadText loads the text pipeline eagerly. Idempotent.
func (e *Engine) LoadText() error {
	if err := e.touch(pipelineText, e.text); err != nil {
		return err
	}
	return e.load(pipelineText, e.text.Load)
}

// LoadImage loads the image pipeline eagerly. Idempotent.
func (e *Engine) LoadImage() error {
	if err := e.touch(pipelineImage, e.image); err != nil {
		return err
	}
	return e.load(pipelineImage, e.image.Load)
}

func (e *Engine) load(name string, loadFn func() error) error {
	start := time.Now()
	if err := loadFn(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModelLoad, name, err)
	}
	RecordModelLoadDuration(name, time.Since(start).Seconds())
	SetPipelineLoaded(name, true)
	return nil
}

// Preload loads both pipelines concurrently. Useful at startup when the
// host knows both will be needed.
func (e *Engine) Preload(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, load := range []func() error{e.LoadText, e.LoadImage} {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return load()
		})
	}
	return g.Wait()
}

// UnloadText releases the text pipeline. Safe when not loaded; a later
// generate reloads automatically.
func (e *Engine) UnloadText() {
	e.keepAlive.Delete(pipelineText)
	e.text.Unload()
	SetPipelineLoaded(pipelineText, false)
}

// UnloadImage releases the image pipeline.
func (e *Engine) UnloadImage() {
	e.keepAlive.Delete(pipelineImage)
	e.image.Unload()
	SetPipelineLoaded(pipelineImage, false)
}

// IsTextLoaded reports whether the text pipeline is loaded.
func (e *Engine) IsTextLoaded() bool { return e.text.IsLoaded() }

// IsImageLoaded reports whether the image pipeline is loaded.
func (e *Engine) IsImageLoaded() bool { return e.image.IsLoaded() }

// Stats reports the current lifecycle state of both pipelines.
func (e *Engine) Stats() Stats {
	return Stats{
		TextLoaded:   e.text.IsLoaded(),
		ImageLoaded:  e.image.IsLoaded(),
		TextProfile:  e.text.Profile().String(),
		ImageProfile: e.image.Profile().String(),
	}
}

// Close unloads both pipelines and stops the keep-alive timer. The engine
// cannot be used afterwards; all calls return ErrLifecycle.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.keepAlive.Stop()
	e.keepAlive.DeleteAll()
	e.text.Unload()
	e.image.Unload()
	SetPipelineLoaded(pipelineText, false)
	SetPipelineLoaded(pipelineImage, false)
	return nil
}

// touch refreshes the keep-alive TTL for a pipeline, registering it on
// first use. Rejects calls on a closed engine.
func (e *Engine) touch(name string, p pipeline) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrLifecycle
	}
	e.keepAlive.Set(name, p, ttlcache.DefaultTTL)
	return nil
}
