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

// Package imagegen implements diffusion-style image synthesis over three
// opaque inference sessions: a text encoder, a denoiser, and an image
// decoder.
//
// Load acquires the three model handles atomically; any failure releases
// the handles already acquired so no partially-loaded state is observable.
// Generate conditions on the prompt once, then synthesizes each requested
// image independently: seeded latent noise, an iterative denoising loop with
// a simplified first-order update, a decode pass, and post-processing into
// an interleaved RGB888 raster. A failure in any per-image stage skips that
// image and continues the batch; callers learn about partial success from
// the length of the returned list.
package imagegen

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/fable/lib/backends"
	"github.com/antflydb/fable/lib/tokenizer"
)

const (
	// EncoderTokenLength is the fixed token length of the text encoder.
	EncoderTokenLength = 77

	// DefaultSize is the image edge used when the request does not set
	// dimensions.
	DefaultSize = 512

	// DefaultSteps is the denoising step count used when the request does
	// not set one.
	DefaultSteps = 10
)

// Config configures an image generation Loader.
type Config struct {
	// The three model files. All must load for the pipeline to be ready.
	EncoderPath  string
	DenoiserPath string
	DecoderPath  string

	// Tokenizer data, optional as in lib/textgen.
	VocabPath  string
	MergesPath string
	Encoding   string

	Device     backends.DeviceType
	NumThreads int
}

// Request holds the parameters of one generation call.
type Request struct {
	Prompt    string
	NumImages int

	// Width and Height must be divisible by 8; other values are rounded
	// down. Zero selects DefaultSize.
	Width  int
	Height int

	Steps int

	// GuidanceScale is accepted for API compatibility. The simplified
	// denoising update does not branch on it.
	GuidanceScale float64

	// Seed fixes the per-batch entropy source; image i uses Seed+i.
	// Zero selects wall-clock entropy.
	Seed int64
}

// Image is one generated raster: interleaved RGB888, len(Pixels) equals
// Width*Height*3.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

type loaderState int32

const (
	stateUnloaded loaderState = iota
	stateLoading
	stateReady
)

// Loader owns the image generation pipeline: three model sessions plus a
// tokenizer. Construct with NewLoader. A single mutex serializes lifecycle
// transitions and generation.
type Loader struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	state      loaderState
	encoder    backends.Session
	denoiser   backends.Session
	decoder    backends.Session
	profile    backends.AccelProfile
	tok        *tokenizer.Tokenizer
	convention callConvention
}

// NewLoader builds a Loader. No model work happens until Load or the first
// Generate.
func NewLoader(cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Load acquires all three model sessions and constructs the tokenizer.
// Atomic: if any handle fails to load, the ones already acquired are closed
// and the loader stays unloaded. Idempotent when already ready.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Loader) loadLocked() error {
	if l.state == stateReady {
		return nil
	}
	l.state = stateLoading

	opts := []backends.SessionOption{
		backends.WithSessionDevice(l.cfg.Device),
		backends.WithSessionThreads(l.cfg.NumThreads),
	}

	var acquired []backends.Session
	release := func() {
		for _, s := range acquired {
			s.Close()
		}
		l.state = stateUnloaded
	}

	encoder, _, err := backends.Acquire(l.cfg.EncoderPath, l.logger, opts...)
	if err != nil {
		release()
		return fmt.Errorf("loading text encoder %q: %w", l.cfg.EncoderPath, err)
	}
	acquired = append(acquired, encoder)

	denoiser, profile, err := backends.Acquire(l.cfg.DenoiserPath, l.logger, opts...)
	if err != nil {
		release()
		return fmt.Errorf("loading denoiser %q: %w", l.cfg.DenoiserPath, err)
	}
	acquired = append(acquired, denoiser)

	decoder, _, err := backends.Acquire(l.cfg.DecoderPath, l.logger, opts...)
	if err != nil {
		release()
		return fmt.Errorf("loading image decoder %q: %w", l.cfg.DecoderPath, err)
	}
	acquired = append(acquired, decoder)

	convention, err := probeConvention(denoiser)
	if err != nil {
		release()
		return fmt.Errorf("probing denoiser: %w", err)
	}

	l.encoder = encoder
	l.denoiser = denoiser
	l.decoder = decoder
	l.profile = profile
	l.convention = convention
	l.tok = tokenizer.New(tokenizer.Config{
		VocabPath:  l.cfg.VocabPath,
		MergesPath: l.cfg.MergesPath,
		Encoding:   l.cfg.Encoding,
	}, l.logger)
	l.state = stateReady

	l.logger.Info("Image models loaded",
		zap.String("denoiser", l.cfg.DenoiserPath),
		zap.String("profile", profile.String()),
		zap.Int("denoiser_inputs", int(convention)))
	return nil
}

// Unload closes all three sessions and clears the tokenizer. Safe to call
// when already unloaded.
func (l *Loader) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range []backends.Session{l.encoder, l.denoiser, l.decoder} {
		if s != nil {
			if err := s.Close(); err != nil {
				l.logger.Warn("Closing image session", zap.Error(err))
			}
		}
	}
	l.encoder, l.denoiser, l.decoder = nil, nil, nil
	l.tok = nil
	l.profile = backends.AccelProfile{}
	l.convention = 0
	l.state = stateUnloaded
}

// IsLoaded reports whether the loader is ready to generate.
func (l *Loader) IsLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateReady
}

// Profile returns the acceleration profile chosen for the denoiser. Zero
// valued when unloaded.
func (l *Loader) Profile() backends.AccelProfile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// Generate synthesizes up to req.NumImages rasters. Not ready means load
// first; a load failure returns an empty list, which callers must treat as
// "generation unavailable" rather than an error. Individual image failures
// are skipped, so the returned list may be shorter than requested. The only
// error returned is context cancellation, alongside the images finished so
// far.
func (l *Loader) Generate(ctx context.Context, req Request) ([]Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateReady {
		if err := l.loadLocked(); err != nil {
			l.logger.Warn("Image generation unavailable", zap.Error(err))
			return nil, nil
		}
	}

	width, height := normalizeSize(req.Width), normalizeSize(req.Height)
	if width != req.Width || height != req.Height {
		l.logger.Debug("Adjusted image dimensions to a multiple of 8",
			zap.Int("width", width), zap.Int("height", height))
	}
	steps := req.Steps
	if steps <= 0 {
		steps = DefaultSteps
	}
	numImages := req.NumImages
	if numImages <= 0 {
		numImages = 1
	}

	// Text conditioning runs once and is reused for every image in the
	// batch. Latents-only denoisers skip it entirely.
	var embedding *backends.NamedTensor
	if l.convention.needsEmbedding() {
		emb, err := l.encodePrompt(req.Prompt)
		if err != nil {
			l.logger.Warn("Prompt conditioning failed, no images generated",
				zap.Error(err))
			return nil, nil
		}
		embedding = emb
	}

	baseSeed := req.Seed
	if baseSeed == 0 {
		baseSeed = time.Now().UnixNano()
	}

	schedule := timestepSchedule(steps)
	images := make([]Image, 0, numImages)
	for i := 0; i < numImages; i++ {
		if err := ctx.Err(); err != nil {
			return images, err
		}

		img, err := l.generateOne(ctx, baseSeed+int64(i), width, height, schedule, embedding)
		if err != nil {
			if ctx.Err() != nil {
				return images, ctx.Err()
			}
			// Skip this image, continue the batch.
			l.logger.Warn("Image failed, continuing batch",
				zap.Int("index", i), zap.Error(err))
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

func (l *Loader) generateOne(ctx context.Context, seed int64, width, height int,
	schedule []float32, embedding *backends.NamedTensor) (Image, error) {

	latentWidth, latentHeight := width/8, height/8
	rng := rand.New(rand.NewSource(seed))
	latents := initLatents(rng, latentWidth, latentHeight)

	for _, timestep := range schedule {
		if err := ctx.Err(); err != nil {
			return Image{}, err
		}

		inputs := packDenoiserInputs(l.denoiser, l.convention,
			latents, latentWidth, latentHeight, timestep, embedding)
		outputs, err := l.denoiser.Run(inputs)
		if err != nil {
			return Image{}, fmt.Errorf("denoising at t=%.0f: %w", timestep, err)
		}
		if len(outputs) == 0 {
			return Image{}, fmt.Errorf("denoiser produced no outputs")
		}
		if err := applyDenoiseStep(latents, outputs[0].Floats()); err != nil {
			return Image{}, err
		}
	}

	return l.decodeLatents(latents, latentWidth, latentHeight, width, height)
}

// decodeLatents runs the decoder on the final latent buffer and
// post-processes the pixel tensor into an RGB888 raster of the requested
// size.
func (l *Loader) decodeLatents(latents []float32, latentWidth, latentHeight, width, height int) (Image, error) {
	inputName := "latents"
	if info := l.decoder.InputInfo(); len(info) > 0 {
		inputName = info[0].Name
	}

	outputs, err := l.decoder.Run([]backends.NamedTensor{{
		Name:  inputName,
		Shape: []int64{1, latentChannels, int64(latentHeight), int64(latentWidth)},
		Data:  latents,
	}})
	if err != nil {
		return Image{}, fmt.Errorf("decoding latents: %w", err)
	}
	if len(outputs) == 0 {
		return Image{}, fmt.Errorf("decoder produced no outputs")
	}

	pixels := outputs[0].Floats()
	decodedWidth, decodedHeight, err := pixelDims(outputs[0].Shape, len(pixels), width, height)
	if err != nil {
		return Image{}, err
	}

	raster, err := rasterize(pixels, decodedWidth, decodedHeight)
	if err != nil {
		return Image{}, err
	}
	if decodedWidth != width || decodedHeight != height {
		raster = rescaleRGB(raster, decodedWidth, decodedHeight, width, height)
	}
	return Image{Width: width, Height: height, Pixels: raster}, nil
}

// encodePrompt tokenizes the prompt, pads or truncates to the encoder's
// fixed token length, and runs the text encoder once.
func (l *Loader) encodePrompt(prompt string) (*backends.NamedTensor, error) {
	ids := l.tok.Encode(prompt)
	if len(ids) == 0 {
		return nil, fmt.Errorf("prompt encoded to zero tokens")
	}
	if len(ids) > EncoderTokenLength {
		ids = ids[:EncoderTokenLength]
	}

	padded := make([]int64, EncoderTokenLength)
	padID := int64(l.tok.Specials().Pad)
	for i := range padded {
		if i < len(ids) {
			padded[i] = int64(ids[i])
		} else {
			padded[i] = padID
		}
	}

	inputName := "input_ids"
	if info := l.encoder.InputInfo(); len(info) > 0 {
		inputName = info[0].Name
	}
	outputs, err := l.encoder.Run([]backends.NamedTensor{{
		Name:  inputName,
		Shape: []int64{1, EncoderTokenLength},
		Data:  padded,
	}})
	if err != nil {
		return nil, fmt.Errorf("running text encoder: %w", err)
	}
	if len(outputs) == 0 || len(outputs[0].Floats()) == 0 {
		return nil, fmt.Errorf("text encoder produced no embedding")
	}
	return &outputs[0], nil
}

// pixelDims resolves the decoder output dimensions from its declared shape,
// falling back to the requested size and then to a square inference when the
// shape is dynamic.
func pixelDims(shape []int64, count, reqWidth, reqHeight int) (int, int, error) {
	var h, w int64
	switch len(shape) {
	case 4:
		h, w = shape[2], shape[3]
	case 3:
		h, w = shape[1], shape[2]
	}
	if h > 0 && w > 0 && int(h*w)*rasterChannels == count {
		return int(w), int(h), nil
	}

	if reqWidth*reqHeight*rasterChannels == count {
		return reqWidth, reqHeight, nil
	}

	if count%rasterChannels == 0 {
		edge := int(math.Sqrt(float64(count / rasterChannels)))
		if edge > 0 && edge*edge*rasterChannels == count {
			return edge, edge, nil
		}
	}
	return 0, 0, fmt.Errorf("cannot infer pixel dimensions from %d values", count)
}

func normalizeSize(v int) int {
	if v <= 0 {
		return DefaultSize
	}
	if v < 8 {
		return 8
	}
	return v &^ 7
}
