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

// Package textgen implements autoregressive text generation over an opaque
// inference session.
//
// The Loader owns a single model handle and a tokenizer. Generate runs the
// decoding loop: forward pass over a fixed-length context window, temperature
// sampling from the last real token's logits row, sliding-window context
// maintenance, and an end-of-sequence stopping condition. Every failure mode
// degrades to a deterministic placeholder story instead of surfacing an
// error, so a missing model never crashes the caller.
package textgen

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/fable/lib/backends"
	"github.com/antflydb/fable/lib/tokenizer"
)

const (
	// DefaultContextLength is the model context window used when the
	// config does not override it.
	DefaultContextLength = 128

	// DefaultMaxTokens bounds generation when the request does not set a
	// budget.
	DefaultMaxTokens = 128
)

// Config configures a text generation Loader.
type Config struct {
	// ModelPath is the decoder model file.
	ModelPath string

	// Tokenizer data. All optional; construction degrades per the
	// tokenizer package contract.
	VocabPath  string
	MergesPath string
	Encoding   string

	// ContextLength overrides DefaultContextLength.
	ContextLength int

	// Device and NumThreads are passed through to session acquisition.
	Device     backends.DeviceType
	NumThreads int
}

// Request holds the parameters of one generation call.
type Request struct {
	Prompt      string
	MaxTokens   int
	Temperature float64

	// Seed fixes the sampling source for reproducible output.
	// Zero selects wall-clock entropy.
	Seed int64
}

// FinishReason records why generation stopped.
type FinishReason string

const (
	// FinishStop means the model emitted the end-of-sequence token.
	FinishStop FinishReason = "stop"
	// FinishLength means the token budget was exhausted.
	FinishLength FinishReason = "length"
	// FinishCanceled means the context was canceled between steps.
	FinishCanceled FinishReason = "canceled"
	// FinishDegraded means real generation could not run and the result
	// is the placeholder story.
	FinishDegraded FinishReason = "degraded"
)

// Result is the outcome of one Generate call. Text is never empty.
type Result struct {
	Text         string
	TokensUsed   int
	FinishReason FinishReason

	// Degraded marks placeholder output. Hash-strategy decodes are also
	// flagged since their text is not recoverable prose.
	Degraded bool
}

type loaderState int32

const (
	stateUnloaded loaderState = iota
	stateLoading
	stateReady
)

// Loader owns the text generation pipeline: one model session plus a
// tokenizer. The zero value is not usable; construct with NewLoader.
//
// A single mutex serializes lifecycle transitions and generation, giving
// at-most-one-concurrent-generation semantics: a second Generate call blocks
// until the first completes.
type Loader struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	state   loaderState
	session backends.Session
	profile backends.AccelProfile
	tok     *tokenizer.Tokenizer
}

// NewLoader builds a Loader. No model work happens until Load or the first
// Generate.
func NewLoader(cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, logger: logger}
}

// Load acquires the model session and constructs the tokenizer. Idempotent:
// calling Load on a ready loader is a no-op.
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

	session, profile, err := backends.Acquire(l.cfg.ModelPath, l.logger,
		backends.WithSessionDevice(l.cfg.Device),
		backends.WithSessionThreads(l.cfg.NumThreads))
	if err != nil {
		l.state = stateUnloaded
		return fmt.Errorf("loading text model %q: %w", l.cfg.ModelPath, err)
	}

	tok := tokenizer.New(tokenizer.Config{
		VocabPath:  l.cfg.VocabPath,
		MergesPath: l.cfg.MergesPath,
		Encoding:   l.cfg.Encoding,
	}, l.logger)

	l.session = session
	l.profile = profile
	l.tok = tok
	l.state = stateReady

	l.logger.Info("Text model loaded",
		zap.String("model", l.cfg.ModelPath),
		zap.String("profile", profile.String()),
		zap.String("tokenizer", string(tok.Strategy())))
	return nil
}

// Unload releases the model session and clears the tokenizer. Safe to call
// when already unloaded. A later Generate reloads automatically.
func (l *Loader) Unload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.session != nil {
		if err := l.session.Close(); err != nil {
			l.logger.Warn("Closing text session", zap.Error(err))
		}
		l.session = nil
	}
	l.tok = nil
	l.profile = backends.AccelProfile{}
	l.state = stateUnloaded
}

// IsLoaded reports whether the loader is ready to generate.
func (l *Loader) IsLoaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateReady
}

// Profile returns the acceleration profile of the loaded session. Zero
// valued when unloaded.
func (l *Loader) Profile() backends.AccelProfile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.profile
}

// Generate produces text for the prompt. Not ready means load first; a load
// failure, an empty encoding, or an empty decode all return the placeholder
// story rather than an error. The only error returned is context
// cancellation, alongside the partial result accumulated so far.
func (l *Loader) Generate(ctx context.Context, req Request) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateReady {
		if err := l.loadLocked(); err != nil {
			l.logger.Warn("Text generation degraded to placeholder", zap.Error(err))
			return placeholderResult(req.Prompt), nil
		}
	}

	ids := l.tok.Encode(req.Prompt)
	// Drop the appended end-of-sequence id so generation continues past
	// the prompt instead of stopping on its own terminator.
	if n := len(ids); n > 0 && ids[n-1] == l.tok.EOS() {
		ids = ids[:n-1]
	}
	if len(ids) == 0 {
		l.logger.Warn("Prompt encoded to zero tokens, using placeholder",
			zap.String("prompt", req.Prompt))
		return placeholderResult(req.Prompt), nil
	}

	contextLen := l.contextLength()
	if len(ids) > contextLen {
		ids = ids[len(ids)-contextLen:]
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	finish := FinishLength
	generated := make([]int32, 0, maxTokens)
	for step := 0; step < maxTokens; step++ {
		if err := ctx.Err(); err != nil {
			return l.finish(req.Prompt, generated, FinishCanceled), err
		}

		logits, err := l.forward(ids)
		if err != nil {
			l.logger.Warn("Forward pass failed, stopping generation",
				zap.Int("step", step), zap.Error(err))
			finish = FinishDegraded
			break
		}

		next := int32(sampleToken(logits, req.Temperature, rng))
		if next == l.tok.EOS() {
			finish = FinishStop
			break
		}

		generated = append(generated, next)
		ids = append(ids, next)
		if len(ids) > contextLen {
			// Sliding window: drop the oldest token.
			ids = ids[1:]
		}
	}

	return l.finish(req.Prompt, generated, finish), nil
}

// finish decodes the generated ids into the final result, substituting the
// placeholder when decode yields nothing.
func (l *Loader) finish(prompt string, generated []int32, reason FinishReason) Result {
	text := l.tok.Decode(generated)
	if strings.TrimSpace(text) == "" {
		return placeholderResult(prompt)
	}
	return Result{
		Text:         text,
		TokensUsed:   len(generated),
		FinishReason: reason,
		Degraded:     reason == FinishDegraded || l.tok.Strategy() == tokenizer.StrategyHash,
	}
}

// forward runs one decoding step: the context ids padded to the full window,
// one session run, and the logits row of the last real token.
func (l *Loader) forward(ids []int32) ([]float32, error) {
	contextLen := l.contextLength()

	padded := make([]int64, contextLen)
	padID := int64(l.tok.Specials().Pad)
	for i := range padded {
		if i < len(ids) {
			padded[i] = int64(ids[i])
		} else {
			padded[i] = padID
		}
	}

	inputs := []backends.NamedTensor{{
		Name:  l.inputName(),
		Shape: []int64{1, int64(contextLen)},
		Data:  padded,
	}}
	if l.wantsAttentionMask() {
		mask := make([]int64, contextLen)
		for i := range ids {
			mask[i] = 1
		}
		inputs = append(inputs, backends.NamedTensor{
			Name:  "attention_mask",
			Shape: []int64{1, int64(contextLen)},
			Data:  mask,
		})
	}

	outputs, err := l.session.Run(inputs)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("model produced no outputs")
	}

	logits := outputs[0].Floats()
	if len(logits) == 0 || len(logits)%contextLen != 0 {
		return nil, fmt.Errorf("unexpected logits length %d for context %d",
			len(logits), contextLen)
	}

	vocabSize := len(logits) / contextLen
	row := len(ids) - 1
	return logits[row*vocabSize : (row+1)*vocabSize], nil
}

func (l *Loader) inputName() string {
	if info := l.session.InputInfo(); len(info) > 0 {
		return info[0].Name
	}
	return "input_ids"
}

func (l *Loader) wantsAttentionMask() bool {
	for _, info := range l.session.InputInfo() {
		if info.Name == "attention_mask" {
			return true
		}
	}
	return false
}

func (l *Loader) contextLength() int {
	if l.cfg.ContextLength > 0 {
		return l.cfg.ContextLength
	}
	return DefaultContextLength
}

func placeholderResult(prompt string) Result {
	return Result{
		Text:         PlaceholderStory(prompt),
		FinishReason: FinishDegraded,
		Degraded:     true,
	}
}

// PlaceholderStory is the deterministic stand-in returned when on-device
// generation cannot run. It always contains the prompt so callers and tests
// can tell it apart from model output.
func PlaceholderStory(prompt string) string {
	subject := strings.TrimSpace(prompt)
	if subject == "" {
		subject = "a quiet adventure"
	}
	return fmt.Sprintf("Once upon a time, there was a tale about %s. "+
		"The storyteller has not finished warming up, so here is a stand-in: "+
		"%s set out one morning, wandered a little world, found one small wonder, "+
		"and came home smiling. The end.", subject, subject)
}
