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

package textgen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antflydb/fable/lib/backends"
)

// Test vocabulary: ids 0-3 are specials, 4-9 are words. Pad is 3, so the
// scripted session can spot the padded tail of each context window.
const testVocabJSON = `{
	"<unk>": 0, "<s>": 1, "</s>": 2, "<pad>": 3,
	"a": 4, "sleepy": 5, "fox": 6, "ran": 7, "far": 8, "home": 9
}`

const testVocabSize = 10

// scriptSession favors one token id per successive Run call, at every logits
// row, so the loader's row extraction always sees the scripted token. The
// last script entry repeats once the script is exhausted.
type scriptSession struct {
	contextLen int
	script     []int32
	failAt     int // 1-based Run call that errors; 0 = never
	runs       int
	realLens   []int
	closed     bool
}

func (s *scriptSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	s.runs++
	if s.failAt > 0 && s.runs >= s.failAt {
		return nil, assert.AnError
	}

	ids, ok := inputs[0].Data.([]int64)
	if !ok {
		return nil, assert.AnError
	}

	real := 0
	for _, id := range ids {
		if id == 3 {
			break
		}
		real++
	}
	s.realLens = append(s.realLens, real)

	step := len(s.realLens) - 1
	if step >= len(s.script) {
		step = len(s.script) - 1
	}
	favored := s.script[step]

	logits := make([]float32, s.contextLen*testVocabSize)
	for row := 0; row < s.contextLen; row++ {
		logits[row*testVocabSize+int(favored)] = 10
	}
	return []backends.NamedTensor{{
		Name:  "logits",
		Shape: []int64{1, int64(s.contextLen), testVocabSize},
		Data:  logits,
	}}, nil
}

func (s *scriptSession) InputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "input_ids", DataType: backends.DataTypeInt64}}
}

func (s *scriptSession) OutputInfo() []backends.TensorInfo {
	return []backends.TensorInfo{{Name: "logits", DataType: backends.DataTypeFloat32}}
}

func (s *scriptSession) Close() error {
	s.closed = true
	return nil
}

// scriptBackend is both Backend and SessionFactory, handing out the
// configured session.
type scriptBackend struct {
	session     backends.Session
	createCount int
}

func (b *scriptBackend) Type() backends.BackendType { return backends.BackendGo }
func (b *scriptBackend) Name() string               { return "scripted" }
func (b *scriptBackend) Available() bool            { return true }
func (b *scriptBackend) Priority() int              { return 100 }
func (b *scriptBackend) SessionFactory() backends.SessionFactory {
	return b
}

func (b *scriptBackend) CreateSession(modelPath string, opts ...backends.SessionOption) (backends.Session, error) {
	b.createCount++
	return b.session, nil
}

func (b *scriptBackend) Backend() backends.BackendType { return backends.BackendGo }

func useBackend(t *testing.T, b *scriptBackend) {
	t.Helper()
	backends.RegisterBackend(b)
	t.Cleanup(func() { backends.UnregisterBackend(backends.BackendGo) })
}

func testConfig(t *testing.T, contextLen int) Config {
	t.Helper()
	vocabPath := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, os.WriteFile(vocabPath, []byte(testVocabJSON), 0o644))
	return Config{
		ModelPath:     "model.onnx",
		VocabPath:     vocabPath,
		ContextLength: contextLen,
	}
}

func TestGeneratePlaceholderWhenNoBackend(t *testing.T) {
	// No backend registered: load fails, generate must fall back to the
	// placeholder without hanging or erroring.
	loader := NewLoader(testConfig(t, 8), zap.NewNop())

	result, err := loader.Generate(context.Background(), Request{
		Prompt:      "a sleepy fox",
		MaxTokens:   50,
		Temperature: 0.8,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Text)
	assert.Contains(t, result.Text, "a sleepy fox")
	assert.True(t, result.Degraded)
	assert.Equal(t, FinishDegraded, result.FinishReason)
	assert.False(t, loader.IsLoaded())
}

func TestGenerateStopsAtEOS(t *testing.T) {
	session := &scriptSession{contextLen: 8, script: []int32{7, 8, 2}} // ran, far, </s>
	useBackend(t, &scriptBackend{session: session})

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(context.Background(), Request{
		Prompt:    "a sleepy fox",
		MaxTokens: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, "ran far", result.Text)
	assert.Equal(t, 2, result.TokensUsed)
	assert.Equal(t, FinishStop, result.FinishReason)
	assert.False(t, result.Degraded)
}

func TestForwardFailureAtFirstStepYieldsPlaceholder(t *testing.T) {
	session := &scriptSession{contextLen: 8, script: []int32{7}, failAt: 1}
	useBackend(t, &scriptBackend{session: session})

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(context.Background(), Request{
		Prompt:    "a sleepy fox",
		MaxTokens: 10,
	})
	require.NoError(t, err)
	assert.Contains(t, result.Text, "a sleepy fox")
	assert.Equal(t, FinishDegraded, result.FinishReason)
	assert.True(t, result.Degraded)
	assert.Zero(t, result.TokensUsed)
}

func TestForwardFailureMidGenerationMarksDegraded(t *testing.T) {
	// Two good steps, then the session errors. The partial text survives
	// but the result must not claim the token budget ran out.
	session := &scriptSession{contextLen: 8, script: []int32{7, 8, 9}, failAt: 3}
	useBackend(t, &scriptBackend{session: session})

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(context.Background(), Request{
		Prompt:    "a sleepy fox",
		MaxTokens: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "ran far", result.Text)
	assert.Equal(t, 2, result.TokensUsed)
	assert.Equal(t, FinishDegraded, result.FinishReason)
	assert.True(t, result.Degraded)
}

func TestContextWindowInvariant(t *testing.T) {
	// The script never emits EOS, so generation runs the full budget and
	// the context must slide instead of growing.
	session := &scriptSession{contextLen: 8, script: []int32{4}}
	useBackend(t, &scriptBackend{session: session})

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(context.Background(), Request{
		Prompt:    "a sleepy fox",
		MaxTokens: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, result.TokensUsed)
	assert.Equal(t, FinishLength, result.FinishReason)

	require.Len(t, session.realLens, 30)
	for step, n := range session.realLens {
		assert.LessOrEqual(t, n, 8, "step %d", step)
		assert.Greater(t, n, 0, "step %d", step)
	}
}

func TestIdempotentLoad(t *testing.T) {
	backend := &scriptBackend{session: &scriptSession{contextLen: 8, script: []int32{2}}}
	useBackend(t, backend)

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	require.NoError(t, loader.Load())
	require.NoError(t, loader.Load())
	assert.Equal(t, 1, backend.createCount)
	assert.True(t, loader.IsLoaded())
}

func TestUnloadReleasesSessionAndGenerateReloads(t *testing.T) {
	session := &scriptSession{contextLen: 8, script: []int32{7, 2}}
	backend := &scriptBackend{session: session}
	useBackend(t, backend)

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	require.NoError(t, loader.Load())
	loader.Unload()
	assert.True(t, session.closed)
	assert.False(t, loader.IsLoaded())

	// Unload again: must be a no-op.
	loader.Unload()

	result, err := loader.Generate(context.Background(), Request{Prompt: "fox"})
	require.NoError(t, err)
	assert.Equal(t, 2, backend.createCount)
	assert.NotEmpty(t, result.Text)
	assert.True(t, loader.IsLoaded())
}

func TestEmptyPromptUsesPlaceholder(t *testing.T) {
	session := &scriptSession{contextLen: 8, script: []int32{2}}
	useBackend(t, &scriptBackend{session: session})

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(context.Background(), Request{Prompt: "   "})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.Text)
	assert.Empty(t, session.realLens, "no forward pass should run for an empty encoding")
}

func TestGenerateCanceledContext(t *testing.T) {
	session := &scriptSession{contextLen: 8, script: []int32{4}}
	useBackend(t, &scriptBackend{session: session})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loader := NewLoader(testConfig(t, 8), zap.NewNop())
	result, err := loader.Generate(ctx, Request{Prompt: "a sleepy fox", MaxTokens: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, result.Text)
}

func TestPlaceholderStoryDeterministic(t *testing.T) {
	first := PlaceholderStory("calm ocean")
	assert.Equal(t, first, PlaceholderStory("calm ocean"))
	assert.Contains(t, first, "calm ocean")
	assert.NotEmpty(t, PlaceholderStory(""))
}
