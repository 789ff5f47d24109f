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

package imagegen

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/fable/lib/backends"
)

func sessionWithInputs(names ...string) *mockSession {
	infos := make([]backends.TensorInfo, len(names))
	for i, n := range names {
		infos[i] = backends.TensorInfo{Name: n, DataType: backends.DataTypeFloat32}
	}
	return &mockSession{inputs: infos}
}

func TestProbeConvention(t *testing.T) {
	conv, err := probeConvention(sessionWithInputs("latents"))
	require.NoError(t, err)
	assert.Equal(t, convLatentsOnly, conv)
	assert.False(t, conv.needsEmbedding())

	conv, err = probeConvention(sessionWithInputs("latents", "context"))
	require.NoError(t, err)
	assert.Equal(t, convLatentsContext, conv)
	assert.True(t, conv.needsEmbedding())

	conv, err = probeConvention(sessionWithInputs("latents", "timestep", "embedding"))
	require.NoError(t, err)
	assert.Equal(t, convLatentsTimestepEmbedding, conv)
	assert.True(t, conv.needsEmbedding())

	_, err = probeConvention(sessionWithInputs())
	assert.Error(t, err)
	_, err = probeConvention(sessionWithInputs("a", "b", "c", "d"))
	assert.Error(t, err)
}

func TestTimestepScheduleDescending(t *testing.T) {
	schedule := timestepSchedule(10)
	require.Len(t, schedule, 10)
	assert.Equal(t, float32(maxTimestep), schedule[0])
	for i := 1; i < len(schedule); i++ {
		assert.Less(t, schedule[i], schedule[i-1])
	}
	assert.Greater(t, schedule[len(schedule)-1], float32(0))
}

func TestInitLatentsShapeAndRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	latents := initLatents(rng, 8, 4)
	require.Len(t, latents, 4*4*8)
	for _, v := range latents {
		assert.LessOrEqual(t, v, float32(latentScale))
		assert.GreaterOrEqual(t, v, float32(-latentScale))
	}
}

func TestInitLatentsSeeded(t *testing.T) {
	a := initLatents(rand.New(rand.NewSource(3)), 4, 4)
	b := initLatents(rand.New(rand.NewSource(3)), 4, 4)
	assert.Equal(t, a, b)
}

func TestApplyDenoiseStep(t *testing.T) {
	latents := []float32{1, 0.5, -0.25}
	noise := []float32{0.2, 0.4, -0.1}
	require.NoError(t, applyDenoiseStep(latents, noise))
	assert.InDelta(t, 1-0.2*denoiseAlpha, float64(latents[0]), 1e-6)
	assert.InDelta(t, 0.5-0.4*denoiseAlpha, float64(latents[1]), 1e-6)
	assert.InDelta(t, -0.25+0.1*denoiseAlpha, float64(latents[2]), 1e-6)
}

func TestApplyDenoiseStepLengthMismatch(t *testing.T) {
	latents := []float32{1, 2}
	assert.Error(t, applyDenoiseStep(latents, []float32{1}))
	assert.Error(t, applyDenoiseStep(latents, nil))
}

func TestPackDenoiserInputsTimestepType(t *testing.T) {
	session := sessionWithInputs("latents", "t", "embedding")
	session.inputs[1].DataType = backends.DataTypeInt64
	embedding := &backends.NamedTensor{Name: "emb", Shape: []int64{1, 2}, Data: []float32{0, 0}}

	inputs := packDenoiserInputs(session, convLatentsTimestepEmbedding,
		make([]float32, 4*2*2), 2, 2, 980, embedding)
	require.Len(t, inputs, 3)
	assert.Equal(t, "latents", inputs[0].Name)
	assert.Equal(t, []int64{1, 4, 2, 2}, inputs[0].Shape)
	assert.Equal(t, []int64{980}, inputs[1].Data)
	assert.Equal(t, "embedding", inputs[2].Name)
}
