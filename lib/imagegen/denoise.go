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
	"fmt"
	"math/rand"

	"github.com/antflydb/fable/lib/backends"
)

const (
	// latentChannels is fixed for this class of latent diffusion model.
	latentChannels = 4

	// latentScale is the standard latent-space scale factor.
	latentScale = 0.18215

	// denoiseAlpha is the step coefficient of the simplified first-order
	// update. This is an intentional approximation of a proper multi-step
	// scheduler, not a bug; substitute a DDIM/PNDM integrator here if the
	// quality bar ever requires it.
	denoiseAlpha = 0.85

	// maxTimestep is the top of the descending timestep schedule.
	maxTimestep = 1000
)

// callConvention encodes how the loaded denoiser wants to be called.
// Exported models differ in how conditioning reaches the network, so the
// convention is probed once from the declared input count at load time and
// never re-probed per step.
type callConvention int

const (
	// convLatentsOnly: one input, the latent buffer.
	convLatentsOnly callConvention = iota + 1
	// convLatentsContext: latents plus one combined conditioning tensor.
	convLatentsContext
	// convLatentsTimestepEmbedding: latents, timestep, and text embedding
	// as three separate tensors.
	convLatentsTimestepEmbedding
)

func (c callConvention) needsEmbedding() bool {
	return c == convLatentsContext || c == convLatentsTimestepEmbedding
}

// probeConvention maps the denoiser's declared input count to a calling
// convention.
func probeConvention(session backends.Session) (callConvention, error) {
	n := len(session.InputInfo())
	switch n {
	case 1:
		return convLatentsOnly, nil
	case 2:
		return convLatentsContext, nil
	case 3:
		return convLatentsTimestepEmbedding, nil
	default:
		return 0, fmt.Errorf("denoiser declares %d inputs, want 1-3", n)
	}
}

// timestepSchedule returns a descending schedule linearly spaced from the
// maximum timestep down toward zero.
func timestepSchedule(steps int) []float32 {
	schedule := make([]float32, steps)
	for i := range schedule {
		schedule[i] = float32(maxTimestep) * float32(steps-i) / float32(steps)
	}
	return schedule
}

// initLatents fills a fresh latent buffer with uniform noise in [-1,1]
// scaled into latent space. Buffer length is latentChannels x latentHeight x
// latentWidth and holds at every denoising step.
func initLatents(rng *rand.Rand, latentWidth, latentHeight int) []float32 {
	latents := make([]float32, latentChannels*latentHeight*latentWidth)
	for i := range latents {
		latents[i] = float32((rng.Float64()*2 - 1) * latentScale)
	}
	return latents
}

// applyDenoiseStep moves the latents toward the clean image by the
// simplified first-order update.
func applyDenoiseStep(latents, noisePred []float32) error {
	if len(noisePred) != len(latents) {
		return fmt.Errorf("noise prediction length %d, want %d", len(noisePred), len(latents))
	}
	for i := range latents {
		latents[i] -= noisePred[i] * denoiseAlpha
	}
	return nil
}

// packDenoiserInputs assembles the denoiser inputs for one step according to
// the probed convention. Tensor names and the timestep element type follow
// the network's own declarations.
func packDenoiserInputs(session backends.Session, conv callConvention,
	latents []float32, latentWidth, latentHeight int,
	timestep float32, embedding *backends.NamedTensor) []backends.NamedTensor {

	info := session.InputInfo()
	latentShape := []int64{1, latentChannels, int64(latentHeight), int64(latentWidth)}

	inputs := []backends.NamedTensor{{
		Name:  info[0].Name,
		Shape: latentShape,
		Data:  latents,
	}}

	switch conv {
	case convLatentsContext:
		inputs = append(inputs, backends.NamedTensor{
			Name:  info[1].Name,
			Shape: embedding.Shape,
			Data:  embedding.Data,
		})
	case convLatentsTimestepEmbedding:
		inputs = append(inputs,
			timestepTensor(info[1], timestep),
			backends.NamedTensor{
				Name:  info[2].Name,
				Shape: embedding.Shape,
				Data:  embedding.Data,
			})
	}
	return inputs
}

func timestepTensor(info backends.TensorInfo, timestep float32) backends.NamedTensor {
	t := backends.NamedTensor{Name: info.Name, Shape: []int64{1}}
	if info.DataType == backends.DataTypeInt64 {
		t.Data = []int64{int64(timestep)}
	} else {
		t.Data = []float32{timestep}
	}
	return t
}
