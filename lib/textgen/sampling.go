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
	"math"
	"math/rand"
)

// Exponent arguments are clamped to this range before exp so a pathological
// logits vector can never overflow to +Inf and poison the distribution.
const (
	expClampMin = -50.0
	expClampMax = 50.0
)

// softmax converts logits into a probability distribution using the
// max-subtraction trick. Returns nil when the distribution degenerates
// (zero or non-finite sum); callers fall back to argmax.
func softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		arg := float64(v - maxLogit)
		if arg < expClampMin {
			arg = expClampMin
		} else if arg > expClampMax {
			arg = expClampMax
		}
		probs[i] = math.Exp(arg)
		sum += probs[i]
	}

	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// sampleToken draws a token index from the temperature-scaled distribution
// over logits via inverse-CDF sampling. A non-positive temperature, a
// degenerate distribution, or a cumulative walk that fails to select all
// fall back to argmax, so the returned index is always in [0, len(logits)).
func sampleToken(logits []float32, temperature float64, rng *rand.Rand) int {
	if temperature <= 0 {
		return argmax(logits)
	}

	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = float32(float64(v) / temperature)
	}

	probs := softmax(scaled)
	if probs == nil {
		return argmax(logits)
	}

	r := rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	// Floating-point rounding can leave cum fractionally below 1.
	return argmax(logits)
}

func argmax(logits []float32) int {
	// NaN entries are skipped so they never win or block comparisons.
	best := -1
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > logits[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}
