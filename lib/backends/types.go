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

// Package backends provides a unified interface for running neural network
// inference sessions with multi-backend support.
//
// A backend wraps a low-level execution runtime (ONNX Runtime, or nothing at
// all in a pure-Go build) behind the narrow Session contract: shape
// introspection plus a synchronous Run. Backends self-register via init()
// and are consulted once per model load by the acceleration selector in
// accel.go, which falls back to a plain CPU configuration when no
// accelerated path is usable.
//
// Build example:
//
//	go build -tags="onnx,ORT" ./cmd/fable
//
// Without build tags no backend registers and every load fails; the
// pipelines above this package are required to survive that by degrading.
package backends

import "fmt"

// BackendType identifies the inference backend
type BackendType string

const (
	// BackendONNX is the ONNX Runtime backend - fast CPU/GPU inference
	BackendONNX BackendType = "onnx"

	// BackendGo identifies pure Go session implementations. No production
	// backend registers under this type; it is used by in-process fakes.
	BackendGo BackendType = "go"
)

// DeviceType identifies the hardware device for inference
type DeviceType string

const (
	// DeviceAuto auto-detects the best available device (default)
	DeviceAuto DeviceType = "auto"

	// DeviceCUDA uses NVIDIA CUDA GPU
	DeviceCUDA DeviceType = "cuda"

	// DeviceCoreML uses Apple CoreML (macOS only)
	DeviceCoreML DeviceType = "coreml"

	// DeviceCPU forces CPU-only inference
	DeviceCPU DeviceType = "cpu"
)

// GPUInfo contains information about the detected accelerator
type GPUInfo struct {
	Available  bool   `json:"available"`
	Type       string `json:"type"` // "cuda", "coreml", "none"
	DeviceName string `json:"device_name,omitempty"`
	DriverVer  string `json:"driver_version,omitempty"`
}

// AccelProfile records the execution configuration chosen for a loaded
// model. It is attached to a session at load time and is informational
// only: the pipelines log it but never branch on it.
type AccelProfile struct {
	Backend     BackendType `json:"backend"`
	Device      DeviceType  `json:"device"`
	Accelerated bool        `json:"accelerated"`
	NumThreads  int         `json:"num_threads"`
}

// String returns a compact representation for logging (e.g. "onnx:cuda/4").
func (p AccelProfile) String() string {
	return fmt.Sprintf("%s:%s/%d", p.Backend, p.Device, p.NumThreads)
}
