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

package backends

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	// gpuAvailable caches the detection result
	gpuAvailable     bool
	gpuAvailableOnce sync.Once
	gpuInfo          GPUInfo
)

// DetectGPU checks if hardware acceleration is available.
// Results are cached after the first call. The result is advisory: the
// acceleration selector treats it as a recommendation and always retains
// the CPU fallback.
func DetectGPU() GPUInfo {
	gpuAvailableOnce.Do(func() {
		gpuInfo = detectGPUImpl()
		gpuAvailable = gpuInfo.Available
	})
	return gpuInfo
}

// IsGPUAvailable returns true if hardware acceleration is available.
func IsGPUAvailable() bool {
	DetectGPU()
	return gpuAvailable
}

// RecommendedDevice returns the device the current host should try first.
func RecommendedDevice() DeviceType {
	info := DetectGPU()
	switch info.Type {
	case "cuda":
		return DeviceCUDA
	case "coreml":
		return DeviceCoreML
	default:
		return DeviceCPU
	}
}

// RecommendedThreads returns the thread count to request for CPU inference.
// Capped at 4: on-device models are small and oversubscription hurts more
// than it helps.
func RecommendedThreads() int {
	return min(runtime.NumCPU(), 4)
}

// detectGPUImpl performs actual detection based on platform.
func detectGPUImpl() GPUInfo {
	switch runtime.GOOS {
	case "darwin":
		// macOS always has CoreML available (Apple Silicon or Intel with ANE)
		return GPUInfo{
			Available: true,
			Type:      "coreml",
		}
	case "linux", "windows":
		return detectCUDA()
	default:
		return GPUInfo{Available: false, Type: "none"}
	}
}

// detectCUDA checks for NVIDIA CUDA availability.
func detectCUDA() GPUInfo {
	info := GPUInfo{Type: "none"}

	// Method 1: Try nvidia-smi command
	if nvidiaInfo := tryNvidiaSMI(); nvidiaInfo.Available {
		return nvidiaInfo
	}

	// Method 2: Check for CUDA libraries
	if cudaLibsExist() {
		info.Available = true
		info.Type = "cuda"
		info.DeviceName = "CUDA (libraries detected)"
		return info
	}

	return info
}

// tryNvidiaSMI attempts to run nvidia-smi to detect GPU.
func tryNvidiaSMI() GPUInfo {
	info := GPUInfo{Type: "none"}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: nvidiaSMI path comes from LookPath("nvidia-smi")
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	// Parse output (format: "GPU Name, Driver Version")
	parts := strings.Split(strings.TrimSpace(string(output)), ", ")
	info.Available = true
	info.Type = "cuda"
	if len(parts) >= 1 {
		info.DeviceName = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}

	return info
}

// cudaLibsExist checks if CUDA libraries are present.
func cudaLibsExist() bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}

	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		cudaPaths = append(strings.Split(ldPath, ":"), cudaPaths...)
	}

	// Look for libcudart (CUDA runtime)
	for _, dir := range cudaPaths {
		matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*"))
		if len(matches) > 0 {
			return true
		}
	}

	return false
}

// ShouldUseDevice determines if an accelerated device should be requested.
func ShouldUseDevice(d DeviceType) bool {
	switch d {
	case DeviceCPU:
		return false
	case DeviceCUDA, DeviceCoreML:
		return true // Forced, will fall back at load time if unavailable
	case DeviceAuto, "":
		return IsGPUAvailable()
	default:
		return IsGPUAvailable()
	}
}
