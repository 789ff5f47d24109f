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
	"fmt"

	"go.uber.org/zap"
)

// Acquire opens a session for the model file at modelPath, choosing an
// execution configuration once for the lifetime of the session.
//
// Selection walks the available backends in priority order. For each
// backend the recommended accelerated device is tried first; if session
// creation fails there, the same backend is retried with a plain CPU
// configuration. Failure of the accelerated path is an expected branch,
// not an error, and is logged at debug level only.
//
// The returned AccelProfile describes what was actually chosen. Acquire
// returns an error only when no backend can open the model at all.
func Acquire(modelPath string, logger *zap.Logger, opts ...SessionOption) (Session, AccelProfile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := ApplySessionOptions(opts...)
	device := cfg.Device
	if device == DeviceAuto || device == "" {
		device = RecommendedDevice()
	}
	threads := cfg.NumThreads
	if threads <= 0 {
		threads = RecommendedThreads()
	}

	available := ListAvailable()
	if len(available) == 0 {
		return nil, AccelProfile{}, fmt.Errorf("no inference backends registered in this build")
	}

	var lastErr error
	for _, b := range available {
		factory := b.SessionFactory()
		if factory == nil {
			continue
		}

		// Accelerated path first, when the capability probe recommends one.
		if device != DeviceCPU {
			session, err := factory.CreateSession(modelPath,
				WithSessionDevice(device),
				WithSessionThreads(threads))
			if err == nil {
				profile := AccelProfile{
					Backend:     b.Type(),
					Device:      device,
					Accelerated: true,
					NumThreads:  threads,
				}
				logger.Info("Opened accelerated session",
					zap.String("model", modelPath),
					zap.String("profile", profile.String()))
				return session, profile, nil
			}
			logger.Debug("Accelerated session unavailable, trying CPU",
				zap.String("model", modelPath),
				zap.String("backend", string(b.Type())),
				zap.String("device", string(device)),
				zap.Error(err))
			lastErr = err
		}

		session, err := factory.CreateSession(modelPath,
			WithSessionDevice(DeviceCPU),
			WithSessionThreads(threads))
		if err == nil {
			profile := AccelProfile{
				Backend:     b.Type(),
				Device:      DeviceCPU,
				Accelerated: false,
				NumThreads:  threads,
			}
			logger.Info("Opened CPU session",
				zap.String("model", modelPath),
				zap.String("profile", profile.String()))
			return session, profile, nil
		}
		logger.Warn("Backend failed to open model",
			zap.String("model", modelPath),
			zap.String("backend", string(b.Type())),
			zap.Error(err))
		lastErr = err
	}

	return nil, AccelProfile{}, fmt.Errorf("opening %s: all backends failed: %w", modelPath, lastErr)
}
