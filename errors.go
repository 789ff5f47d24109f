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

package fable

import "errors"

// Error taxonomy of the engine. Lower layers absorb failures and return
// degraded-but-valid results, so these mostly annotate explicit Load calls;
// only ErrLifecycle surfaces from the generation paths, and only after the
// engine has been closed.
var (
	// ErrModelLoad wraps a failure to load a model bundle or its backend.
	ErrModelLoad = errors.New("model load failed")

	// ErrLifecycle marks calls against a closed engine.
	ErrLifecycle = errors.New("engine is closed")
)
