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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	closed bool
}

func (s *fakeSession) Run(inputs []NamedTensor) ([]NamedTensor, error) { return nil, nil }
func (s *fakeSession) InputInfo() []TensorInfo                         { return nil }
func (s *fakeSession) OutputInfo() []TensorInfo                        { return nil }
func (s *fakeSession) Close() error                                    { s.closed = true; return nil }

type fakeFactory struct {
	backendType BackendType
	// devices that CreateSession rejects
	reject map[DeviceType]bool
	// records the config of the last successful CreateSession
	lastConfig *SessionConfig
	failAll    bool
}

func (f *fakeFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	cfg := ApplySessionOptions(opts...)
	if f.failAll || f.reject[cfg.Device] {
		return nil, errors.New("device unavailable")
	}
	f.lastConfig = cfg
	return &fakeSession{}, nil
}

func (f *fakeFactory) Backend() BackendType { return f.backendType }

type fakeBackend struct {
	backendType BackendType
	available   bool
	priority    int
	factory     *fakeFactory
}

func (b *fakeBackend) Type() BackendType              { return b.backendType }
func (b *fakeBackend) Name() string                   { return "fake (" + string(b.backendType) + ")" }
func (b *fakeBackend) Available() bool                { return b.available }
func (b *fakeBackend) Priority() int                  { return b.priority }
func (b *fakeBackend) SessionFactory() SessionFactory { return b.factory }

func registerFake(t *testing.T, b *fakeBackend) {
	t.Helper()
	RegisterBackend(b)
	t.Cleanup(func() { UnregisterBackend(b.backendType) })
}

func TestRegistryLookup(t *testing.T) {
	b := &fakeBackend{backendType: BackendGo, available: true, priority: 100,
		factory: &fakeFactory{backendType: BackendGo}}
	registerFake(t, b)

	got, ok := GetBackend(BackendGo)
	require.True(t, ok)
	assert.Equal(t, BackendGo, got.Type())

	_, ok = GetBackend(BackendType("missing"))
	assert.False(t, ok)
}

func TestListAvailableSkipsUnavailable(t *testing.T) {
	registerFake(t, &fakeBackend{backendType: BackendGo, available: false, priority: 100,
		factory: &fakeFactory{backendType: BackendGo}})

	for _, b := range ListAvailable() {
		assert.NotEqual(t, BackendGo, b.Type())
	}
}

func TestDefaultBackendFollowsPriority(t *testing.T) {
	onnx := &fakeBackend{backendType: BackendONNX, available: true, priority: 10,
		factory: &fakeFactory{backendType: BackendONNX}}
	goFallback := &fakeBackend{backendType: BackendGo, available: true, priority: 100,
		factory: &fakeFactory{backendType: BackendGo}}
	registerFake(t, onnx)
	registerFake(t, goFallback)

	def := GetDefaultBackend()
	require.NotNil(t, def)
	assert.Equal(t, BackendONNX, def.Type())

	SetPriority([]BackendType{BackendGo, BackendONNX})
	t.Cleanup(func() { SetPriority(nil) })

	def = GetDefaultBackend()
	require.NotNil(t, def)
	assert.Equal(t, BackendGo, def.Type())
}

func TestGetBackendWithFallback(t *testing.T) {
	goFallback := &fakeBackend{backendType: BackendGo, available: true, priority: 100,
		factory: &fakeFactory{backendType: BackendGo}}
	registerFake(t, goFallback)

	b, got, err := GetBackendWithFallback(BackendONNX)
	require.NoError(t, err)
	assert.Equal(t, BackendGo, got)
	assert.Equal(t, BackendGo, b.Type())
}

func TestParseBackendType(t *testing.T) {
	got, err := ParseBackendType("ONNX")
	require.NoError(t, err)
	assert.Equal(t, BackendONNX, got)

	_, err = ParseBackendType("tensorflow")
	assert.Error(t, err)
}

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceType
	}{
		{"auto", DeviceAuto},
		{"", DeviceAuto},
		{"CUDA", DeviceCUDA},
		{"gpu", DeviceCUDA},
		{"coreml", DeviceCoreML},
		{"cpu", DeviceCPU},
		{"off", DeviceCPU},
	}
	for _, tt := range tests {
		got, err := ParseDeviceType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDeviceType("tpu")
	assert.Error(t, err)
}

func TestAcquireNoBackends(t *testing.T) {
	// The default build registers no backends, so with only an unavailable
	// fake present Acquire must fail outright.
	registerFake(t, &fakeBackend{backendType: BackendGo, available: false, priority: 100,
		factory: &fakeFactory{backendType: BackendGo}})

	_, _, err := Acquire("model.onnx", zap.NewNop())
	assert.Error(t, err)
}

func TestAcquireFallsBackToCPU(t *testing.T) {
	factory := &fakeFactory{
		backendType: BackendGo,
		reject:      map[DeviceType]bool{DeviceCUDA: true, DeviceCoreML: true},
	}
	registerFake(t, &fakeBackend{backendType: BackendGo, available: true, priority: 100, factory: factory})

	session, profile, err := Acquire("model.onnx", zap.NewNop(),
		WithSessionDevice(DeviceCUDA), WithSessionThreads(2))
	require.NoError(t, err)
	defer session.Close()

	assert.False(t, profile.Accelerated)
	assert.Equal(t, DeviceCPU, profile.Device)
	assert.Equal(t, BackendGo, profile.Backend)
	assert.Equal(t, 2, profile.NumThreads)
	require.NotNil(t, factory.lastConfig)
	assert.Equal(t, DeviceCPU, factory.lastConfig.Device)
}

func TestAcquireAcceleratedProfile(t *testing.T) {
	factory := &fakeFactory{backendType: BackendGo}
	registerFake(t, &fakeBackend{backendType: BackendGo, available: true, priority: 100, factory: factory})

	session, profile, err := Acquire("model.onnx", zap.NewNop(),
		WithSessionDevice(DeviceCUDA), WithSessionThreads(3))
	require.NoError(t, err)
	defer session.Close()

	assert.True(t, profile.Accelerated)
	assert.Equal(t, DeviceCUDA, profile.Device)
	assert.Equal(t, 3, profile.NumThreads)
	assert.Equal(t, "go:cuda/3", profile.String())
}

func TestAcquireAllDevicesFail(t *testing.T) {
	factory := &fakeFactory{backendType: BackendGo, failAll: true}
	registerFake(t, &fakeBackend{backendType: BackendGo, available: true, priority: 100, factory: factory})

	_, _, err := Acquire("model.onnx", zap.NewNop())
	assert.Error(t, err)
}

func TestAcquireDefaultThreads(t *testing.T) {
	factory := &fakeFactory{backendType: BackendGo}
	registerFake(t, &fakeBackend{backendType: BackendGo, available: true, priority: 100, factory: factory})

	session, profile, err := Acquire("model.onnx", zap.NewNop(), WithSessionDevice(DeviceCPU))
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, RecommendedThreads(), profile.NumThreads)
	assert.GreaterOrEqual(t, profile.NumThreads, 1)
}
