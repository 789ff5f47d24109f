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

import "github.com/prometheus/client_golang/prometheus"

var (
	textRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "text_request_ops_total",
			Help:      "The total number of text generation requests.",
		},
		[]string{"status"},
	)
	tokenGenerationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "token_generation_ops_total",
			Help:      "The total number of tokens generated.",
		},
	)

	imageRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "image_request_ops_total",
			Help:      "The total number of image generation requests.",
		},
		[]string{"status"},
	)
	imageCreationOps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "image_creation_ops_total",
			Help:      "The total number of images generated.",
		},
	)

	degradedResultOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "degraded_result_ops_total",
			Help:      "The total number of placeholder or partial results served.",
		},
		[]string{"pipeline"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a pipeline's models.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"pipeline"},
	)

	loadedPipelines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "antfly",
			Subsystem: "fable",
			Name:      "loaded_pipelines",
			Help:      "Whether a pipeline's models are currently loaded (1 or 0).",
		},
		[]string{"pipeline"},
	)
)

func init() {
	prometheus.MustRegister(textRequestOps)
	prometheus.MustRegister(tokenGenerationOps)
	prometheus.MustRegister(imageRequestOps)
	prometheus.MustRegister(imageCreationOps)
	prometheus.MustRegister(degradedResultOps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(loadedPipelines)
}

// RecordTextRequest increments the text request counter
func RecordTextRequest(status string) {
	textRequestOps.WithLabelValues(status).Inc()
}

// RecordTokenGeneration records the number of tokens generated
func RecordTokenGeneration(count int) {
	tokenGenerationOps.Add(float64(count))
}

// RecordImageRequest increments the image request counter
func RecordImageRequest(status string) {
	imageRequestOps.WithLabelValues(status).Inc()
}

// RecordImageCreation records the number of images generated
func RecordImageCreation(count int) {
	imageCreationOps.Add(float64(count))
}

// RecordDegradedResult increments the degraded result counter
func RecordDegradedResult(pipeline string) {
	degradedResultOps.WithLabelValues(pipeline).Inc()
}

// RecordModelLoadDuration records how long it took to load a pipeline
func RecordModelLoadDuration(pipeline string, seconds float64) {
	modelLoadDuration.WithLabelValues(pipeline).Observe(seconds)
}

// SetPipelineLoaded updates the loaded gauge for a pipeline
func SetPipelineLoaded(pipeline string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1.0
	}
	loadedPipelines.WithLabelValues(pipeline).Set(v)
}
