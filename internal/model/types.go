package model

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrModelLoading is returned while the classifier is still being loaded.
	ErrModelLoading = errors.New("model is still loading")

	// ErrModelNotLoaded is returned when no classifier is available, either
	// because loading never started or because it failed.
	ErrModelNotLoaded = errors.New("model not loaded")

	// ErrInputSize is returned when a raw tensor has the wrong length.
	ErrInputSize = errors.New("input size does not match model")
)

// Classifier ranks the labels of a model against an image.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (Result, error)
}

type Metadata struct {
	InputShape  []int64   `json:"input_shape"`
	OutputShape []int64   `json:"output_shape"`
	Classes     []string  `json:"classes"`
	ImageSize   int       `json:"image_size"`
	InputName   string    `json:"input_name,omitempty"`
	OutputName  string    `json:"output_name,omitempty"`
	Layout      string    `json:"layout,omitempty"`
	Mean        []float32 `json:"mean,omitempty"`
	Std         []float32 `json:"std,omitempty"`
	Softmax     bool      `json:"softmax,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
}

const (
	LayoutNCHW = "NCHW"
	LayoutNHWC = "NHWC"

	defaultTopK = 3
)

func (m Metadata) withDefaults() Metadata {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Layout == "" {
		m.Layout = LayoutNCHW
	}
	if m.TopK <= 0 {
		m.TopK = defaultTopK
	}
	return m
}

func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range m.InputShape {
		size *= int(dim)
	}
	return size
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// Result is ordered by descending confidence.
type Result []Prediction

func (r Result) Best() (Prediction, bool) {
	if len(r) == 0 {
		return Prediction{}, false
	}
	return r[0], true
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string  `json:"class"`
	Confidence  float32 `json:"confidence"`
	Predictions Result  `json:"predictions"`
}

// NewPredictionResponse wraps a ranked result for the JSON API.
func NewPredictionResponse(r Result) *PredictionResponse {
	resp := &PredictionResponse{Predictions: r}
	if best, ok := r.Best(); ok {
		resp.Class = best.Label
		resp.Confidence = best.Confidence
	}
	if resp.Predictions == nil {
		resp.Predictions = Result{}
	}
	return resp
}
