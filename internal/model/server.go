package model

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ServerConfig locates the model files and the ONNX Runtime library.
type ServerConfig struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath overrides the onnxruntime shared library location.
	LibraryPath string
}

// Server runs an ONNX image classifier. A single session with preallocated
// tensors is shared, so runs are serialized.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// LoadMetadata reads the JSON sidecar that describes a model.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if len(metadata.Classes) == 0 {
		return Metadata{}, fmt.Errorf("metadata %s lists no classes", path)
	}
	if len(metadata.InputShape) == 0 || len(metadata.OutputShape) == 0 {
		return Metadata{}, fmt.Errorf("metadata %s is missing tensor shapes", path)
	}
	return metadata.withDefaults(), nil
}

func NewServer(cfg ServerConfig) (*Server, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict runs the model on a raw input tensor.
func (s *Server) Predict(inputData []float32) (Result, error) {
	if len(inputData) != s.Metadata.InputSize() {
		return nil, fmt.Errorf("%w: expected %d values, got %d",
			ErrInputSize, s.Metadata.InputSize(), len(inputData))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrModelNotLoaded
	}

	copy(s.inputTensor.GetData(), inputData)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return Rank(s.outputTensor.GetData(), s.Metadata.Classes, s.Metadata.TopK, s.Metadata.Softmax), nil
}

func (s *Server) Classify(ctx context.Context, img image.Image) (Result, error) {
	inputData, err := Preprocess(img, s.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Predict(inputData)
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	ort.DestroyEnvironment()
}
