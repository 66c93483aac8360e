package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// StageMetadata describes one ONNX graph of the two-stage pipeline.
type StageMetadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	OutputShape []int64 `json:"output_shape"`
}

// Metadata is the sidecar document exported alongside the model artifacts.
// It records the preprocessing contract and the tensor names both graphs
// were exported with.
type Metadata struct {
	ImageSize   int           `json:"image_size"`
	PixelScale  float32       `json:"pixel_scale"`
	PixelOffset float32       `json:"pixel_offset"`
	Extractor   StageMetadata `json:"extractor"`
	Classifier  StageMetadata `json:"classifier"`
}

// DefaultMetadata matches the Xception export: 299x299 inputs scaled to
// [-1,1], a 2048-wide pooled embedding and a single sigmoid output.
func DefaultMetadata() Metadata {
	return Metadata{
		ImageSize:   299,
		PixelScale:  1.0 / 127.5,
		PixelOffset: -1,
		Extractor: StageMetadata{
			InputName:   "input",
			OutputName:  "output",
			OutputShape: []int64{1, 2048},
		},
		Classifier: StageMetadata{
			InputName:   "input",
			OutputName:  "output",
			OutputShape: []int64{1, 1},
		},
	}
}

// LoadMetadata reads the sidecar file, keeping defaults for any field the
// document omits.
func LoadMetadata(path string) (Metadata, error) {
	meta := DefaultMetadata()

	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read model metadata: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse model metadata: %w", err)
	}
	return meta, nil
}
