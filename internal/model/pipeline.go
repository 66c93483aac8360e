package model

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/image-validity/internal/imageprocessor"
)

// Options locates the model artifacts on disk. RuntimeLibPath overrides the
// onnxruntime shared library location when it is not on the default search
// path.
type Options struct {
	ExtractorPath  string
	ClassifierPath string
	MetadataPath   string
	RuntimeLibPath string
}

// Pipeline runs the two-stage scorer: a feature extractor producing a pooled
// embedding, then a binary classifier producing a sigmoid score. Sessions
// are created once at load time; Score allocates its tensors per call, so a
// single Pipeline is safe for concurrent use.
type Pipeline struct {
	meta       Metadata
	extractor  *ort.DynamicAdvancedSession
	classifier *ort.DynamicAdvancedSession
}

// Load initializes the ONNX runtime and opens both graphs. The returned
// Pipeline must be closed by the caller.
func Load(opts Options) (*Pipeline, error) {
	if opts.RuntimeLibPath != "" {
		ort.SetSharedLibraryPath(opts.RuntimeLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	meta, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	extractor, err := ort.NewDynamicAdvancedSession(opts.ExtractorPath,
		[]string{meta.Extractor.InputName}, []string{meta.Extractor.OutputName}, nil)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to open extractor session: %w", err)
	}

	classifier, err := ort.NewDynamicAdvancedSession(opts.ClassifierPath,
		[]string{meta.Classifier.InputName}, []string{meta.Classifier.OutputName}, nil)
	if err != nil {
		extractor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to open classifier session: %w", err)
	}

	return &Pipeline{
		meta:       meta,
		extractor:  extractor,
		classifier: classifier,
	}, nil
}

// Metadata returns the preprocessing contract the artifacts were exported
// with.
func (p *Pipeline) Metadata() Metadata {
	return p.meta
}

// Ready reports whether both sessions are open. Safe on a nil receiver.
func (p *Pipeline) Ready() bool {
	return p != nil && p.extractor != nil && p.classifier != nil
}

// Score runs both stages on a normalized image and returns the classifier's
// sigmoid output in [0,1].
func (p *Pipeline) Score(ctx context.Context, tensor *imageprocessor.Tensor) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !p.Ready() {
		return 0, errors.New("model sessions are not loaded")
	}

	input, err := ort.NewTensor(ort.NewShape(tensor.Shape()...), tensor.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	embedding, err := ort.NewEmptyTensor[float32](ort.NewShape(p.meta.Extractor.OutputShape...))
	if err != nil {
		return 0, fmt.Errorf("failed to create embedding tensor: %w", err)
	}
	defer embedding.Destroy()

	if err := p.extractor.Run([]ort.Value{input}, []ort.Value{embedding}); err != nil {
		return 0, fmt.Errorf("feature extraction failed: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(p.meta.Classifier.OutputShape...))
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := p.classifier.Run([]ort.Value{embedding}, []ort.Value{output}); err != nil {
		return 0, fmt.Errorf("classification failed: %w", err)
	}

	return scalarScore(output.GetData())
}

// Close releases both sessions and tears down the runtime environment.
func (p *Pipeline) Close() {
	if p == nil {
		return
	}
	if p.extractor != nil {
		p.extractor.Destroy()
		p.extractor = nil
	}
	if p.classifier != nil {
		p.classifier.Destroy()
		p.classifier = nil
	}
	ort.DestroyEnvironment()
}

// scalarScore pulls the single sigmoid value out of the classifier output.
func scalarScore(data []float32) (float64, error) {
	if len(data) == 0 {
		return 0, errors.New("classifier produced no output")
	}
	return float64(data[0]), nil
}
