package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat reports bytes that decode as none of the recognized
// image encodings (JPEG, PNG, GIF, BMP, TIFF, WebP).
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Tensor is a normalized image ready for the feature extractor: H×W×3
// float32 values in RGB order, interleaved row-major (NHWC with N=1).
type Tensor struct {
	Data   []float32
	Width  int
	Height int
}

// Shape returns the NHWC tensor shape.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.Height), int64(t.Width), 3}
}

// Normalizer converts arbitrary encoded image bytes into the fixed-size
// tensor the feature extractor was trained on. It is stateless and safe for
// concurrent use; identical input bytes always produce identical tensors.
type Normalizer struct {
	size   int
	scale  float32
	offset float32
}

// NewNormalizer returns a Normalizer producing size×size tensors with pixel
// values mapped from [0,255] through v*scale + offset.
func NewNormalizer(size int, scale, offset float32) *Normalizer {
	return &Normalizer{size: size, scale: scale, offset: offset}
}

// Size reports the square edge length of produced tensors.
func (n *Normalizer) Size() int { return n.size }

// Normalize decodes, converts to RGB, resizes and scales the given image
// bytes. Alpha, greyscale and palette inputs collapse to RGB; animated GIFs
// use their first frame.
func (n *Normalizer) Normalize(data []byte) (*Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return n.fromImage(img), nil
}

// fromImage resizes with bilinear interpolation, matching the interpolation
// the classifier saw during training.
func (n *Normalizer) fromImage(img image.Image) *Tensor {
	resized := resize.Resize(uint(n.size), uint(n.size), img, resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]float32, width*height*3)

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[i] = float32(r>>8)*n.scale + n.offset
			data[i+1] = float32(g>>8)*n.scale + n.offset
			data[i+2] = float32(b>>8)*n.scale + n.offset
			i += 3
		}
	}

	return &Tensor{Data: data, Width: width, Height: height}
}
