// Package face defines the capability interfaces for face detection and
// embedding, plus the image preparation shared by every backend.
package face

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/disintegration/imaging"
)

// ErrInference marks a failed detection or embedding call. Callers treat it as
// recoverable: only the current frame (or reference image) is affected.
var ErrInference = errors.New("inference failed")

// Embedder maps a prepared, fixed-size face image to an embedding.
// Implementations are not required to be safe for concurrent use.
type Embedder interface {
	Embed(img image.Image) (types.Embedding, error)
}

// Locator finds at most one face in an image. ok is false when there is no
// face, which is not an error.
type Locator interface {
	Locate(img image.Image) (box types.BoundingBox, ok bool, err error)
}

// EmbedderFunc adapts a plain function to Embedder.
type EmbedderFunc func(img image.Image) (types.Embedding, error)

func (f EmbedderFunc) Embed(img image.Image) (types.Embedding, error) { return f(img) }

// LocatorFunc adapts a plain function to Locator.
type LocatorFunc func(img image.Image) (types.BoundingBox, bool, error)

func (f LocatorFunc) Locate(img image.Image) (types.BoundingBox, bool, error) { return f(img) }

// WholeImage is a Locator that reports the full image as the face region.
// It is used for reference sets that are already cropped to the face.
type WholeImage struct{}

func (WholeImage) Locate(img image.Image) (types.BoundingBox, bool, error) {
	b := img.Bounds()
	if b.Empty() {
		return types.BoundingBox{}, false, nil
	}
	return types.BoundingBox{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()}, true, nil
}

// Crop cuts the box out of img, clamped to the image bounds.
func Crop(img image.Image, box types.BoundingBox) (image.Image, error) {
	r := box.Rect().Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: face box %s outside image %v", ErrInference, box, img.Bounds())
	}
	return imaging.Crop(img, r), nil
}

// Prepare resizes a face crop to the square input size of the embedding model.
func Prepare(img image.Image, size int) *image.NRGBA {
	return imaging.Resize(img, size, size, imaging.Linear)
}

// Extract crops, then prepares the face region for embedding.
func Extract(img image.Image, box types.BoundingBox, size int) (*image.NRGBA, error) {
	crop, err := Crop(img, box)
	if err != nil {
		return nil, err
	}
	return Prepare(crop, size), nil
}

// ToTensor flattens img into an HWC RGB float32 buffer scaled to [0, 1].
// dst is reused when it is large enough.
func ToTensor(img image.Image, dst []float32) []float32 {
	b := img.Bounds()
	n := b.Dx() * b.Dy() * 3
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			dst[i] = float32(r>>8) / 255.0
			dst[i+1] = float32(g>>8) / 255.0
			dst[i+2] = float32(bl>>8) / 255.0
			i += 3
		}
	}
	return dst
}

// Largest returns the rectangle with the biggest area. ok is false for an
// empty slice.
func Largest(rects []image.Rectangle) (types.BoundingBox, bool) {
	if len(rects) == 0 {
		return types.BoundingBox{}, false
	}
	best := rects[0]
	for _, r := range rects[1:] {
		if r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
		}
	}
	return types.BoundingBox{X: best.Min.X, Y: best.Min.Y, Width: best.Dx(), Height: best.Dy()}, true
}

// Exclusive serializes access to a non-reentrant model that is shared by the
// capture loop and a background gallery rebuild.
type Exclusive struct {
	mu       sync.Mutex
	embedder Embedder
	locator  Locator
}

// NewExclusive wraps the given backends. Either may be nil.
func NewExclusive(e Embedder, l Locator) *Exclusive {
	return &Exclusive{embedder: e, locator: l}
}

func (x *Exclusive) Embed(img image.Image) (types.Embedding, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.embedder.Embed(img)
}

func (x *Exclusive) Locate(img image.Image) (types.BoundingBox, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.locator.Locate(img)
}
