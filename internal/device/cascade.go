package device

import (
	"fmt"
	"image"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/types"
	"gocv.io/x/gocv"
)

// Haar cascade parameters for frontal faces.
const (
	cascadeScale        = 1.1
	cascadeMinNeighbors = 5
	cascadeMinSize      = 30
)

// CascadeLocator finds the largest frontal face with a Haar cascade.
// It is not safe for concurrent use; wrap it in face.Exclusive when shared.
type CascadeLocator struct {
	classifier gocv.CascadeClassifier
}

// NewCascadeLocator loads the cascade XML at path.
func NewCascadeLocator(path string) (*CascadeLocator, error) {
	c := gocv.NewCascadeClassifier()
	if !c.Load(path) {
		c.Close()
		return nil, fmt.Errorf("loading cascade file %s", path)
	}
	return &CascadeLocator{classifier: c}, nil
}

func (l *CascadeLocator) Locate(img image.Image) (types.BoundingBox, bool, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return types.BoundingBox{}, false, fmt.Errorf("%w: converting frame: %v", face.ErrInference, err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	rects := l.classifier.DetectMultiScaleWithParams(
		gray,
		cascadeScale,
		cascadeMinNeighbors,
		0,
		image.Pt(cascadeMinSize, cascadeMinSize),
		image.Point{},
	)
	box, ok := face.Largest(rects)
	return box, ok, nil
}

func (l *CascadeLocator) Close() error {
	return l.classifier.Close()
}
