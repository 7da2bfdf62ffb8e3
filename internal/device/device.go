// Package device binds the capture loop to OpenCV: USB cameras, the Haar
// cascade face locator and the preview window.
package device

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/andresmejia3/facegate/internal/capture"
	"gocv.io/x/gocv"
)

// CameraOptions are the properties requested when a camera is opened.
// Zero values leave the driver default.
type CameraOptions struct {
	Width  int
	Height int
	FPS    int
}

// Camera is a gocv video capture device.
type Camera struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Opener returns a capture.OpenFunc for USB cameras.
func Opener(opts CameraOptions) capture.OpenFunc {
	return func(ctx context.Context, index int) (capture.Camera, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vc, err := gocv.OpenVideoCapture(index)
		if err != nil {
			return nil, err
		}
		if !vc.IsOpened() {
			vc.Close()
			return nil, fmt.Errorf("camera %d did not open", index)
		}
		if opts.Width > 0 && opts.Height > 0 {
			vc.Set(gocv.VideoCaptureFrameWidth, float64(opts.Width))
			vc.Set(gocv.VideoCaptureFrameHeight, float64(opts.Height))
		}
		if opts.FPS > 0 {
			vc.Set(gocv.VideoCaptureFPS, float64(opts.FPS))
		}
		cam := &Camera{vc: vc, mat: gocv.NewMat()}
		w, h, fps := cam.Properties()
		slog.Debug("camera properties", "index", index, "width", w, "height", h, "fps", fps)
		return cam, nil
	}
}

// Properties reports what the driver actually granted.
func (c *Camera) Properties() (width, height int, fps float64) {
	return int(c.vc.Get(gocv.VideoCaptureFrameWidth)),
		int(c.vc.Get(gocv.VideoCaptureFrameHeight)),
		c.vc.Get(gocv.VideoCaptureFPS)
}

func (c *Camera) Read() (image.Image, error) {
	if ok := c.vc.Read(&c.mat); !ok {
		return nil, errors.New("camera returned no frame")
	}
	if c.mat.Empty() {
		return nil, errors.New("camera returned an empty frame")
	}
	return c.mat.ToImage()
}

func (c *Camera) Close() error {
	c.mat.Close()
	return c.vc.Close()
}
