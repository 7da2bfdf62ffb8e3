// Package capture drives the camera through the verification pipeline: read a
// frame, locate the face, embed it, match it against the active gallery,
// annotate, display and act on user commands.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/types"
)

var (
	// ErrCameraUnavailable is fatal: the camera could not be opened within the
	// retry budget, or kept failing across recoveries.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrFrameRead marks a single failed frame read.
	ErrFrameRead = errors.New("frame read failed")
	// ErrBackend is fatal: the face backend failed MaxBackendFailures frames
	// in a row with something other than face.ErrInference.
	ErrBackend = errors.New("face backend failed")
)

// State is a node of the capture state machine.
type State int

const (
	StateInit State = iota
	StateAcquiring
	StateStreaming
	StateReloading
	StateSnapshotting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAcquiring:
		return "ACQUIRING"
	case StateStreaming:
		return "STREAMING"
	case StateReloading:
		return "RELOADING"
	case StateSnapshotting:
		return "SNAPSHOTTING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Camera is an opened capture device. Read blocks until a frame is available
// or the device fails.
type Camera interface {
	Read() (image.Image, error)
	Close() error
}

// OpenFunc opens the camera at the given device index.
type OpenFunc func(ctx context.Context, index int) (Camera, error)

// Display shows annotated frames to the operator.
type Display interface {
	Show(img image.Image) error
	Close() error
}

// CommandSource is polled once per frame and must never block.
type CommandSource interface {
	Poll() (types.Command, bool)
}

// SnapshotSink persists annotated frames and returns where they went.
type SnapshotSink interface {
	Save(img image.Image, at time.Time) (string, error)
}

// Recorder persists verification events.
type Recorder interface {
	RecordEvent(ctx context.Context, ev types.Event) error
}

// GallerySource gives the loop the active gallery and a way to rebuild it.
// *gallery.Store satisfies it.
type GallerySource interface {
	Current() *gallery.Gallery
	Reload(ctx context.Context) (*gallery.Gallery, error)
}

// Config holds the loop's tunables.
type Config struct {
	DeviceIndex int
	// Threshold is the strict upper bound on distance for a MATCH.
	Threshold float64
	// InputSize is the square side of the embedding model input.
	InputSize int
	// MaxReadFailures consecutive failed reads trigger a camera re-init.
	MaxReadFailures int
	// MaxRecoveries is the number of re-inits tolerated without a good frame
	// in between. One more is fatal.
	MaxRecoveries int
	// OpenRetries is the number of open attempts per INIT.
	OpenRetries   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// FPSWindow is the number of trailing frame timestamps in the FPS average.
	FPSWindow int
	// MaxBackendFailures consecutive non-inference backend errors stop the
	// loop. Zero never stops it.
	MaxBackendFailures int
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DeviceIndex:     0,
		Threshold:       0.6,
		InputSize:       128,
		MaxReadFailures: 5,
		MaxRecoveries:   3,
		OpenRetries:     5,
		RetryDelay:      time.Second,
		MaxRetryDelay:   5 * time.Second,
		FPSWindow:       30,

		MaxBackendFailures: 30,
	}
}

func (c Config) validate() error {
	switch {
	case c.Threshold <= 0 || math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0):
		return fmt.Errorf("threshold must be a positive finite number, got %v", c.Threshold)
	case c.InputSize <= 0:
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	case c.MaxReadFailures < 1:
		return fmt.Errorf("max read failures must be at least 1, got %d", c.MaxReadFailures)
	case c.MaxRecoveries < 0:
		return fmt.Errorf("max recoveries must not be negative, got %d", c.MaxRecoveries)
	case c.OpenRetries < 1:
		return fmt.Errorf("open retries must be at least 1, got %d", c.OpenRetries)
	case c.MaxBackendFailures < 0:
		return fmt.Errorf("max backend failures must not be negative, got %d", c.MaxBackendFailures)
	}
	return nil
}

// backoff returns the delay before open attempt n+1.
func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryDelay * time.Duration(attempt)
	if c.MaxRetryDelay > 0 && d > c.MaxRetryDelay {
		d = c.MaxRetryDelay
	}
	return d
}

// Session is the loop's view of one camera device. It is owned by the loop
// goroutine and replaced on recovery.
type Session struct {
	DeviceIndex         int
	Open                bool
	ConsecutiveFailures int
	Recoveries          int

	camera Camera
}

func (s *Session) close() error {
	if s.camera == nil {
		return nil
	}
	err := s.camera.Close()
	s.camera = nil
	s.Open = false
	return err
}
