// Package mjpeg reads camera frames from an ffmpeg MJPEG pipe. It is the
// headless alternative to the OpenCV capture backend.
package mjpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/disintegration/imaging"
)

const maxFrameSize = 16 << 20

// Stream splits a byte stream into JPEG frames and decodes them.
type Stream struct {
	src     io.Closer
	scanner *bufio.Scanner
	cmd     *utils.SafeCommand
}

// NewStream reads frames from r. Closing the stream closes r.
func NewStream(r io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrameSize)
	scanner.Split(utils.SplitJpeg)
	return &Stream{src: r, scanner: scanner}
}

func (s *Stream) Read() (image.Image, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		return nil, s.eofError()
	}
	img, err := imaging.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return img, nil
}

func (s *Stream) eofError() error {
	if s.cmd != nil && s.cmd.Stderr.Len() > 0 {
		return fmt.Errorf("ffmpeg stream ended: %s", bytes.TrimSpace(s.cmd.Stderr.Bytes()))
	}
	return io.ErrUnexpectedEOF
}

func (s *Stream) Close() error {
	err := s.src.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		// The kill makes Wait report an error; that is the normal path here
		s.cmd.Wait()
	}
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Opener returns a capture.OpenFunc that starts ffmpeg on /dev/video<index>.
func Opener(in utils.CameraInput) capture.OpenFunc {
	return func(ctx context.Context, index int) (capture.Camera, error) {
		cfg := in
		cfg.Device = fmt.Sprintf("/dev/video%d", index)

		cmd := utils.NewFFmpegCameraCmd(ctx, cfg)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}

		s := NewStream(stdout)
		s.cmd = cmd
		return s, nil
	}
}
