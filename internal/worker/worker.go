// Package worker runs the Python inference process that serves face location
// and embedding requests over a pair of pipes.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils" // Using the SafeCommand wrapper
	"github.com/disintegration/imaging"
)

// Request opcodes. Every request is [op:1][len:uint32][JPEG].
const (
	OpEmbed  byte = 'E'
	OpLocate byte = 'L'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against a corrupted length header.
const maxResponse = 16 << 20

// Config describes how to launch the worker process.
type Config struct {
	Python      string
	Script      string
	ModelPath   string
	CascadePath string
	InputSize   int
	// ReadTimeout bounds the wait for one response. Zero waits forever.
	ReadTimeout time.Duration
}

// Error is a failure reported by the Python side. It wraps face.ErrInference:
// the worker is still alive and only the current request failed.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "python worker error: " + e.Msg }

func (e *Error) Unwrap() error { return face.ErrInference }

// ErrBroken is returned by every call after a transport failure (timeout,
// short read, bad length). The stream may hold a late response, so the
// worker is not reused.
var ErrBroken = errors.New("python worker broken")

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	timeout time.Duration
	mu      sync.Mutex
	buf     bytes.Buffer
	broken  error
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	script := cfg.Script
	if script == "" {
		script = "python/worker.py"
	}
	args := []string{"-u", script}
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	if cfg.CascadePath != "" {
		args = append(args, "--cascade", cfg.CascadePath)
	}
	if cfg.InputSize > 0 {
		args = append(args, "--img-size", strconv.Itoa(cfg.InputSize))
	}

	py := utils.NewSafeCommandContext(ctx, python, args...)

	// Create a side-channel pipe (FD 3) so Python logging on stdout/stderr
	// can never corrupt the data stream
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request and returns the response body.
// Protocol: -> [op][len][data]  <- [len][body]
// Any transport error breaks the worker for good.
func (w *PythonWorker) Communicate(op byte, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return nil, w.broken
	}
	body, err := w.roundTrip(op, data)
	if err != nil {
		w.broken = fmt.Errorf("%w: %w", ErrBroken, err)
		w.kill()
		return nil, w.broken
	}
	return body, nil
}

func (w *PythonWorker) roundTrip(op byte, data []byte) ([]byte, error) {
	header := make([]byte, 5)
	header[0] = op
	binary.BigEndian.PutUint32(header[1:], uint32(len(data)))
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, fmt.Errorf("writing request header: %w", err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("writing request body: %w", err)
	}

	if f, ok := w.DataPipe.(*os.File); ok && w.timeout > 0 {
		f.SetReadDeadline(time.Now().Add(w.timeout))
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, lenBuf); err != nil {
		// This is where a crashed interpreter shows up
		return nil, fmt.Errorf("reading response header: %w", err)
	}
	respLen := binary.BigEndian.Uint32(lenBuf)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}

	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// kill stops a process whose stream can no longer be trusted.
func (w *PythonWorker) kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// call encodes img, sends it and checks the status byte. The returned reader
// is positioned after the status.
func (w *PythonWorker) call(op byte, img image.Image) (*bytes.Reader, error) {
	w.mu.Lock()
	w.buf.Reset()
	err := imaging.Encode(&w.buf, img, imaging.JPEG, imaging.JPEGQuality(95))
	payload := append([]byte(nil), w.buf.Bytes()...)
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding frame: %v", face.ErrInference, err)
	}

	body, err := w.Communicate(op, payload)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(body)
	status, _ := r.ReadByte()
	switch status {
	case statusOK:
		return r, nil
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, &Error{Msg: "truncated error response"}
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, &Error{Msg: "truncated error response"}
		}
		return nil, &Error{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}
}

// Embed implements face.Embedder.
// Response: [status][dim:uint32][dim x float32]
func (w *PythonWorker) Embed(img image.Image) (types.Embedding, error) {
	r, err := w.call(OpEmbed, img)
	if err != nil {
		return nil, err
	}

	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("reading embedding size: %w", err)
	}
	if dim == 0 || int(dim)*4 > r.Len() {
		return nil, fmt.Errorf("malformed embedding response: dim %d, %d bytes left", dim, r.Len())
	}
	emb := make(types.Embedding, dim)
	if err := binary.Read(r, binary.BigEndian, []float32(emb)); err != nil {
		return nil, fmt.Errorf("reading embedding: %w", err)
	}
	return emb, nil
}

// Locate implements face.Locator.
// Response: [status][found:1] then [x][y][w][h] as int32 when found.
func (w *PythonWorker) Locate(img image.Image) (types.BoundingBox, bool, error) {
	r, err := w.call(OpLocate, img)
	if err != nil {
		return types.BoundingBox{}, false, err
	}

	found, err := r.ReadByte()
	if err != nil {
		return types.BoundingBox{}, false, fmt.Errorf("reading locate response: %w", err)
	}
	if found == 0 {
		return types.BoundingBox{}, false, nil
	}

	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return types.BoundingBox{}, false, fmt.Errorf("reading face box: %w", err)
	}
	return types.BoundingBox{X: int(box[0]), Y: int(box[1]), Width: int(box[2]), Height: int(box[3])}, true, nil
}

// Close shuts the worker down. Closing stdin makes the Python loop exit.
func (w *PythonWorker) Close() error {
	errs := []error{w.Stdin.Close(), w.DataPipe.Close()}
	if w.Cmd != nil {
		if err := w.Cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d exited: %w", w.ID, err))
		}
	}
	return errors.Join(errs...)
}
