// Package inference runs the face embedding network in process with
// TensorFlow Lite.
package inference

import (
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates/xnnpack"
)

// Options configure the interpreter.
type Options struct {
	ModelPath string
	Threads   int
	// XNNPack enables the XNNPACK CPU delegate.
	XNNPack bool
}

// Embedder is a face.Embedder backed by a TFLite model with a single
// [1, H, W, 3] float32 input and a single float32 embedding output.
type Embedder struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	inputSize   int
	dim         int
	scratch     []float32
}

// NewEmbedder loads the model and allocates its tensors.
func NewEmbedder(opts Options) (*Embedder, error) {
	model := tflite.NewModelFromFile(opts.ModelPath)
	if model == nil {
		return nil, fmt.Errorf("loading model %s failed", opts.ModelPath)
	}

	options := tflite.NewInterpreterOptions()
	threads := opts.Threads
	if threads <= 0 {
		threads = 2
	}
	options.SetNumThread(threads)
	if opts.XNNPack {
		options.AddDelegate(xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(threads)}))
	}

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("creating interpreter failed")
	}

	e := &Embedder{model: model, options: options, interpreter: interpreter}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, fmt.Errorf("allocating tensors failed: %v", status)
	}

	input := interpreter.GetInputTensor(0)
	if input.Type() != tflite.Float32 || input.NumDims() != 4 || input.Dim(3) != 3 || input.Dim(1) != input.Dim(2) {
		e.Close()
		return nil, fmt.Errorf("unsupported model input: want float32 [1,N,N,3]")
	}
	output := interpreter.GetOutputTensor(0)
	if output.Type() != tflite.Float32 {
		e.Close()
		return nil, fmt.Errorf("unsupported model output type %v", output.Type())
	}

	e.inputSize = input.Dim(1)
	e.dim = output.Dim(output.NumDims() - 1)
	return e, nil
}

// InputSize is the square side the model expects.
func (e *Embedder) InputSize() int { return e.inputSize }

// Dim is the embedding dimension the model produces.
func (e *Embedder) Dim() int { return e.dim }

func (e *Embedder) Embed(img image.Image) (emb types.Embedding, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v (inference panic)\nstack: %s", face.ErrInference, r, debug.Stack())
		}
	}()

	b := img.Bounds()
	if b.Dx() != e.inputSize || b.Dy() != e.inputSize {
		img = face.Prepare(img, e.inputSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.scratch = face.ToTensor(img, e.scratch)
	input := e.interpreter.GetInputTensor(0).Float32s()
	if len(input) != len(e.scratch) {
		return nil, fmt.Errorf("%w: input tensor holds %d values, got %d", face.ErrInference, len(input), len(e.scratch))
	}
	copy(input, e.scratch)

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("%w: invoke: %v", face.ErrInference, status)
	}

	out := e.interpreter.GetOutputTensor(0).Float32s()
	return append(types.Embedding(nil), out...), nil
}

// Close releases the interpreter and the model.
func (e *Embedder) Close() error {
	if e.interpreter != nil {
		e.interpreter.Delete()
	}
	if e.options != nil {
		e.options.Delete()
	}
	if e.model != nil {
		e.model.Delete()
	}
	return nil
}
