package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/device"
	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/inference"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
)

const workerTimeout = 30 * time.Second

// engine bundles the face backends a command runs on. Embed and Locate are
// serialized, so the capture loop and a gallery rebuild can share it.
type engine struct {
	*face.Exclusive
	InputSize int
	Dim       int

	worker  *worker.PythonWorker
	closers []io.Closer
}

// newEngine starts the configured embedder: the Python worker (which also
// locates faces) or the in-process TFLite model paired with the OpenCV
// cascade.
func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	switch cfg.Model.Embedder {
	case "python":
		fmt.Fprintf(os.Stderr, "🔄 Starting Python worker with model: %s\n", cfg.Model.KerasPath)
		w, err := worker.NewPythonWorker(ctx, 0, worker.Config{
			Python:      cfg.Model.Python,
			Script:      cfg.Model.Script,
			ModelPath:   cfg.Model.KerasPath,
			CascadePath: cfg.Model.CascadePath,
			InputSize:   cfg.Model.InputSize,
			ReadTimeout: workerTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &engine{
			Exclusive: face.NewExclusive(w, w),
			InputSize: cfg.Model.InputSize,
			Dim:       cfg.Model.EmbeddingDim,
			worker:    w,
			closers:   []io.Closer{w},
		}, nil

	case "tflite":
		fmt.Fprintf(os.Stderr, "🔄 Loading TFLite model from: %s\n", cfg.Model.TFLitePath)
		emb, err := inference.NewEmbedder(inference.Options{
			ModelPath: cfg.Model.TFLitePath,
			Threads:   cfg.Model.Threads,
			XNNPack:   true,
		})
		if err != nil {
			return nil, err
		}
		loc, err := device.NewCascadeLocator(cfg.Model.CascadePath)
		if err != nil {
			emb.Close()
			return nil, err
		}
		if emb.InputSize() != cfg.Model.InputSize {
			Logger.Warn("model input size overrides configuration",
				"model", emb.InputSize(), "configured", cfg.Model.InputSize)
		}
		fmt.Fprintf(os.Stderr, "✅ Model loaded: input %dx%d, embedding dim %d\n", emb.InputSize(), emb.InputSize(), emb.Dim())
		return &engine{
			Exclusive: face.NewExclusive(emb, loc),
			InputSize: emb.InputSize(),
			Dim:       emb.Dim(),
			closers:   []io.Closer{loc, emb},
		}, nil
	}
	return nil, fmt.Errorf("unknown embedder %q", cfg.Model.Embedder)
}

// Cmd returns the Python worker process, for crash logs. Nil for TFLite.
func (e *engine) Cmd() *utils.SafeCommand {
	if e == nil || e.worker == nil {
		return nil
	}
	return e.worker.Cmd
}

func (e *engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// builder returns a gallery builder running on this engine.
func (e *engine) builder(cfg *config.Config) *gallery.Builder {
	return &gallery.Builder{
		Locator:           e,
		Embedder:          e,
		InputSize:         e.InputSize,
		Dim:               e.Dim,
		Separator:         cfg.Verify.Separator,
		ReferencesCropped: cfg.Verify.ReferencesCropped,
		Logger:            Logger,
	}
}

// galleryFingerprint identifies the inputs of a gallery build: every
// reference image, the model and cascade files, and the settings that change
// embeddings or identity labels.
func galleryFingerprint(cfg *config.Config) (string, error) {
	byPerson, err := gallery.Index(cfg.Paths.ReferenceDir, cfg.Verify.Separator)
	if err != nil {
		return "", err
	}
	var paths []string
	for _, p := range byPerson {
		paths = append(paths, p...)
	}
	model := cfg.Model.KerasPath
	if cfg.Model.Embedder == "tflite" {
		model = cfg.Model.TFLitePath
	}
	for _, f := range []string{model, cfg.Model.CascadePath} {
		if _, err := os.Stat(f); err == nil {
			paths = append(paths, f)
		}
	}

	fp, err := utils.FingerprintFiles(paths)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%d-%t-%q-%q-%s",
		cfg.Model.Embedder, cfg.Model.InputSize, cfg.Model.EmbeddingDim,
		cfg.Verify.ReferencesCropped, cfg.Verify.Separator, cfg.Model.CascadePath, fp), nil
}

// loadGallery installs the initial gallery in gs. With a database, a saved
// gallery with a matching fingerprint is reused and a fresh build is saved.
// It reports whether the gallery came from the database.
func loadGallery(ctx context.Context, gs *gallery.Store, cfg *config.Config) (*gallery.Gallery, bool, error) {
	var fingerprint string
	if DB != nil {
		fp, err := galleryFingerprint(cfg)
		if err != nil {
			return nil, false, err
		}
		fingerprint = fp

		info, err := DB.GalleryInfo(ctx, gs.Root())
		switch {
		case err == nil && info.Fingerprint == fingerprint:
			g, _, err := DB.LoadGallery(ctx, gs.Root())
			if err == nil {
				if err = gs.Publish(g); err == nil {
					return g, true, nil
				}
			}
			Logger.Warn("saved gallery unusable, rebuilding", "error", err)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			Logger.Warn("reading saved gallery failed, rebuilding", "error", err)
		}
	}

	g, err := gs.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if DB != nil {
		saveGallery(ctx, gs.Root(), fingerprint, g)
	}
	return g, false, nil
}

func saveGallery(ctx context.Context, root, fingerprint string, g *gallery.Gallery) {
	id, err := DB.SaveGallery(ctx, root, fingerprint, g)
	if err != nil {
		Logger.Warn("saving gallery failed", "error", err)
		return
	}
	Logger.Debug("gallery saved", "id", id, "identities", g.Len())
}
