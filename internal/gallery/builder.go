package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"time"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/disintegration/imaging"
)

// Builder turns a directory of reference images into a Gallery.
type Builder struct {
	Locator  face.Locator
	Embedder face.Embedder
	// InputSize is the square side the embedding model expects.
	InputSize int
	// Dim is the expected embedding dimension. Zero accepts whatever the
	// first embedding reports.
	Dim int
	// Separator splits identity from suffix in flat reference directories.
	Separator string
	// ReferencesCropped skips detection; every reference image is already a
	// face crop.
	ReferencesCropped bool
	Logger            *slog.Logger
	// OnProgress, if set, is called after every reference image.
	OnProgress func(done, total int)
}

// SkippedImage records a reference image that did not contribute an embedding.
type SkippedImage struct {
	Identity string
	Path     string
	Reason   string
}

// BuildReport summarizes a build.
type BuildReport struct {
	Root       string
	Images     int
	Embedded   int
	Identities int
	Skipped    []SkippedImage
	Duration   time.Duration
}

// Build indexes root, embeds every usable reference image and returns the
// resulting gallery. A bad reference image is logged and skipped; the build
// fails only when no identity ends up with an embedding, or ctx is done.
func (b *Builder) Build(ctx context.Context, root string) (*Gallery, BuildReport, error) {
	start := time.Now()
	report := BuildReport{Root: root}
	log := b.logger()

	if b.Embedder == nil {
		return nil, report, errors.New("gallery builder has no embedder")
	}
	if b.InputSize <= 0 {
		return nil, report, fmt.Errorf("invalid input size %d", b.InputSize)
	}

	byPerson, err := Index(root, b.Separator)
	if err != nil {
		return nil, report, err
	}

	ids := make([]string, 0, len(byPerson))
	for id, paths := range byPerson {
		ids = append(ids, id)
		report.Images += len(paths)
	}
	sort.Strings(ids)

	dim := b.Dim
	entries := make([]Entry, 0, len(ids))
	done := 0

	for _, id := range ids {
		entry := Entry{Identity: id}
		for _, path := range byPerson[id] {
			if err := ctx.Err(); err != nil {
				return nil, report, err
			}

			emb, reason := b.embedFile(path)
			if reason == "" && dim > 0 && len(emb) != dim {
				reason = fmt.Sprintf("embedding dimension %d, want %d", len(emb), dim)
			}
			if reason != "" {
				log.Warn("skipping reference image", "identity", id, "path", path, "reason", reason)
				report.Skipped = append(report.Skipped, SkippedImage{Identity: id, Path: path, Reason: reason})
			} else {
				if dim == 0 {
					dim = len(emb)
				}
				entry.Embeddings = append(entry.Embeddings, emb)
				entry.Sources = append(entry.Sources, path)
				report.Embedded++
			}

			done++
			if b.OnProgress != nil {
				b.OnProgress(done, report.Images)
			}
		}

		if len(entry.Embeddings) == 0 {
			log.Warn("identity has no usable reference images", "identity", id)
			continue
		}
		log.Debug("identity embedded", "identity", id, "embeddings", len(entry.Embeddings))
		entries = append(entries, entry)
	}

	report.Duration = time.Since(start)
	if len(entries) == 0 {
		return nil, report, fmt.Errorf("%s: %w", root, ErrGalleryEmpty)
	}

	g, err := New(entries)
	if err != nil {
		return nil, report, err
	}
	report.Identities = g.Len()
	return g, report, nil
}

// embedFile returns the embedding of one reference image, or a non-empty
// reason why it was skipped.
func (b *Builder) embedFile(path string) (emb types.Embedding, reason string) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Sprintf("decode: %v", err)
	}

	prepared, reason := b.prepare(img)
	if reason != "" {
		return nil, reason
	}

	e, err := b.Embedder.Embed(prepared)
	if err != nil {
		return nil, fmt.Sprintf("embed: %v", err)
	}
	if len(e) == 0 {
		return nil, "embed: empty embedding"
	}
	return e, ""
}

func (b *Builder) prepare(img image.Image) (image.Image, string) {
	var locator face.Locator = face.WholeImage{}
	if !b.ReferencesCropped && b.Locator != nil {
		locator = b.Locator
	}

	box, ok, err := locator.Locate(img)
	if err != nil {
		return nil, fmt.Sprintf("locate: %v", err)
	}
	if !ok {
		return nil, "no face found"
	}

	prepared, err := face.Extract(img, box, b.InputSize)
	if err != nil {
		return nil, err.Error()
	}
	return prepared, ""
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
