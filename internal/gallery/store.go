package gallery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store owns the active gallery. Readers go through Current, which never
// observes a partially built gallery: rebuilds happen on a fresh value that is
// published with a single pointer swap.
type Store struct {
	root    string
	builder *Builder
	logger  *slog.Logger

	current    atomic.Pointer[Gallery]
	lastReport atomic.Pointer[BuildReport]

	// mu serializes rebuilds; readers never take it.
	mu sync.Mutex
}

// NewStore creates a store that builds from root with b.
func NewStore(root string, b *Builder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, builder: b, logger: logger}
}

// Root returns the reference directory.
func (s *Store) Root() string { return s.root }

// Current returns the active gallery, or nil before the first successful load.
func (s *Store) Current() *Gallery {
	return s.current.Load()
}

// LastReport returns the report of the most recent build attempt.
func (s *Store) LastReport() (BuildReport, bool) {
	r := s.lastReport.Load()
	if r == nil {
		return BuildReport{}, false
	}
	return *r, true
}

// Load performs the initial build. An empty gallery is an error the caller
// should treat as fatal.
func (s *Store) Load(ctx context.Context) (*Gallery, error) {
	return s.rebuild(ctx, "load")
}

// Reload rebuilds the gallery and swaps it in. On any failure, including a
// build that yields no identities, the previous gallery stays active.
func (s *Store) Reload(ctx context.Context) (*Gallery, error) {
	return s.rebuild(ctx, "reload")
}

// Publish installs a gallery obtained elsewhere, e.g. from the database.
func (s *Store) Publish(g *Gallery) error {
	if g.Len() == 0 {
		return ErrGalleryEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(g)
	return nil
}

func (s *Store) rebuild(ctx context.Context, op string) (*Gallery, error) {
	if s.builder == nil {
		return nil, errors.New("gallery store has no builder")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, report, err := s.builder.Build(ctx, s.root)
	s.lastReport.Store(&report)
	if err != nil {
		if old := s.current.Load(); old != nil {
			s.logger.Error("gallery "+op+" rejected, keeping previous gallery",
				"error", err, "identities", old.Len())
		}
		return nil, err
	}

	s.current.Store(g)
	s.logger.Info("gallery "+op+" complete",
		"identities", g.Len(),
		"embeddings", g.Size(),
		"skipped", len(report.Skipped),
		"duration", report.Duration)
	return g, nil
}
