// Package gallery holds the reference embeddings of every known identity and
// the machinery to build and atomically replace them.
package gallery

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

var (
	// ErrGalleryEmpty is returned when no identity has a usable embedding.
	ErrGalleryEmpty = errors.New("gallery is empty")
	// ErrDimensionMismatch is returned when embeddings of different sizes are mixed.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Entry is one identity with all of its reference embeddings.
type Entry struct {
	Identity   string
	Embeddings []types.Embedding
	// Sources holds the reference image path of each embedding, when known.
	Sources []string
}

// Gallery is an immutable set of identities. Entries are kept sorted by
// identity label, which is also the order the matcher scans them in.
type Gallery struct {
	entries []Entry
	dim     int
	builtAt time.Time
}

// New validates entries and returns a gallery. Entries sharing a label are
// merged and entries without embeddings are dropped. It fails with
// ErrGalleryEmpty when nothing is left.
func New(entries []Entry) (*Gallery, error) {
	byID := make(map[string]*Entry, len(entries))
	dim := 0

	for _, e := range entries {
		if e.Identity == "" {
			return nil, fmt.Errorf("gallery entry without identity label")
		}
		for i, emb := range e.Embeddings {
			if len(emb) == 0 {
				return nil, fmt.Errorf("identity %q: %w: empty embedding", e.Identity, ErrDimensionMismatch)
			}
			if dim == 0 {
				dim = len(emb)
			} else if len(emb) != dim {
				return nil, fmt.Errorf("identity %q: %w: got %d, want %d", e.Identity, ErrDimensionMismatch, len(emb), dim)
			}

			cur, ok := byID[e.Identity]
			if !ok {
				cur = &Entry{Identity: e.Identity}
				byID[e.Identity] = cur
			}
			cur.Embeddings = append(cur.Embeddings, append(types.Embedding(nil), emb...))
			src := ""
			if i < len(e.Sources) {
				src = e.Sources[i]
			}
			cur.Sources = append(cur.Sources, src)
		}
	}

	if len(byID) == 0 {
		return nil, ErrGalleryEmpty
	}

	g := &Gallery{
		entries: make([]Entry, 0, len(byID)),
		dim:     dim,
		builtAt: time.Now(),
	}
	for _, e := range byID {
		g.entries = append(g.entries, *e)
	}
	sort.Slice(g.entries, func(i, j int) bool {
		return g.entries[i].Identity < g.entries[j].Identity
	})
	return g, nil
}

// Len returns the number of identities. A nil gallery is empty.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Size returns the total number of reference embeddings.
func (g *Gallery) Size() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, e := range g.entries {
		n += len(e.Embeddings)
	}
	return n
}

// Dim returns the embedding dimension shared by every reference.
func (g *Gallery) Dim() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// BuiltAt returns the construction time.
func (g *Gallery) BuiltAt() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.builtAt
}

// Entries returns the entries in identity order. The slice is shared and must
// not be modified.
func (g *Gallery) Entries() []Entry {
	if g == nil {
		return nil
	}
	return g.entries
}

// Identities returns the sorted identity labels.
func (g *Gallery) Identities() []string {
	ids := make([]string, 0, g.Len())
	for _, e := range g.Entries() {
		ids = append(ids, e.Identity)
	}
	return ids
}

// Lookup returns the entry for identity.
func (g *Gallery) Lookup(identity string) (Entry, bool) {
	entries := g.Entries()
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Identity >= identity })
	if i < len(entries) && entries[i].Identity == identity {
		return entries[i], true
	}
	return Entry{}, false
}
