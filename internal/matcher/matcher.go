// Package matcher decides which gallery identity, if any, a probe embedding
// belongs to.
package matcher

import (
	"math"
	"sort"

	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/types"
)

// Candidate is one identity and its closest reference distance to a probe.
type Candidate struct {
	Identity string
	Distance float64
}

// Distance returns the Euclidean distance between a and b, or +Inf when their
// dimensions differ.
func Distance(a, b types.Embedding) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// minDistance is the best-of-N distance from probe to one identity.
func minDistance(probe types.Embedding, e gallery.Entry) float64 {
	best := math.Inf(1)
	for _, ref := range e.Embeddings {
		if d := Distance(probe, ref); d < best {
			best = d
		}
	}
	return best
}

// Identify returns the identity owning the reference closest to probe.
//
// The verdict is MATCH only when that distance is strictly below threshold;
// otherwise the identity is reported as unknown while the distance is kept.
// Entries are scanned in identity order and only a strictly smaller distance
// replaces the current best, so equal minima go to the lexicographically first
// label. An empty or nil gallery yields REJECT at +Inf.
func Identify(probe types.Embedding, g *gallery.Gallery, threshold float64) types.MatchResult {
	best := Candidate{Identity: types.UnknownIdentity, Distance: math.Inf(1)}
	for _, e := range g.Entries() {
		if d := minDistance(probe, e); d < best.Distance {
			best = Candidate{Identity: e.Identity, Distance: d}
		}
	}

	if best.Distance < threshold {
		return types.MatchResult{Identity: best.Identity, Distance: best.Distance, Verdict: types.VerdictMatch}
	}
	return types.MatchResult{Identity: types.UnknownIdentity, Distance: best.Distance, Verdict: types.VerdictReject}
}

// Nearest returns up to k identities ordered by their best-of-N distance to
// probe, ties broken by label. k <= 0 returns every identity.
func Nearest(probe types.Embedding, g *gallery.Gallery, k int) []Candidate {
	entries := g.Entries()
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, Candidate{Identity: e.Identity, Distance: minDistance(probe, e)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out
}
