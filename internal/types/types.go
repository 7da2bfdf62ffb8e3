package types

import (
	"fmt"
	"image"
	"time"
)

// Embedding is a fixed-length face descriptor produced by an embedding provider.
// Treat it as read-only once created.
type Embedding []float32

// Dim returns the number of components.
func (e Embedding) Dim() int { return len(e) }

// BoundingBox is a face region in frame pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts the box into an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Area returns width * height.
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", b.X, b.Y, b.Width, b.Height)
}

// Verdict is the MATCH/REJECT decision for a probe embedding.
type Verdict string

const (
	VerdictMatch  Verdict = "MATCH"
	VerdictReject Verdict = "REJECT"
)

// UnknownIdentity is the label reported with every REJECT verdict.
const UnknownIdentity = "unknown"

// MatchResult is the outcome of comparing one probe against the gallery.
// Identity is only meaningful when Verdict is VerdictMatch.
type MatchResult struct {
	Identity string  `json:"identity"`
	Distance float64 `json:"distance"`
	Verdict  Verdict `json:"verdict"`
}

// Matched reports whether the verdict is MATCH.
func (r MatchResult) Matched() bool {
	return r.Verdict == VerdictMatch
}

// Event is one persisted verification outcome.
type Event struct {
	ID           int64       `json:"id,omitempty"`
	SessionID    string      `json:"session_id"`
	DeviceIndex  int         `json:"device_index"`
	Identity     string      `json:"identity"`
	Distance     float64     `json:"distance"`
	Verdict      Verdict     `json:"verdict"`
	Box          BoundingBox `json:"box"`
	SnapshotPath string      `json:"snapshot_path,omitempty"`
	At           time.Time   `json:"at"`
}

// Command is a user request delivered to the capture loop.
type Command int

const (
	CommandNone Command = iota
	CommandQuit
	CommandSnapshot
	CommandReload
)

func (c Command) String() string {
	switch c {
	case CommandQuit:
		return "quit"
	case CommandSnapshot:
		return "snapshot"
	case CommandReload:
		return "reload"
	default:
		return "none"
	}
}

// ParseCommand maps the keyboard keys (q/s/r) and command names to a Command.
func ParseCommand(s string) (Command, bool) {
	switch s {
	case "q", "quit", "exit":
		return CommandQuit, true
	case "s", "snapshot":
		return CommandSnapshot, true
	case "r", "reload", "reload-gallery":
		return CommandReload, true
	}
	return CommandNone, false
}
