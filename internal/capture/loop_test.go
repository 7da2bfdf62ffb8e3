package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/types"
)

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	black = color.RGBA{A: 255}
)

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// fakeDevice scripts camera opens and reads across re-inits.
type fakeDevice struct {
	mu        sync.Mutex
	openErrs  []error
	reads     []error
	failAll   bool
	frames    []image.Image
	openCalls int
	opens     int
	closes    int
	readCalls int
}

type fakeCamera struct{ d *fakeDevice }

func (d *fakeDevice) open(ctx context.Context, index int) (Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.openCalls
	d.openCalls++
	if i < len(d.openErrs) && d.openErrs[i] != nil {
		return nil, d.openErrs[i]
	}
	d.opens++
	return &fakeCamera{d: d}, nil
}

func (c *fakeCamera) Read() (image.Image, error) {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.readCalls
	d.readCalls++
	if d.failAll || (i < len(d.reads) && d.reads[i] != nil) {
		return nil, errors.New("v4l2 timeout")
	}
	if len(d.frames) > 0 {
		return d.frames[i%len(d.frames)], nil
	}
	return solid(red), nil
}

func (c *fakeCamera) Close() error {
	c.d.mu.Lock()
	c.d.closes++
	c.d.mu.Unlock()
	return nil
}

// script returns the command for the n-th poll, 1-based.
type script map[int]types.Command

type scriptedCommands struct {
	s script
	n int
}

func (c *scriptedCommands) Poll() (types.Command, bool) {
	c.n++
	cmd, ok := c.s[c.n]
	return cmd, ok
}

type fakeDisplay struct {
	shown  int
	closed bool
}

func (d *fakeDisplay) Show(image.Image) error { d.shown++; return nil }
func (d *fakeDisplay) Close() error           { d.closed = true; return nil }

type fakeGallery struct {
	current   atomic.Pointer[gallery.Gallery]
	reloads   atomic.Int32
	reloadErr error
	next      *gallery.Gallery
	block     bool
}

func (g *fakeGallery) Current() *gallery.Gallery { return g.current.Load() }

func (g *fakeGallery) Reload(ctx context.Context) (*gallery.Gallery, error) {
	g.reloads.Add(1)
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.reloadErr != nil {
		return nil, g.reloadErr
	}
	g.current.Store(g.next)
	return g.next, nil
}

type fakeRecorder struct {
	events []types.Event
}

func (r *fakeRecorder) RecordEvent(_ context.Context, ev types.Event) error {
	r.events = append(r.events, ev)
	return nil
}

// colourLocator finds a face in every non-black frame.
var colourLocator = face.LocatorFunc(func(img image.Image) (types.BoundingBox, bool, error) {
	r, g, b, _ := img.At(0, 0).RGBA()
	if r == 0 && g == 0 && b == 0 {
		return types.BoundingBox{}, false, nil
	}
	return types.BoundingBox{X: 4, Y: 4, Width: 24, Height: 24}, true, nil
})

// colourEmbedder embeds red and blue frames; green frames fail inference.
var colourEmbedder = face.EmbedderFunc(func(img image.Image) (types.Embedding, error) {
	r, g, b, _ := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	if g > 0 && r == 0 {
		return nil, face.ErrInference
	}
	return types.Embedding{float32(r>>8) / 255, float32(b>>8) / 255}, nil
})

func testGallery(t *testing.T, ids ...string) *gallery.Gallery {
	t.Helper()
	var entries []gallery.Entry
	for i, id := range ids {
		entries = append(entries, gallery.Entry{
			Identity:   id,
			Embeddings: []types.Embedding{{1 - float32(i), float32(i)}},
		})
	}
	g, err := gallery.New(entries)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

type harness struct {
	dev      *fakeDevice
	cmds     *scriptedCommands
	display  *fakeDisplay
	gal      *fakeGallery
	recorder *fakeRecorder
	sleeps   []time.Duration
	results  []FrameResult
	cfg      Config
	deps     Deps
}

func newHarness(t *testing.T, cmds script) *harness {
	h := &harness{
		dev:      &fakeDevice{},
		cmds:     &scriptedCommands{s: cmds},
		display:  &fakeDisplay{},
		gal:      &fakeGallery{},
		recorder: &fakeRecorder{},
	}
	h.gal.current.Store(testGallery(t, "alice"))

	h.cfg = DefaultConfig()
	h.cfg.InputSize = 8
	h.cfg.RetryDelay = time.Second
	h.cfg.MaxRetryDelay = 3 * time.Second

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.deps = Deps{
		Open:     h.dev.open,
		Locator:  colourLocator,
		Embedder: colourEmbedder,
		Gallery:  h.gal,
		Commands: h.cmds,
		Display:  h.display,
		Recorder: h.recorder,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnResult: func(fr FrameResult) { h.results = append(h.results, fr) },
		Now: func() time.Time {
			clock = clock.Add(100 * time.Millisecond)
			return clock
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	}
	return h
}

func (h *harness) run(t *testing.T) (*Loop, error) {
	t.Helper()
	l, err := NewLoop(h.cfg, h.deps)
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return l, l.Run(context.Background())
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if h.dev.opens != h.dev.closes {
		t.Errorf("camera leaked: %d opens, %d closes", h.dev.opens, h.dev.closes)
	}
	if !h.display.closed {
		t.Error("display was not closed")
	}
}

func TestQuitReleasesCamera(t *testing.T) {
	h := newHarness(t, script{3: types.CommandQuit})
	l, err := h.run(t)
	if err != nil {
		t.Fatalf("expected clean quit, got %v", err)
	}
	h.assertReleased(t)
	if h.display.shown != 3 {
		t.Errorf("expected 3 frames shown, got %d", h.display.shown)
	}
	if st := l.Status(); st.State != StateTerminated || st.Frames != 3 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestReadFailureBound(t *testing.T) {
	fail := errors.New("read")
	tests := []struct {
		name      string
		reads     []error
		bound     int
		wantOpens int
	}{
		{"below bound keeps session", []error{fail, fail, fail}, 5, 1},
		{"one below bound keeps session", []error{fail, fail}, 3, 1},
		{"reaching bound re-initializes", []error{fail, fail, fail}, 3, 2},
		{"fourth failure with bound three", []error{fail, fail, fail, fail}, 3, 2},
		{"good frame resets the count", []error{fail, fail, nil, fail, fail}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, script{len(tt.reads) + 2: types.CommandQuit})
			h.dev.reads = tt.reads
			h.cfg.MaxReadFailures = tt.bound

			if _, err := h.run(t); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if h.dev.opens != tt.wantOpens {
				t.Errorf("expected %d opens, got %d", tt.wantOpens, h.dev.opens)
			}
			h.assertReleased(t)
		})
	}
}

func TestRepeatedRecoveriesAreFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.failAll = true
	h.cfg.MaxReadFailures = 2
	h.cfg.MaxRecoveries = 1

	l, err := h.run(t)
	if !errors.Is(err, ErrCameraUnavailable) {
		t.Fatalf("expected ErrCameraUnavailable, got %v", err)
	}
	if h.dev.opens != 2 {
		t.Errorf("expected initial open plus one recovery, got %d opens", h.dev.opens)
	}
	if h.dev.readCalls != 4 {
		t.Errorf("expected 4 reads, got %d", h.dev.readCalls)
	}
	h.assertReleased(t)
	if l.Status().State != StateTerminated {
		t.Errorf("expected TERMINATED, got %s", l.Status().State)
	}
}

func TestOpenRetryExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	busy := errors.New("busy")
	h.dev.openErrs = []error{busy, busy, busy, busy}
	h.cfg.OpenRetries = 4

	_, err := h.run(t)
	if !errors.Is(err, ErrCameraUnavailable) {
		t.Fatalf("expected ErrCameraUnavailable, got %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("expected backoff %v, got %v", want, h.sleeps)
	}
	for i := range want {
		if h.sleeps[i] != want[i] {
			t.Errorf("backoff %d: got %v, want %v", i, h.sleeps[i], want[i])
		}
	}
	if h.dev.opens != 0 || !h.display.closed {
		t.Error("expected no camera and a closed display")
	}
}

func TestOpenSucceedsAfterRetries(t *testing.T) {
	h := newHarness(t, script{1: types.CommandQuit})
	busy := errors.New("busy")
	h.dev.openErrs = []error{busy, busy, busy, busy}
	h.cfg.OpenRetries = 5

	if _, err := h.run(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	if len(h.sleeps) != len(want) || h.sleeps[3] != want[3] {
		t.Errorf("expected capped backoff %v, got %v", want, h.sleeps)
	}
	h.assertReleased(t)
}

func TestCancelDuringOpenIsQuit(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.openErrs = []error{errors.New("busy")}

	ctx, cancel := context.WithCancel(context.Background())
	h.deps.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}
	l, err := NewLoop(h.cfg, h.deps)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("cancellation should be a clean stop, got %v", err)
	}
	if !h.display.closed {
		t.Error("display was not closed")
	}
}

func TestFrameResults(t *testing.T) {
	h := newHarness(t, script{6: types.CommandQuit})
	h.dev.frames = []image.Image{solid(red), solid(red), solid(black), solid(green), solid(red), solid(red)}

	l, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}

	// alice, face lost, inference failure, alice again
	if len(h.results) != 4 {
		t.Fatalf("expected 4 result changes, got %d", len(h.results))
	}
	if r := h.results[0].Result; r == nil || r.Identity != "alice" || !r.Matched() {
		t.Errorf("expected alice match first, got %+v", h.results[0])
	}
	if h.results[1].Face {
		t.Error("black frame should have no face and no carried-over result")
	}
	if h.results[2].Result != nil || !errors.Is(h.results[2].Err, face.ErrInference) {
		t.Errorf("expected inference failure, got %+v", h.results[2])
	}

	if len(h.recorder.events) != 2 {
		t.Errorf("expected 2 recorded events, got %d", len(h.recorder.events))
	}
	for _, ev := range h.recorder.events {
		if ev.SessionID != l.SessionID() || ev.Identity != "alice" {
			t.Errorf("unexpected event %+v", ev)
		}
	}

	st := l.Status()
	if st.Frames != 6 || st.Faces != 5 || st.InferenceErrors != 1 {
		t.Errorf("unexpected counters %+v", st)
	}
	if st.FPS < 9.9 || st.FPS > 10.1 {
		t.Errorf("expected ~10 fps from the 100ms clock, got %v", st.FPS)
	}
}

func TestRejectedFrame(t *testing.T) {
	h := newHarness(t, script{1: types.CommandQuit})
	h.dev.frames = []image.Image{solid(color.RGBA{B: 255, A: 255})}

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	r := h.results[0].Result
	if r == nil || r.Matched() || r.Identity != types.UnknownIdentity {
		t.Errorf("expected REJECT unknown, got %+v", r)
	}
}

func TestSnapshotsInSameSecond(t *testing.T) {
	h := newHarness(t, script{1: types.CommandSnapshot, 2: types.CommandSnapshot, 3: types.CommandQuit})
	sink := NewDirSink(t.TempDir())
	h.deps.Sink = sink
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.deps.Now = func() time.Time { return fixed }

	l, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}

	var paths []string
	for _, ev := range h.recorder.events {
		if ev.SnapshotPath != "" {
			paths = append(paths, ev.SnapshotPath)
		}
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Fatalf("expected 2 distinct snapshot files, got %v", paths)
	}
	if l.Status().Snapshots != 2 {
		t.Errorf("expected 2 snapshots in status, got %d", l.Status().Snapshots)
	}
}

func TestReload(t *testing.T) {
	h := newHarness(t, script{1: types.CommandReload, 3: types.CommandQuit})
	h.gal.next = testGallery(t, "alice", "bob")

	l, err := h.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if h.gal.reloads.Load() != 1 {
		t.Fatalf("expected 1 reload, got %d", h.gal.reloads.Load())
	}
	st := l.Status()
	if st.Reloads != 1 || st.GalleryIdentities != 2 || st.Reloading {
		t.Errorf("unexpected status after reload %+v", st)
	}
}

func TestReloadFailureKeepsGallery(t *testing.T) {
	h := newHarness(t, script{1: types.CommandReload, 2: types.CommandQuit})
	h.gal.reloadErr = gallery.ErrGalleryEmpty
	before := h.gal.Current()

	l, err := h.run(t)
	if err != nil {
		t.Fatalf("a failed reload must not stop the loop: %v", err)
	}
	if h.gal.Current() != before {
		t.Error("gallery changed after failed reload")
	}
	if st := l.Status(); st.ReloadFailures != 1 || st.LastReloadError == "" {
		t.Errorf("expected reload failure in status, got %+v", st)
	}
}

func TestConcurrentReloadIgnored(t *testing.T) {
	h := newHarness(t, script{1: types.CommandReload, 2: types.CommandReload, 3: types.CommandQuit})
	h.gal.block = true

	if _, err := h.run(t); err != nil {
		t.Fatal(err)
	}
	if n := h.gal.reloads.Load(); n != 1 {
		t.Errorf("expected the second reload to be ignored, got %d reloads", n)
	}
}

func TestNewLoopValidates(t *testing.T) {
	h := newHarness(t, nil)

	for _, threshold := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		cfg := h.cfg
		cfg.Threshold = threshold
		if _, err := NewLoop(cfg, h.deps); err == nil {
			t.Errorf("expected error for threshold %v", threshold)
		}
	}

	cfg := h.cfg
	cfg.MaxBackendFailures = -1
	if _, err := NewLoop(cfg, h.deps); err == nil {
		t.Error("expected error for negative max backend failures")
	}

	deps := h.deps
	deps.Embedder = nil
	if _, err := NewLoop(h.cfg, deps); err == nil {
		t.Error("expected error without embedder")
	}
}

func TestDeadBackendStopsLoop(t *testing.T) {
	h := newHarness(t, script{20: types.CommandQuit})
	h.cfg.MaxBackendFailures = 5
	h.deps.Locator = face.LocatorFunc(func(image.Image) (types.BoundingBox, bool, error) {
		return types.BoundingBox{}, false, errors.New("reading response header: EOF")
	})

	l, err := h.run(t)
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("expected ErrBackend, got %v", err)
	}
	h.assertReleased(t)

	// The first failure is reported once, not on every frame
	if len(h.results) != 1 || h.results[0].Err == nil {
		t.Fatalf("expected one failed result, got %+v", h.results)
	}
	if st := l.Status(); st.Frames != 5 || st.BackendFailures != 5 || st.State != StateTerminated {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestBackendFailuresReset(t *testing.T) {
	h := newHarness(t, script{8: types.CommandQuit})
	h.cfg.MaxBackendFailures = 4
	calls := 0
	h.deps.Locator = face.LocatorFunc(func(img image.Image) (types.BoundingBox, bool, error) {
		calls++
		if calls <= 3 {
			return types.BoundingBox{}, false, errors.New("broken pipe")
		}
		return colourLocator(img)
	})

	l, err := h.run(t)
	if err != nil {
		t.Fatalf("expected the loop to recover, got %v", err)
	}
	if len(h.results) != 2 || h.results[0].Err == nil || h.results[1].Result == nil {
		t.Fatalf("expected a failure then a match, got %+v", h.results)
	}
	if st := l.Status(); st.BackendFailures != 0 || st.InferenceErrors != 3 {
		t.Errorf("unexpected counters %+v", st)
	}
}

func TestInferenceErrorsNeverStopLoop(t *testing.T) {
	h := newHarness(t, script{10: types.CommandQuit})
	h.cfg.MaxBackendFailures = 2
	h.dev.frames = []image.Image{solid(green)}

	l, err := h.run(t)
	if err != nil {
		t.Fatalf("inference errors must only skip frames, got %v", err)
	}
	if st := l.Status(); st.Frames != 10 || st.InferenceErrors != 10 || st.BackendFailures != 0 {
		t.Errorf("unexpected counters %+v", st)
	}
}
