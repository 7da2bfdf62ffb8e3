package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/google/uuid"
)

// Deps are the collaborators of a Loop. Open, Embedder and Gallery are
// required; everything else is optional.
type Deps struct {
	Open     OpenFunc
	Locator  face.Locator
	Embedder face.Embedder
	Gallery  GallerySource
	Commands CommandSource
	Display  Display
	Sink     SnapshotSink
	Recorder Recorder
	Logger   *slog.Logger

	// OnResult is called from the loop goroutine whenever the per-frame
	// outcome changes (new identity, new verdict, face lost).
	OnResult func(FrameResult)

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// FrameResult is the outcome of one processed frame.
type FrameResult struct {
	Face   bool
	Box    types.BoundingBox
	Result *types.MatchResult
	Err    error
	At     time.Time
}

// key identifies a result for change detection; distance is ignored.
func (r FrameResult) key() string {
	switch {
	case r.Err != nil:
		return "error"
	case !r.Face:
		return ""
	case r.Result == nil:
		return "face"
	default:
		return string(r.Result.Verdict) + "/" + r.Result.Identity
	}
}

// Status is a point-in-time view of the loop for operators.
type Status struct {
	State             State              `json:"state"`
	SessionID         string             `json:"session_id"`
	DeviceIndex       int                `json:"device_index"`
	Threshold         float64            `json:"threshold"`
	FPS               float64            `json:"fps"`
	Frames            uint64             `json:"frames"`
	Faces             uint64             `json:"faces"`
	InferenceErrors   uint64             `json:"inference_errors"`
	BackendFailures   int                `json:"backend_failures"`
	ReadFailures      int                `json:"read_failures"`
	Recoveries        int                `json:"recoveries"`
	LastResult        *types.MatchResult `json:"last_result,omitempty"`
	LastFrameAt       time.Time          `json:"last_frame_at"`
	GalleryIdentities int                `json:"gallery_identities"`
	Reloading         bool               `json:"reloading"`
	Reloads           int                `json:"reloads"`
	ReloadFailures    int                `json:"reload_failures"`
	LastReloadError   string             `json:"last_reload_error,omitempty"`
	Snapshots         int                `json:"snapshots"`
	LastSnapshot      string             `json:"last_snapshot,omitempty"`
}

// Loop is the verification state machine. A Loop runs once.
type Loop struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	id   string
	fps  *FPSMeter

	mu     sync.RWMutex
	status Status

	reloading atomic.Bool
	reloads   sync.WaitGroup

	last            FrameResult
	lastAnnotated   image.Image
	backendFailures int
}

// NewLoop validates cfg and deps and returns a loop ready to Run.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Open == nil || deps.Embedder == nil || deps.Gallery == nil {
		return nil, errors.New("capture loop needs a camera opener, an embedder and a gallery")
	}
	if deps.Locator == nil {
		deps.Locator = face.WholeImage{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}

	id := uuid.NewString()
	l := &Loop{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("session", id, "device", cfg.DeviceIndex),
		id:   id,
		fps:  NewFPSMeter(cfg.FPSWindow),
	}
	l.status = Status{
		State:       StateInit,
		SessionID:   id,
		DeviceIndex: cfg.DeviceIndex,
		Threshold:   cfg.Threshold,
	}
	return l, nil
}

// SessionID identifies this run in logs and persisted events.
func (l *Loop) SessionID() string { return l.id }

// Status returns a snapshot of the loop's counters. Safe for concurrent use.
func (l *Loop) Status() Status {
	l.mu.RLock()
	s := l.status
	l.mu.RUnlock()
	if s.LastResult != nil {
		r := *s.LastResult
		s.LastResult = &r
	}
	s.Reloading = l.reloading.Load()
	s.GalleryIdentities = l.deps.Gallery.Current().Len()
	return s
}

func (l *Loop) update(fn func(*Status)) {
	l.mu.Lock()
	fn(&l.status)
	l.mu.Unlock()
}

func (l *Loop) setState(s State) {
	l.update(func(st *Status) { st.State = s })
}

// Run drives the camera until a quit command, ctx cancellation or a fatal
// camera error. Quit and cancellation return nil. The camera, the display
// and any in-flight reload are always released before Run returns.
func (l *Loop) Run(ctx context.Context) (err error) {
	reloadCtx, cancelReload := context.WithCancel(ctx)
	sess := &Session{DeviceIndex: l.cfg.DeviceIndex}

	defer func() {
		if cerr := sess.close(); cerr != nil {
			l.log.Warn("closing camera", "error", cerr)
		}
		if l.deps.Display != nil {
			if cerr := l.deps.Display.Close(); cerr != nil {
				l.log.Warn("closing display", "error", cerr)
			}
		}
		cancelReload()
		l.reloads.Wait()
		l.setState(StateTerminated)
		if err != nil {
			l.log.Error("capture loop terminated", "error", err)
		} else {
			l.log.Info("capture loop stopped")
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !sess.Open {
			l.setState(StateInit)
			if err := l.openCamera(ctx, sess); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			l.setState(StateAcquiring)
		}

		frame, rerr := sess.camera.Read()
		if rerr != nil {
			if err := l.readFailed(sess, rerr); err != nil {
				return err
			}
		} else {
			l.frameRead(sess)
			if err := l.process(ctx, frame); err != nil {
				return err
			}
		}

		if quit := l.poll(ctx, reloadCtx); quit {
			return nil
		}
	}
}

// openCamera tries up to OpenRetries times with growing delays.
func (l *Loop) openCamera(ctx context.Context, sess *Session) error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.OpenRetries; attempt++ {
		cam, err := l.deps.Open(ctx, sess.DeviceIndex)
		if err == nil {
			sess.camera = cam
			sess.Open = true
			sess.ConsecutiveFailures = 0
			l.fps.Reset()
			l.log.Info("camera opened", "attempt", attempt)
			return nil
		}
		lastErr = err
		l.log.Warn("camera open failed", "attempt", attempt, "of", l.cfg.OpenRetries, "error", err)

		if attempt < l.cfg.OpenRetries {
			if err := l.deps.Sleep(ctx, l.cfg.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: device %d after %d attempts: %v",
		ErrCameraUnavailable, sess.DeviceIndex, l.cfg.OpenRetries, lastErr)
}

// readFailed applies the recovery tiers. Reaching MaxReadFailures closes the
// camera so the next iteration re-enters INIT; exceeding MaxRecoveries is fatal.
func (l *Loop) readFailed(sess *Session, cause error) error {
	sess.ConsecutiveFailures++
	failures := sess.ConsecutiveFailures
	l.update(func(st *Status) { st.ReadFailures = failures })
	l.log.Warn("frame read failed",
		"error", fmt.Errorf("%w: %v", ErrFrameRead, cause),
		"consecutive", failures, "limit", l.cfg.MaxReadFailures)

	if failures < l.cfg.MaxReadFailures {
		return nil
	}

	sess.Recoveries++
	if sess.Recoveries > l.cfg.MaxRecoveries {
		return fmt.Errorf("%w: device %d failed %d recoveries in a row: %v",
			ErrCameraUnavailable, sess.DeviceIndex, l.cfg.MaxRecoveries, cause)
	}

	recoveries := sess.Recoveries
	l.log.Warn("re-initializing camera", "recovery", recoveries, "limit", l.cfg.MaxRecoveries)
	if err := sess.close(); err != nil {
		l.log.Warn("closing camera", "error", err)
	}
	sess.ConsecutiveFailures = 0
	l.update(func(st *Status) {
		st.Recoveries = recoveries
		st.ReadFailures = 0
	})
	return nil
}

func (l *Loop) frameRead(sess *Session) {
	sess.ConsecutiveFailures = 0
	sess.Recoveries = 0
	l.update(func(st *Status) {
		if st.State == StateAcquiring {
			st.State = StateStreaming
		}
		st.ReadFailures = 0
		st.Recoveries = 0
	})
}

// process runs one frame through locate, embed, match, annotate and display.
// Inference errors only affect this frame. Other backend errors are counted
// and become fatal after MaxBackendFailures frames in a row.
func (l *Loop) process(ctx context.Context, frame image.Image) error {
	now := l.deps.Now()
	l.fps.Tick(now)
	fr := l.identify(frame)
	fr.At = now
	switch {
	case fr.Err == nil:
		l.backendFailures = 0
	case errors.Is(fr.Err, face.ErrInference):
		l.backendFailures = 0
		l.log.Debug("frame skipped", "error", fr.Err)
	default:
		l.backendFailures++
		if l.backendFailures == 1 {
			l.log.Warn("face backend failed", "error", fr.Err, "limit", l.cfg.MaxBackendFailures)
		} else {
			l.log.Debug("face backend failed", "error", fr.Err, "consecutive", l.backendFailures)
		}
	}
	failures := l.backendFailures

	annotated := Annotate(frame, Overlay{
		Face:      fr.Face,
		Box:       fr.Box,
		Result:    fr.Result,
		FPS:       l.fps.Rate(),
		Threshold: l.cfg.Threshold,
	})
	l.lastAnnotated = annotated

	if l.deps.Display != nil {
		if err := l.deps.Display.Show(annotated); err != nil {
			l.log.Warn("display failed", "error", err)
		}
	}

	l.update(func(st *Status) {
		st.Frames++
		if fr.Face {
			st.Faces++
		}
		if fr.Err != nil {
			st.InferenceErrors++
		}
		st.BackendFailures = failures
		st.FPS = l.fps.Rate()
		st.LastFrameAt = now
		st.LastResult = fr.Result
	})

	if fr.key() != l.last.key() {
		if fr.Result != nil {
			l.record(ctx, fr, "")
		}
		if l.deps.OnResult != nil {
			l.deps.OnResult(fr)
		}
	}
	l.last = fr

	if l.cfg.MaxBackendFailures > 0 && failures >= l.cfg.MaxBackendFailures {
		return fmt.Errorf("%w: %d frames in a row: %v", ErrBackend, failures, fr.Err)
	}
	return nil
}

func (l *Loop) identify(frame image.Image) FrameResult {
	box, ok, err := l.deps.Locator.Locate(frame)
	if err != nil {
		return FrameResult{Err: fmt.Errorf("locate: %w", err)}
	}
	if !ok {
		return FrameResult{}
	}
	fr := FrameResult{Face: true, Box: box}

	crop, err := face.Extract(frame, box, l.cfg.InputSize)
	if err != nil {
		fr.Err = err
		return fr
	}
	emb, err := l.deps.Embedder.Embed(crop)
	if err != nil {
		fr.Err = fmt.Errorf("embed: %w", err)
		return fr
	}

	g := l.deps.Gallery.Current()
	if g.Len() > 0 && emb.Dim() != g.Dim() {
		fr.Err = fmt.Errorf("%w: embedding dimension %d, gallery has %d", face.ErrInference, emb.Dim(), g.Dim())
		return fr
	}
	res := matcher.Identify(emb, g, l.cfg.Threshold)
	fr.Result = &res
	return fr
}

// poll handles at most one pending command. It reports whether the loop
// should stop.
func (l *Loop) poll(ctx, reloadCtx context.Context) bool {
	if l.deps.Commands == nil {
		return false
	}
	cmd, ok := l.deps.Commands.Poll()
	if !ok {
		return false
	}

	l.log.Debug("command received", "command", cmd)
	switch cmd {
	case types.CommandQuit:
		l.log.Info("quit requested")
		return true
	case types.CommandSnapshot:
		l.setState(StateSnapshotting)
		l.snapshot(ctx)
		l.setState(StateStreaming)
	case types.CommandReload:
		l.setState(StateReloading)
		l.startReload(reloadCtx)
		l.setState(StateStreaming)
	}
	return false
}

func (l *Loop) snapshot(ctx context.Context) {
	if l.deps.Sink == nil {
		l.log.Warn("snapshot requested but no snapshot sink is configured")
		return
	}
	if l.lastAnnotated == nil {
		l.log.Warn("snapshot requested before the first frame")
		return
	}

	path, err := l.deps.Sink.Save(l.lastAnnotated, l.deps.Now())
	if err != nil {
		l.log.Error("snapshot failed", "error", err)
		return
	}
	l.log.Info("snapshot saved", "path", path)
	l.update(func(st *Status) {
		st.Snapshots++
		st.LastSnapshot = path
	})
	if l.last.Result != nil {
		l.record(ctx, l.last, path)
	}
}

// startReload rebuilds the gallery in the background. Requests arriving while
// a rebuild is running are dropped.
func (l *Loop) startReload(ctx context.Context) {
	if !l.reloading.CompareAndSwap(false, true) {
		l.log.Info("gallery reload already in progress, ignoring request")
		return
	}

	l.reloads.Add(1)
	go func() {
		defer l.reloads.Done()
		defer l.reloading.Store(false)

		l.log.Info("gallery reload started")
		g, err := l.deps.Gallery.Reload(ctx)
		if err != nil {
			l.update(func(st *Status) {
				st.ReloadFailures++
				st.LastReloadError = err.Error()
			})
			l.log.Error("gallery reload failed, previous gallery still active", "error", err)
			return
		}
		l.update(func(st *Status) {
			st.Reloads++
			st.LastReloadError = ""
		})
		l.log.Info("gallery reloaded", "identities", g.Len())
	}()
}

func (l *Loop) record(ctx context.Context, fr FrameResult, snapshot string) {
	if l.deps.Recorder == nil {
		return
	}
	ev := types.Event{
		SessionID:    l.id,
		DeviceIndex:  l.cfg.DeviceIndex,
		Identity:     fr.Result.Identity,
		Distance:     fr.Result.Distance,
		Verdict:      fr.Result.Verdict,
		Box:          fr.Box,
		SnapshotPath: snapshot,
		At:           fr.At,
	}
	if err := l.deps.Recorder.RecordEvent(ctx, ev); err != nil {
		l.log.Warn("recording event failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
