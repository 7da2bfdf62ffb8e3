package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/control"
	"github.com/andresmejia3/facegate/internal/device"
	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/mjpeg"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// VerifyOptions are the verify flags. Only flags set on the command line
// override the loaded configuration.
type VerifyOptions struct {
	CameraIndex       int
	Threshold         float64
	ReferenceDir      string
	OutputDir         string
	InputSize         int
	Backend           string
	Embedder          string
	ControlAddr       string
	ReferencesCropped bool
	Headless          bool
	Stdin             bool
}

var verifyOpts VerifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify faces from a camera against the reference gallery",
	Long: `Opens the camera, detects the largest face in each frame and compares it with
every reference embedding in the gallery. Keys in the preview window (or lines
on stdin, or POST /commands/{name} on the control address):

  q  quit
  s  save an annotated snapshot
  r  rebuild the gallery from the reference directory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyVerifyFlags(cmd, Cfg, verifyOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		return runVerify(cmd.Context(), Cfg, verifyOpts)
	},
}

func init() {
	f := verifyCmd.Flags()
	f.IntVarP(&verifyOpts.CameraIndex, "camera", "c", 0, "Camera device index")
	f.Float64VarP(&verifyOpts.Threshold, "threshold", "t", 0.6, "Verification threshold (distance must be strictly below it)")
	f.StringVarP(&verifyOpts.ReferenceDir, "references", "r", "", "Reference image directory")
	f.StringVarP(&verifyOpts.OutputDir, "output", "o", "", "Output directory for snapshots")
	f.IntVar(&verifyOpts.InputSize, "img-size", 128, "Square input size of the embedding model")
	f.StringVar(&verifyOpts.Backend, "backend", "gocv", "Camera backend: gocv or ffmpeg")
	f.StringVar(&verifyOpts.Embedder, "embedder", "python", "Embedding backend: python or tflite")
	f.StringVar(&verifyOpts.ControlAddr, "control-addr", "", "Serve the HTTP control API on this address (e.g. :8080)")
	f.BoolVar(&verifyOpts.ReferencesCropped, "references-cropped", false, "Reference images are already face crops")
	f.BoolVar(&verifyOpts.Headless, "headless", false, "Run without a preview window")
	f.BoolVar(&verifyOpts.Stdin, "stdin", false, "Read commands (q, s, r) from stdin")
	rootCmd.AddCommand(verifyCmd)
}

func applyVerifyFlags(cmd *cobra.Command, cfg *config.Config, o VerifyOptions) {
	changed := cmd.Flags().Changed
	if changed("camera") {
		cfg.Camera.Index = o.CameraIndex
	}
	if changed("threshold") {
		cfg.Verify.Threshold = o.Threshold
	}
	if changed("references") {
		cfg.Paths.ReferenceDir = o.ReferenceDir
	}
	if changed("output") {
		cfg.Paths.OutputDir = o.OutputDir
	}
	if changed("img-size") {
		cfg.Model.InputSize = o.InputSize
	}
	if changed("backend") {
		cfg.Camera.Backend = o.Backend
	}
	if changed("embedder") {
		cfg.Model.Embedder = o.Embedder
	}
	if changed("control-addr") {
		cfg.Control.Addr = o.ControlAddr
	}
	if changed("references-cropped") {
		cfg.Verify.ReferencesCropped = o.ReferencesCropped
	}
}

func runVerify(ctx context.Context, cfg *config.Config, opts VerifyOptions) error {
	printBanner(os.Stdout, cfg)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return fail("Failed to start the embedding backend", err, nil)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			Logger.Debug("closing engine", "error", err)
		}
	}()

	fmt.Printf("\n📂 Loading reference images from: %s\n", cfg.Paths.ReferenceDir)
	gs := gallery.NewStore(cfg.Paths.ReferenceDir, eng.builder(cfg), Logger)
	g, cached, err := loadGallery(ctx, gs, cfg)
	if err != nil {
		return fail("Failed to build the gallery", err, eng.Cmd())
	}
	printGallery(os.Stdout, g, cached)
	if report, ok := gs.LastReport(); ok && len(report.Skipped) > 0 {
		fmt.Printf("⚠️  %s skipped (see log for reasons)\n", humanize.Plural(len(report.Skipped), "reference image", "reference images"))
	}

	queue := capture.NewCommandQueue(capture.DefaultQueueSize)
	deps := capture.Deps{
		Open:     cameraOpener(cfg),
		Locator:  eng,
		Embedder: eng,
		Gallery:  &announcingGallery{store: gs, cfg: cfg, out: os.Stdout},
		Commands: queue,
		Sink:     &announcingSink{sink: capture.NewDirSink(cfg.SnapshotDir()), out: os.Stdout},
		Logger:   Logger,
		OnResult: func(fr capture.FrameResult) { printResult(os.Stdout, fr) },
	}
	if !opts.Headless {
		deps.Display = device.NewWindow("Face Verification", queue.Push)
	}
	if DB != nil {
		deps.Recorder = DB
	}

	loop, err := capture.NewLoop(cfg.Capture(), deps)
	if err != nil {
		return err
	}
	Logger.Info("verification session started", "session", loop.SessionID())

	if cfg.Control.Addr != "" {
		stop := serveControl(cfg.Control.Addr, control.New(queue, loop.Status, Logger), Logger)
		defer stop()
	}
	if opts.Stdin {
		go readCommands(os.Stdin, queue.Push, Logger)
	}

	printControls(os.Stdout)
	if err := loop.Run(ctx); err != nil {
		return fail("Verification loop stopped", err, eng.Cmd())
	}

	st := loop.Status()
	fmt.Printf("\n👋 Exiting... %s frames, %s with a face, %s snapshots\n",
		humanize.Comma(int64(st.Frames)), humanize.Comma(int64(st.Faces)), humanize.Comma(int64(st.Snapshots)))
	fmt.Println("✅ Application terminated")
	return nil
}

// cameraOpener picks the capture backend.
func cameraOpener(cfg *config.Config) capture.OpenFunc {
	if cfg.Camera.Backend == "ffmpeg" {
		return mjpeg.Opener(utils.CameraInput{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		})
	}
	return device.Opener(device.CameraOptions{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    cfg.Camera.FPS,
	})
}

// serveControl runs the control API in the background. The returned func
// shuts it down.
func serveControl(addr string, h http.Handler, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("control server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// readCommands forwards one command per line until r is exhausted.
// Unknown lines are logged and ignored.
func readCommands(r io.Reader, push func(types.Command) bool, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		cmd, ok := types.ParseCommand(line)
		if !ok {
			logger.Warn("unknown command", "input", line)
			continue
		}
		if !push(cmd) {
			logger.Warn("command queue full, dropping command", "command", cmd)
		}
	}
}

// announcingGallery prints reload progress and saves successful rebuilds.
type announcingGallery struct {
	store *gallery.Store
	cfg   *config.Config
	out   io.Writer
}

func (a *announcingGallery) Current() *gallery.Gallery { return a.store.Current() }

func (a *announcingGallery) Reload(ctx context.Context) (*gallery.Gallery, error) {
	fmt.Fprintln(a.out, "\n🔄 Reloading gallery...")
	g, err := a.store.Reload(ctx)
	if err != nil {
		fmt.Fprintf(a.out, "⚠️  Gallery reload failed, keeping %d identities: %v\n", a.store.Current().Len(), err)
		return nil, err
	}
	fmt.Fprintf(a.out, "✅ Gallery reloaded! %s\n", humanize.Plural(g.Len(), "identity", "identities"))
	if DB != nil {
		if fp, err := galleryFingerprint(a.cfg); err == nil {
			saveGallery(ctx, a.store.Root(), fp, g)
		}
	}
	return g, nil
}

// announcingSink prints the path of every saved snapshot.
type announcingSink struct {
	sink capture.SnapshotSink
	out  io.Writer
}

func (a *announcingSink) Save(img image.Image, at time.Time) (string, error) {
	path, err := a.sink.Save(img, at)
	if err == nil {
		fmt.Fprintf(a.out, "📸 Snapshot saved: %s\n", path)
	}
	return path, err
}

func printBanner(w io.Writer, cfg *config.Config) {
	rule := strings.Repeat("=", 60)
	model := cfg.Model.KerasPath
	if cfg.Model.Embedder == "tflite" {
		model = cfg.Model.TFLitePath
	}
	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "🚀 FACE VERIFICATION SYSTEM")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  - Model: %s (%s)\n", model, cfg.Model.Embedder)
	fmt.Fprintf(w, "  - Camera Index: %d (%s, %dx%d @ %d fps)\n",
		cfg.Camera.Index, cfg.Camera.Backend, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Fprintf(w, "  - Verification Threshold: %g\n", cfg.Verify.Threshold)
	fmt.Fprintf(w, "  - Image Size: %dx%d\n", cfg.Model.InputSize, cfg.Model.InputSize)
	fmt.Fprintf(w, "  - Embedding Dim: %d\n", cfg.Model.EmbeddingDim)
	if cfg.Database.URL != "" {
		fmt.Fprintln(w, "  - Persistence: PostgreSQL")
	}
	fmt.Fprintln(w, rule)
}

func printControls(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, "\n"+rule)
	fmt.Fprintln(w, "🎥 REAL-TIME FACE VERIFICATION SYSTEM")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Controls:")
	fmt.Fprintln(w, "  - Press 'q' to quit")
	fmt.Fprintln(w, "  - Press 's' to save snapshot")
	fmt.Fprintln(w, "  - Press 'r' to reset/reload gallery")
	fmt.Fprintln(w, rule+"\n")
}

func printGallery(w io.Writer, g *gallery.Gallery, cached bool) {
	source := "built"
	if cached {
		source = "loaded from database"
	}
	fmt.Fprintf(w, "✅ Gallery %s with %s:\n", source, humanize.Plural(g.Len(), "person", "persons"))
	for _, e := range g.Entries() {
		fmt.Fprintf(w, "   - %s (%s)\n", e.Identity, humanize.Plural(len(e.Embeddings), "reference", "references"))
	}
}

// printResult prints one line per change of the frame outcome.
func printResult(w io.Writer, fr capture.FrameResult) {
	switch {
	case fr.Err != nil && errors.Is(fr.Err, face.ErrInference):
		fmt.Fprintf(w, "⚠️  Inference failed: %v\n", fr.Err)
	case fr.Err != nil:
		fmt.Fprintf(w, "🔥 Face backend failed: %v\n", fr.Err)
	case fr.Result == nil:
		// Face lost or not yet identified
	case fr.Result.Matched():
		fmt.Fprintf(w, "✅ %s verified (distance: %.3f)\n", fr.Result.Identity, fr.Result.Distance)
	default:
		fmt.Fprintf(w, "❌ Unknown person (distance: %.3f)\n", fr.Result.Distance)
	}
}
