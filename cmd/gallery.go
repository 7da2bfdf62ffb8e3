package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facegate/internal/face"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	galleryOpts  VerifyOptions
	gallerySave  bool
	listFromDisk bool
	listProbe    string
	listTop      int
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Build and inspect the reference gallery",
}

var galleryBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed every reference image and report the resulting gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyVerifyFlags(cmd, Cfg, galleryOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		if gallerySave {
			if err := requireDB(); err != nil {
				return err
			}
		}
		return runGalleryBuild(cmd.Context())
	},
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities of the saved (or freshly built) gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyVerifyFlags(cmd, Cfg, galleryOpts)
		if err := Cfg.Validate(); err != nil {
			return err
		}
		if !listFromDisk {
			if err := requireDB(); err != nil {
				return err
			}
		}
		return runGalleryList(cmd.Context())
	},
}

func init() {
	for _, c := range []*cobra.Command{galleryBuildCmd, galleryListCmd} {
		f := c.Flags()
		f.StringVarP(&galleryOpts.ReferenceDir, "references", "r", "", "Reference image directory")
		f.IntVar(&galleryOpts.InputSize, "img-size", 128, "Square input size of the embedding model")
		f.StringVar(&galleryOpts.Embedder, "embedder", "python", "Embedding backend: python or tflite")
		f.BoolVar(&galleryOpts.ReferencesCropped, "references-cropped", false, "Reference images are already face crops")
	}
	galleryBuildCmd.Flags().BoolVar(&gallerySave, "save", false, "Save the gallery to the database")

	galleryListCmd.Flags().BoolVar(&listFromDisk, "from-disk", false, "Build the gallery from the reference directory instead of reading the database")
	galleryListCmd.Flags().StringVar(&listProbe, "probe", "", "Rank identities by distance to the face in this image")
	galleryListCmd.Flags().IntVarP(&listTop, "top", "k", 5, "Number of identities shown with --probe (0 for all)")
	galleryListCmd.Flags().Float64VarP(&galleryOpts.Threshold, "threshold", "t", 0.6, "Verification threshold used to mark --probe matches")

	galleryCmd.AddCommand(galleryBuildCmd, galleryListCmd)
	rootCmd.AddCommand(galleryCmd)
}

func runGalleryBuild(ctx context.Context) error {
	eng, err := newEngine(ctx, Cfg)
	if err != nil {
		return fail("Failed to start the embedding backend", err, nil)
	}
	defer eng.Close()

	g, report, err := buildWithProgress(ctx, eng)
	if err != nil {
		return fail("Gallery build failed", err, eng.Cmd())
	}

	printEntries(os.Stdout, g)
	for _, s := range report.Skipped {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s: %s\n", s.Path, s.Reason)
	}
	fmt.Fprintf(os.Stderr, "\n🏁 Gallery built: %s, %s (%s skipped) in %s\n",
		humanize.Plural(g.Len(), "identity", "identities"),
		humanize.Plural(g.Size(), "embedding", "embeddings"),
		humanize.Plural(len(report.Skipped), "image", "images"),
		report.Duration.Round(time.Millisecond))

	if gallerySave {
		fp, err := galleryFingerprint(Cfg)
		if err != nil {
			return err
		}
		id, err := DB.SaveGallery(ctx, Cfg.Paths.ReferenceDir, fp, g)
		if err != nil {
			return fmt.Errorf("saving gallery: %w", err)
		}
		fmt.Fprintf(os.Stderr, "💾 Saved gallery #%d for %s\n", id, Cfg.Paths.ReferenceDir)
	}
	return nil
}

// buildWithProgress builds from the configured reference directory with a
// progress bar on stderr.
func buildWithProgress(ctx context.Context, eng *engine) (*gallery.Gallery, gallery.BuildReport, error) {
	var bar *progressbar.ProgressBar
	b := eng.builder(Cfg)
	b.OnProgress = func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("🔨 Embedding references"),
				progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
				progressbar.OptionShowCount(),
			)
		}
		bar.Set(done)
	}

	g, report, err := b.Build(ctx, Cfg.Paths.ReferenceDir)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	return g, report, err
}

func runGalleryList(ctx context.Context) error {
	var (
		eng *engine
		g   *gallery.Gallery
		err error
	)
	if listFromDisk || listProbe != "" {
		eng, err = newEngine(ctx, Cfg)
		if err != nil {
			return fail("Failed to start the embedding backend", err, nil)
		}
		defer eng.Close()
	}

	if listFromDisk {
		g, _, err = buildWithProgress(ctx, eng)
		if err != nil {
			return fail("Gallery build failed", err, eng.Cmd())
		}
		printEntries(os.Stdout, g)
	} else {
		info, err := DB.GalleryInfo(ctx, Cfg.Paths.ReferenceDir)
		if err != nil {
			return err
		}
		identities, err := DB.ListIdentities(ctx, Cfg.Paths.ReferenceDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "📦 Gallery #%d for %s, built %s (dim %d)\n",
			info.ID, info.Root, humanize.Time(info.BuiltAt), info.Dim)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tEMBEDDINGS")
		fmt.Fprintln(w, "--------\t----------")
		for _, id := range identities {
			fmt.Fprintf(w, "%s\t%d\n", id.Identity, id.Embeddings)
		}
		w.Flush()
	}

	if listProbe == "" {
		return nil
	}
	if g == nil {
		if g, _, err = DB.LoadGallery(ctx, Cfg.Paths.ReferenceDir); err != nil {
			return err
		}
	}
	candidates, err := probe(eng, listProbe, g, listTop)
	if err != nil {
		return fail("Probe failed", err, eng.Cmd())
	}
	fmt.Printf("\n🔍 Nearest identities to %s:\n", listProbe)
	printCandidates(os.Stdout, candidates, Cfg.Verify.Threshold)
	return nil
}

// probe embeds the largest face of the image at path and ranks the gallery.
func probe(eng *engine, path string, g *gallery.Gallery, k int) ([]matcher.Candidate, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	box, ok, err := eng.Locate(img)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no face found in %s", path)
	}
	crop, err := face.Extract(img, box, eng.InputSize)
	if err != nil {
		return nil, err
	}
	emb, err := eng.Embed(crop)
	if err != nil {
		return nil, err
	}
	if emb.Dim() != g.Dim() {
		return nil, fmt.Errorf("%w: probe has %d dimensions, gallery has %d", gallery.ErrDimensionMismatch, emb.Dim(), g.Dim())
	}
	return matcher.Nearest(emb, g, k), nil
}

func printEntries(w io.Writer, g *gallery.Gallery) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tEMBEDDINGS")
	fmt.Fprintln(tw, "--------\t----------")
	for _, e := range g.Entries() {
		fmt.Fprintf(tw, "%s\t%d\n", e.Identity, len(e.Embeddings))
	}
	tw.Flush()
}

func printCandidates(w io.Writer, candidates []matcher.Candidate, threshold float64) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "RANK\tIDENTITY\tDISTANCE\tVERDICT")
	fmt.Fprintln(tw, "----\t--------\t--------\t-------")
	for i, c := range candidates {
		verdict := "REJECT"
		if c.Distance < threshold {
			verdict = "MATCH"
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\n", i+1, c.Identity, c.Distance, verdict)
	}
	tw.Flush()
}
