package capture

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/facegate/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	ColorMatch  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	ColorReject = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	ColorInfo   = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	labelBG     = color.RGBA{A: 160}
)

const boxThickness = 2

// Overlay is what gets drawn on top of a frame.
type Overlay struct {
	// Face is set when a face was located; Box is only valid then.
	Face bool
	Box  types.BoundingBox
	// Result is nil when there was no face or the frame's inference failed.
	Result    *types.MatchResult
	FPS       float64
	Threshold float64
}

// Label is the text shown next to a face box.
func Label(r types.MatchResult) string {
	if r.Matched() {
		return fmt.Sprintf("%s (%.2f)", r.Identity, r.Distance)
	}
	return fmt.Sprintf("Unknown (%.2f)", r.Distance)
}

// Annotate returns a copy of frame with the face box, match label, FPS and
// threshold drawn on it. The input frame is left untouched.
func Annotate(frame image.Image, o Overlay) *image.RGBA {
	b := frame.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, frame, b.Min, draw.Src)

	if o.Face {
		c := ColorInfo
		if o.Result != nil {
			c = ColorReject
			if o.Result.Matched() {
				c = ColorMatch
			}
		}
		rect := o.Box.Rect()
		drawBox(dst, rect, c)
		if o.Result != nil {
			y := rect.Min.Y - 6
			if y < b.Min.Y+13 {
				y = rect.Max.Y + 15
			}
			drawText(dst, rect.Min.X, y, Label(*o.Result), c)
		}
	}

	drawText(dst, b.Min.X+10, b.Min.Y+20, fmt.Sprintf("FPS: %.1f", o.FPS), ColorInfo)
	drawText(dst, b.Min.X+10, b.Min.Y+38, fmt.Sprintf("Threshold: %.2f", o.Threshold), ColorInfo)
	return dst
}

func drawBox(dst draw.Image, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

// drawText writes s with its baseline at (x, y) over a translucent backing.
func drawText(dst draw.Image, x, y int, s string, c color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	w := d.MeasureString(s).Ceil()
	m := face.Metrics()
	bg := image.Rect(x-2, y-m.Ascent.Ceil()-2, x+w+2, y+m.Descent.Ceil()+2)
	draw.Draw(dst, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)
	d.DrawString(s)
}
