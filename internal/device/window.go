package device

import (
	"image"

	"github.com/andresmejia3/facegate/internal/types"
	"gocv.io/x/gocv"
)

const keyEscape = 27

// Window is the preview display. Key presses seen while showing a frame are
// forwarded as commands: q or Esc quits, s snapshots, r reloads the gallery.
type Window struct {
	title  string
	push   func(types.Command) bool
	window *gocv.Window
}

// NewWindow returns a display that forwards keys to push. The OS window is
// created on the first frame so it lives on the capture goroutine.
func NewWindow(title string, push func(types.Command) bool) *Window {
	return &Window{title: title, push: push}
}

func (w *Window) Show(img image.Image) error {
	if w.window == nil {
		w.window = gocv.NewWindow(w.title)
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return err
	}
	defer mat.Close()
	w.window.IMShow(mat)

	key := w.window.WaitKey(1)
	if key < 0 || w.push == nil {
		return nil
	}
	if cmd, ok := keyCommand(key); ok {
		w.push(cmd)
	}
	return nil
}

func (w *Window) Close() error {
	if w.window == nil {
		return nil
	}
	return w.window.Close()
}

func keyCommand(key int) (types.Command, bool) {
	if key&0xFF == keyEscape {
		return types.CommandQuit, true
	}
	return types.ParseCommand(string(rune(key & 0xFF)))
}
