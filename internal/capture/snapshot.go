package capture

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// DirSink writes snapshots as JPEG files into a directory.
//
// Names follow snapshot_YYYYMMDD_HHMMSS.mmm_NNNN.jpg. Files are created
// exclusively and the sequence number advances on collision, so two
// snapshots in the same instant never overwrite each other.
type DirSink struct {
	Dir     string
	Quality int

	mu  sync.Mutex
	seq int
}

// NewDirSink returns a sink writing into dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{Dir: dir, Quality: 95}
}

const maxSnapshotAttempts = 10000

func (s *DirSink) Save(img image.Image, at time.Time) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := at.Format("20060102_150405.000")
	for i := 0; i < maxSnapshotAttempts; i++ {
		s.seq = (s.seq + 1) % 10000
		path := filepath.Join(s.Dir, fmt.Sprintf("snapshot_%s_%04d.jpg", stamp, s.seq))

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating snapshot: %w", err)
		}

		err = imaging.Encode(f, img, imaging.JPEG, imaging.JPEGQuality(s.quality()))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return "", fmt.Errorf("writing snapshot %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free snapshot name for %s in %s", stamp, s.Dir)
}

func (s *DirSink) quality() int {
	if s.Quality <= 0 || s.Quality > 100 {
		return 95
	}
	return s.Quality
}
