package gallery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"
	"github.com/karrick/godirwalk"

	// Register BMP and WebP for reference images
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultSeparator splits the identity from the rest of a reference filename,
// e.g. "alice__01.jpg".
const DefaultSeparator = "__"

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".webp": true,
}

// Index groups the reference images under root by identity.
//
// Images inside a subdirectory belong to the identity named after the first
// path component below root. Images directly inside root are grouped by the
// filename prefix before separator, or by the full stem if there is none.
func Index(root, separator string) (map[string][]string, error) {
	if separator == "" {
		separator = DefaultSeparator
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reference directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("reference path %s is not a directory", root)
	}

	byPerson := make(map[string][]string)

	err = godirwalk.Walk(root, &godirwalk.Options{
		FollowSymbolicLinks: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			name := de.Name()
			if path != root && strings.HasPrefix(name, ".") {
				if de.IsDir() {
					return godirwalk.SkipThis
				}
				return nil
			}
			if de.IsDir() || !isImage(path) {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			id := identityFor(rel, separator)
			if id == "" {
				return nil
			}
			byPerson[id] = append(byPerson[id], path)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("indexing %s: %w", root, err)
	}

	for id := range byPerson {
		sort.Strings(byPerson[id])
	}
	return byPerson, nil
}

func identityFor(rel, separator string) string {
	rel = filepath.ToSlash(rel)
	if dir, _, ok := strings.Cut(rel, "/"); ok {
		return dir
	}
	stem := strings.TrimSuffix(rel, filepath.Ext(rel))
	if id, _, ok := strings.Cut(stem, separator); ok {
		return id
	}
	return stem
}

// isImage checks the extension first, then the magic bytes, so stray files
// with image extensions are not handed to the decoder.
func isImage(path string) bool {
	if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
		return false
	}
	kind, err := filetype.MatchFile(path)
	if err != nil {
		return false
	}
	return kind.MIME.Type == "image"
}
