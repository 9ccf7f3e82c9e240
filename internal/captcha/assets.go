package captcha

import (
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
)

// IconLoader supplies decoded icon and placeholder bitmaps
type IconLoader interface {
	Placeholder() (image.Image, error)
	Icon(mode string, id int) (image.Image, error)
}

// FSIconLoader reads PNG assets from a filesystem laid out as
//
//	<iconDir>/<mode>/icon-<id>.png
//	<placeholder>
//
// Decoded images are cached for the lifetime of the loader.
type FSIconLoader struct {
	fsys        fs.FS
	iconDir     string
	placeholder string

	cache map[string]image.Image
	mu    sync.RWMutex
}

// NewFSIconLoader creates a loader over fsys
func NewFSIconLoader(fsys fs.FS, iconDir, placeholder string) *FSIconLoader {
	return &FSIconLoader{
		fsys:        fsys,
		iconDir:     iconDir,
		placeholder: placeholder,
		cache:       make(map[string]image.Image),
	}
}

// NewDirIconLoader creates a loader for an icon directory on disk.
// The placeholder is expected next to the icon directory.
func NewDirIconLoader(iconPath string) *FSIconLoader {
	iconPath = filepath.Clean(iconPath)
	return NewFSIconLoader(os.DirFS(filepath.Dir(iconPath)), filepath.Base(iconPath), "placeholder.png")
}

// Placeholder returns the background canvas
func (l *FSIconLoader) Placeholder() (image.Image, error) {
	return l.load(l.placeholder)
}

// Icon returns the bitmap for icon id in the given mode
func (l *FSIconLoader) Icon(mode string, id int) (image.Image, error) {
	return l.load(path.Join(l.iconDir, mode, fmt.Sprintf("icon-%d.png", id)))
}

func (l *FSIconLoader) load(name string) (image.Image, error) {
	l.mu.RLock()
	img, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return img, nil
	}

	f, err := l.fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	img, err = png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = img
	l.mu.Unlock()

	return img, nil
}
