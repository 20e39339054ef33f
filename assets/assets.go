// Package assets resolves packaged resources (models, labels, sample images)
// relative to an application root and opens them for reading.
package assets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths escaping the asset root.
var ErrOutsideRoot = errors.New("assets: path escapes asset root")

// File is an open asset.
type File interface {
	io.Closer

	// ReadData reads the remaining content of the file.
	ReadData() ([]byte, error)
}

// FS resolves and opens assets.
type FS interface {
	// Resolve returns the absolute path of a root-relative asset path.
	Resolve(rel string) (string, error)

	// Open opens a root-relative asset for reading.
	Open(rel string) (File, error)
}

// Dir is an FS rooted at a directory on disk.
type Dir struct {
	root string
}

// NewDir returns an FS rooted at root. The directory must exist.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("assets: resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("assets: root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("assets: root %q is not a directory", root)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute asset root.
func (d *Dir) Root() string {
	return d.root
}

// Resolve implements FS. Absolute paths inside the root are accepted as is.
func (d *Dir) Resolve(rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "file://")
	if rel == "" {
		return "", fmt.Errorf("assets: empty path")
	}

	var p string
	if filepath.IsAbs(rel) {
		p = filepath.Clean(rel)
	} else {
		p = filepath.Join(d.root, rel)
	}

	r, err := filepath.Rel(d.root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return p, nil
}

// Open implements FS.
func (d *Dir) Open(rel string) (File, error) {
	p, err := d.Resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("assets: open %q: %w", rel, err)
	}
	return &osFile{f: f}, nil
}

type osFile struct {
	f      *os.File
	closed bool
}

func (o *osFile) ReadData() ([]byte, error) {
	if o.closed {
		return nil, os.ErrClosed
	}
	b, err := io.ReadAll(o.f)
	if err != nil {
		return nil, fmt.Errorf("assets: read %q: %w", o.f.Name(), err)
	}
	return b, nil
}

func (o *osFile) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.f.Close()
}

// LoadLabels reads a label file: one label per line, blank lines kept so the
// line number stays equal to the class index.
func LoadLabels(fs FS, rel string) ([]string, error) {
	f, err := fs.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := f.ReadData()
	if err != nil {
		return nil, err
	}

	var labels []string
	sc := bufio.NewScanner(strings.NewReader(string(raw)))
	for sc.Scan() {
		labels = append(labels, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("assets: parse labels %q: %w", rel, err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("assets: label file %q is empty", rel)
	}
	return labels, nil
}
