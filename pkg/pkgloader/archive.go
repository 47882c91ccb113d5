// Package pkgloader maps update packages into memory and exposes them as
// read-only archives.
//
// The archive stays open for the whole update attempt: the script is
// extracted first, and operations invoked during evaluation read further
// entries (images, payloads) from the same mapping.
package pkgloader

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/openfroyo/otaupdater/pkg/updater"
)

// Archive is an update package opened over a memory mapping.
type Archive struct {
	path    string
	mapping *Mapping
	zr      *zip.Reader
	index   map[string]*zip.File
	closed  bool
}

var _ updater.Package = (*Archive)(nil)

// Loader opens update packages from the filesystem.
type Loader struct{}

// NewLoader creates a package loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load maps the package at path and opens an archive view over it.
func (l *Loader) Load(path string) (updater.Package, error) {
	a, err := Load(path)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Load maps the package at path and opens an archive view over it.
func Load(path string) (*Archive, error) {
	m, err := MapFile(path)
	if err != nil {
		return nil, updater.NewPackageAccessError(updater.KindMapFailure, "failed to map package", err).WithPath(path)
	}

	a, err := open(path, m)
	if err != nil {
		m.Unmap()
		return nil, updater.NewPackageAccessError(updater.KindOpenFailure, "failed to open package", err).WithPath(path)
	}
	return a, nil
}

func open(path string, m *Mapping) (*Archive, error) {
	zr, err := zip.NewReader(m, m.Len())
	if err != nil {
		return nil, err
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	index := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("duplicate entry %q", f.Name)
		}
		index[f.Name] = f
	}

	return &Archive{
		path:    path,
		mapping: m,
		zr:      zr,
		index:   index,
	}, nil
}

// Path returns the path the package was loaded from.
func (a *Archive) Path() string {
	return a.path
}

// Size returns the length of the mapped package in bytes.
func (a *Archive) Size() int64 {
	if a.mapping == nil {
		return 0
	}
	return a.mapping.Len()
}

func entryOf(f *zip.File) updater.Entry {
	offset, err := f.DataOffset()
	if err != nil {
		offset = -1
	}
	return updater.Entry{
		Name:             f.Name,
		UncompressedSize: f.UncompressedSize64,
		CompressedSize:   f.CompressedSize64,
		Method:           f.Method,
		Offset:           offset,
	}
}

// Locate looks up an entry by its exact path.
func (a *Archive) Locate(name string) (updater.Entry, error) {
	if a.closed {
		return updater.Entry{}, errors.New("archive is closed")
	}
	f, ok := a.index[name]
	if !ok {
		return updater.Entry{}, updater.NewPackageAccessError(updater.KindEntryNotFound,
			fmt.Sprintf("failed to find %s in package", name), nil).WithPath(a.path)
	}
	return entryOf(f), nil
}

// Entries lists every entry in archive order.
func (a *Archive) Entries() []updater.Entry {
	if a.closed {
		return nil
	}
	entries := make([]updater.Entry, 0, len(a.zr.File))
	for _, f := range a.zr.File {
		entries = append(entries, entryOf(f))
	}
	return entries
}

func (a *Archive) file(entry updater.Entry) (*zip.File, error) {
	if a.closed {
		return nil, errors.New("archive is closed")
	}
	f, ok := a.index[entry.Name]
	if !ok {
		return nil, fmt.Errorf("entry %q is not in this package", entry.Name)
	}
	return f, nil
}

// Open streams an entry's decompressed contents. The stream verifies the
// entry checksum when it reaches the end.
func (a *Archive) Open(entry updater.Entry) (io.ReadCloser, error) {
	f, err := a.file(entry)
	if err != nil {
		return nil, err
	}
	return f.Open()
}

// Extract decompresses an entry into a buffer sized exactly to its declared
// uncompressed length.
func (a *Archive) Extract(entry updater.Entry) ([]byte, error) {
	data, err := a.extract(entry)
	if err != nil {
		return nil, updater.NewPackageAccessError(updater.KindExtractFailure,
			fmt.Sprintf("failed to extract %s", entry.Name), err).WithPath(a.path)
	}
	return data, nil
}

func (a *Archive) extract(entry updater.Entry) ([]byte, error) {
	f, err := a.file(entry)
	if err != nil {
		return nil, err
	}
	if f.UncompressedSize64 > math.MaxInt32 {
		return nil, fmt.Errorf("entry too large: %d bytes", f.UncompressedSize64)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, f.UncompressedSize64)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, fmt.Errorf("short read: %w", err)
	}

	// Reading past the declared length must hit EOF; that read also
	// verifies the checksum.
	var probe [1]byte
	n, err := rc.Read(probe[:])
	if n > 0 || err == nil {
		return nil, fmt.Errorf("entry is larger than its declared %d bytes", f.UncompressedSize64)
	}
	if err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close releases the archive and its mapping. Only the first call does
// anything.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.zr = nil
	a.index = nil
	return a.mapping.Unmap()
}

// LoadScript locates and extracts the update script.
func LoadScript(pkg updater.Package) (string, error) {
	entry, err := pkg.Locate(updater.ScriptPath)
	if err != nil {
		return "", err
	}
	data, err := pkg.Extract(entry)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
