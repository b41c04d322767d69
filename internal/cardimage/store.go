// Package cardimage downloads card images into a flat on-disk cache and
// normalizes them to a common framing.
package cardimage

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/tphakala/cardimages/internal/errors"
)

const componentName = "cardimage"

// preferredExtensions ranks cache entries when several exist for one key.
// Raster formats come before vector art.
var preferredExtensions = []string{"jpg", "jpeg", "png", "svg"}

// Sanitize reduces a card name to its cache key by dropping every character
// that is not an ASCII letter or digit.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := range len(name) {
		c := name[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Store is the flat image cache directory: one <key>.<ext> file per card.
// Existence on disk is the only state.
type Store struct {
	fs   afero.Fs
	base string
}

// NewStore returns a store rooted at base. A nil fs means the OS filesystem.
func NewStore(fs afero.Fs, base string) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs, base: base}
}

// Fs returns the filesystem backing the store.
func (s *Store) Fs() afero.Fs { return s.fs }

// Base returns the cache directory.
func (s *Store) Base() string { return s.base }

// EnsureDir creates the cache directory if needed.
func (s *Store) EnsureDir() error {
	if err := s.fs.MkdirAll(s.base, 0o755); err != nil {
		return errors.New(fmt.Errorf("creating image directory: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("base_path", s.base).
			Build()
	}
	return nil
}

// Path joins a file name onto the cache directory.
func (s *Store) Path(file string) string {
	return filepath.Join(s.base, file)
}

// CanonicalPath is the cache path of name with extension ext.
func (s *Store) CanonicalPath(name, ext string) string {
	return s.keyPath(Sanitize(name), ext)
}

func (s *Store) keyPath(key, ext string) string {
	return s.Path(key + "." + strings.TrimPrefix(ext, "."))
}

// Lookup reports the cached file for name. With several extensions present
// the preferred one wins, otherwise the first match in sorted order.
func (s *Store) Lookup(name string) (string, bool) {
	return s.lookupKey(Sanitize(name))
}

func (s *Store) lookupKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	// key is alphanumeric, only the base directory can carry glob syntax
	matches, err := afero.Glob(s.fs, filepath.Join(escapeGlob(s.base), key+".*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}

	for _, ext := range preferredExtensions {
		for _, m := range matches {
			if strings.EqualFold(filepath.Ext(m), "."+ext) {
				return m, true
			}
		}
	}
	return matches[0], true
}

// stagingPrefix marks files a download has not yet placed. Cache keys are
// alphanumeric, so Lookup never matches a staged file.
const stagingPrefix = ".staged-"

// WriteFile stores r in a unique hidden staging file and returns its path.
// The staged name keeps the identifier's extension. Callers move the file to
// its cache path with Rename, or discard it with Remove; a remote name that
// equals another card's cache file never overwrites that entry.
func (s *Store) WriteFile(identifier string, r io.Reader) (string, error) {
	if identifier == "" || strings.HasPrefix(identifier, ".") || filepath.Base(identifier) != identifier {
		return "", errors.Newf("invalid file identifier %q", identifier).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	tmp, err := afero.TempFile(s.fs, s.base, stagingPrefix+"*-"+identifier)
	if err != nil {
		return "", s.fileError("creating staging file", err, identifier)
	}
	staged := tmp.Name()

	_, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = s.fs.Remove(staged)
		return "", s.fileError("writing staging file", errors.Join(copyErr, closeErr), identifier)
	}
	return staged, nil
}

// Remove deletes a staged file. Cache entries are never removed.
func (s *Store) Remove(staged string) {
	if strings.HasPrefix(filepath.Base(staged), stagingPrefix) {
		_ = s.fs.Remove(staged)
	}
}

// Rename moves a file inside the store.
func (s *Store) Rename(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := s.fs.Rename(src, dst); err != nil {
		return s.fileError("renaming image", err, filepath.Base(src))
	}
	return nil
}

func (s *Store) fileError(op string, err error, file string) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component(componentName).
		Category(errors.CategoryImageCache).
		Context("file", file).
		Context("base_path", s.base).
		Build()
}

// escapeGlob quotes glob metacharacters so a literal directory name matches.
func escapeGlob(path string) string {
	if filepath.Separator == '\\' {
		// filepath.Match has no escape character on Windows
		return path
	}
	if !strings.ContainsAny(path, "*?[") {
		return path
	}
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(path)
}
