// Package blobstore manages the content-addressed attachment
// directory under <account>/blobs/, as described in spec.md 4.2.
//
// Grounded on the teacher's crawshaw.io/iox.Filer streaming-buffer
// idiom (spilldb/processor, spilldb/deliverer move message bytes
// through temporary files rather than holding them in memory) here
// generalized from "scratch buffer" to "permanent content-addressed
// file".
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Prefix is prepended to every blob path stored in the database, and
// stripped again at read time, per spec.md 4.2.
const Prefix = "$BLOBDIR/"

type Store struct {
	dir string
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %v", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Create writes r to a new hash-derived file named by the content's
// sha256 plus origExt (the original file extension, kept so that
// clients relying on extension-based MIME sniffing still work). The
// caller-visible logical filename never touches the filesystem path,
// so BIDI-control characters and path traversal in a peer-supplied
// filename cannot leak into a real path (spec.md 4.2).
func (s *Store) Create(r io.Reader, origExt string) (relPath string, size int64, err error) {
	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	ext := sanitizeExt(origExt)
	name := hex.EncodeToString(h.Sum(nil)) + ext
	finalPath := filepath.Join(s.dir, name)

	if _, err := os.Stat(finalPath); err == nil {
		// Identical content already stored; drop the duplicate.
		return Prefix + name, n, nil
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", 0, err
	}
	return Prefix + name, n, nil
}

// sanitizeExt keeps only a short alphanumeric suffix, discarding
// anything that could be a path component or contain BIDI-control
// characters.
func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	var b strings.Builder
	for _, r := range ext {
		if len(b.String()) >= 16 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + b.String()
}

// Resolve turns a database-stored path (with the $BLOBDIR/ prefix)
// into an absolute filesystem path.
func (s *Store) Resolve(dbPath string) string {
	rel := strings.TrimPrefix(dbPath, Prefix)
	return filepath.Join(s.dir, rel)
}

// OpenBlob opens a stored blob for reading, given its database path.
func (s *Store) OpenBlob(dbPath string) (*os.File, error) {
	return os.Open(s.Resolve(dbPath))
}

// Remove deletes a blob, given its database path.
func (s *Store) Remove(dbPath string) error {
	return os.Remove(s.Resolve(dbPath))
}

// companionSuffixes lists filename suffixes treated as a base file's
// dependents rather than independently referenced blobs (spec.md 4.2).
var companionSuffixes = []string{".increation", ".waveform", "-preview.jpg"}

// IsCompanion reports whether name is a companion of some base blob
// rather than a standalone referenced file.
func IsCompanion(name string) bool {
	for _, suf := range companionSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// BaseOf strips a companion suffix, returning the name of the file it
// is a companion to.
func BaseOf(name string) string {
	for _, suf := range companionSuffixes {
		if strings.HasSuffix(name, suf) {
			return strings.TrimSuffix(name, suf)
		}
	}
	return name
}
