// Package store provides scoped read/write access to a single synchronized
// root directory, content-hashed with SHA-256.
//
// It is the Go-native reshape of the teacher's content-addressable Store
// (github.com/AnshSinghSonkhia/GoVaultFS store.go): instead of hashing keys
// into a CAS directory layout, the synchronizer mirrors the remote tree
// verbatim under Root, and every path is validated against directory
// escape before it touches the filesystem.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/keaz/go-sync/xerr"
)

// CreateResult reports what CreateFile actually did.
type CreateResult int

const (
	// Created means a new, empty file was materialized (or an existing
	// file with a different digest was truncated).
	Created CreateResult = iota
	// SkippedSameHash means the file already existed with the expected
	// digest and nothing was touched.
	SkippedSameHash
)

// Store scopes all file operations to a single root directory.
type Store struct {
	Root string
}

// New returns a Store rooted at root. The directory is created if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(xerr.Io, "creating root %q: %v", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(xerr.Io, "resolving root %q: %v", root, err)
	}
	return &Store{Root: abs}, nil
}

// resolve validates relPath against directory escape and returns the
// absolute path under Root.
func (s *Store) resolve(relPath string) (string, error) {
	cleaned := filepath.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", errors.Wrapf(xerr.PathEscape, "path %q escapes root", relPath)
	}
	full := filepath.Join(s.Root, cleaned)
	rootWithSep := s.Root + string(filepath.Separator)
	if full != s.Root && !strings.HasPrefix(full, rootWithSep) {
		return "", errors.Wrapf(xerr.PathEscape, "path %q escapes root", relPath)
	}
	return full, nil
}

// CreateFile creates an empty file at relPath unless a file already exists
// there whose content hashes to expectedDigest, in which case it is left
// untouched and SkippedSameHash is returned. An existing file with a
// different digest is truncated. Parent directories are created as needed.
func (s *Store) CreateFile(relPath, expectedDigest string) (CreateResult, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return 0, err
	}

	if existing, err := s.shaPath(full); err == nil && strings.EqualFold(existing, expectedDigest) {
		log.Debug().Str("path", relPath).Str("sha", expectedDigest).Msg("create_file skipped, same hash")
		return SkippedSameHash, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, errors.Wrapf(xerr.Io, "creating parents of %q: %v", relPath, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return 0, errors.Wrapf(xerr.Io, "creating %q: %v", relPath, err)
	}
	defer f.Close()

	return Created, nil
}

// CreateFolder recursively, idempotently creates relPath as a directory.
func (s *Store) CreateFolder(relPath string) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return errors.Wrapf(xerr.Io, "creating folder %q: %v", relPath, err)
	}
	return nil
}

// WriteRandom writes buf at offset into relPath, which must already exist
// (CreateFile must precede writes).
func (s *Store) WriteRandom(relPath string, offset uint64, buf []byte) error {
	full, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(xerr.Io, "write_random %q: not found", relPath)
		}
		return errors.Wrapf(xerr.Io, "opening %q: %v", relPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return errors.Wrapf(xerr.Io, "seeking %q: %v", relPath, err)
	}
	if _, err := f.Write(buf); err != nil {
		return errors.Wrapf(xerr.Io, "writing %q: %v", relPath, err)
	}
	return nil
}

// ReadRandom reads into buf starting at offset, returning the number of
// bytes read. It returns 0 at EOF.
func (s *Store) ReadRandom(relPath string, offset uint64, buf []byte) (int, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, errors.Wrapf(xerr.Io, "opening %q: %v", relPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, errors.Wrapf(xerr.Io, "seeking %q: %v", relPath, err)
	}
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return n, errors.Wrapf(xerr.Io, "reading %q: %v", relPath, err)
	}
	return n, nil
}

// SHA256 returns the hex-uppercase SHA-256 digest of relPath's full
// contents, or ("", nil) if the file does not exist.
func (s *Store) SHA256(relPath string) (string, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	digest, err := s.shaPath(full)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(xerr.Io, "hashing %q: %v", relPath, err)
	}
	return digest, nil
}

func (s *Store) shaPath(full string) (string, error) {
	f, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// Size returns the current size of relPath in bytes.
func (s *Store) Size(relPath string) (uint64, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return 0, errors.Wrapf(xerr.Io, "stat %q: %v", relPath, err)
	}
	return uint64(fi.Size()), nil
}
