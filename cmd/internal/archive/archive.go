// Package archive packages a session's credential directory into a single zip file.
//
// One archive per session id lives in the archive directory as "<id>.zip". Each run
// writes a temp file next to the target and renames it into place, so a re-run
// overwrites atomically and downloads never observe a partial file.
package archive

import (
	"archive/zip"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/blake2b"
)

const archiveExt = ".zip"

var (
	// ErrArchiveFailure wraps every packaging failure.
	ErrArchiveFailure = errors.New("archive failure")

	// ErrNotFound is returned by Open when no archive exists for the session.
	ErrNotFound = errors.New("archive not found")

	// ErrInvalidName is returned for session ids that are not a single path segment.
	ErrInvalidName = errors.New("invalid archive name")
)

// Result describes a written archive.
type Result struct {
	Path      string
	Size      int64
	Files     int
	Checksum  string // BLAKE2b-256, hex
	CreatedAt time.Time
}

// Archiver writes session archives into a single output directory.
type Archiver struct {
	log   *slog.Logger
	dir   string
	level int
	now   func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver) error

// WithLevel sets the deflate level (flate.BestSpeed .. flate.BestCompression).
func WithLevel(level int) Option {
	return func(a *Archiver) error {
		if level < flate.HuffmanOnly || level > flate.BestCompression {
			return fmt.Errorf("archive: invalid deflate level %d", level)
		}
		a.level = level
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Archiver) error {
		if log != nil {
			a.log = log
		}
		return nil
	}
}

// New constructs an Archiver writing into dir. The directory is created if missing.
func New(dir string, opts ...Option) (*Archiver, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("archive: empty output dir")
	}
	a := &Archiver{
		log:   slog.Default(),
		dir:   dir,
		level: flate.BestCompression,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create output dir: %w", err)
	}
	return a, nil
}

// Dir returns the output directory.
func (a *Archiver) Dir() string { return a.dir }

// PathFor returns the deterministic archive location for sessionID.
func (a *Archiver) PathFor(sessionID string) (string, error) {
	if !validName(sessionID) {
		return "", ErrInvalidName
	}
	return filepath.Join(a.dir, sessionID+archiveExt), nil
}

// Package zips every file and subdirectory of sourceDir into the session's archive.
func (a *Archiver) Package(ctx context.Context, sessionID, sourceDir string) (Result, error) {
	target, err := a.PathFor(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrArchiveFailure, err)
	}
	info, err := os.Stat(sourceDir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: source: %w", ErrArchiveFailure, err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("%w: source %s is not a directory", ErrArchiveFailure, sourceDir)
	}

	tmp, err := os.CreateTemp(a.dir, "."+sessionID+"-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: temp file: %w", ErrArchiveFailure, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	sum, err := blake2b.New256(nil)
	if err != nil {
		_ = tmp.Close()
		return Result{}, fmt.Errorf("%w: %w", ErrArchiveFailure, err)
	}
	counter := &countingWriter{w: io.MultiWriter(tmp, sum)}

	files, err := a.write(ctx, counter, sourceDir)
	if err != nil {
		_ = tmp.Close()
		return Result{}, fmt.Errorf("%w: %w", ErrArchiveFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Result{}, fmt.Errorf("%w: sync: %w", ErrArchiveFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: close: %w", ErrArchiveFailure, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return Result{}, fmt.Errorf("%w: rename: %w", ErrArchiveFailure, err)
	}
	committed = true

	res := Result{
		Path:      target,
		Size:      counter.n,
		Files:     files,
		Checksum:  hex.EncodeToString(sum.Sum(nil)),
		CreatedAt: a.now(),
	}
	a.log.Info("archive.write", "session_id", sessionID, "path", target, "files", files, "bytes", res.Size)
	return res, nil
}

func (a *Archiver) write(ctx context.Context, out io.Writer, sourceDir string) (int, error) {
	zw := zip.NewWriter(out)
	level := a.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	files := 0
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			hdr.Name = name + "/"
			hdr.Method = zip.Store
			_, err = zw.CreateHeader(hdr)
			return err
		case info.Mode().IsRegular():
			if err := addFile(zw, path, name, info); err != nil {
				return err
			}
			files++
			return nil
		default:
			// Sockets, devices and symlinks are not credential material.
			return nil
		}
	})
	if walkErr != nil {
		_ = zw.Close()
		return 0, walkErr
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return files, nil
}

func addFile(zw *zip.Writer, path, name string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Open(path) // #nosec G304 -- path comes from walking the session's own directory.
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(w, f)
	return err
}

// Open returns the session's archive for reading. The caller closes the file.
func (a *Archiver) Open(sessionID string) (*os.File, fs.FileInfo, error) {
	path, err := a.PathFor(sessionID)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path) // #nosec G304 -- name validated by PathFor.
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// Exists reports whether an archive exists for sessionID.
func (a *Archiver) Exists(sessionID string) bool {
	path, err := a.PathFor(sessionID)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func validName(s string) bool {
	if s == "" || len(s) > 64 || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
