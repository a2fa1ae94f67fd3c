// Package blobstore is the content-addressable object store: blobs are
// persisted on a local filesystem, keyed by (repository, OID), under a
// five-level 2-hex-character fan-out directory tree. Writes land in a
// temporary file and are committed with an atomic rename so concurrent
// readers never observe a partially-written blob.
package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/internal/oid"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

// Store persists blobs under dataRoot, one fan-out tree per repository.
// A Store is safe for concurrent use by multiple goroutines; callers
// scope a single logical operation to one repository by calling
// Repository, which returns a cheap, stateless handle rather than
// mutating shared fields.
type Store struct {
	dataRoot string
	dirMode  os.FileMode
	fileMode os.FileMode
	mirror   Mirror
	log      *logger.Logger
}

// Mirror is the optional, non-authoritative replication target a Store can
// fan writes out to after a commit succeeds locally. A nil Mirror disables
// replication entirely. The filesystem tree under dataRoot is always the
// sole source of truth for Exists/Open; Mirror failures are logged, never
// surfaced to the caller.
type Mirror interface {
	Put(ctx context.Context, repo, oid string, size int64, open func() (io.ReadCloser, error))
}

// Option configures a new Store.
type Option func(*Store)

// WithMirror attaches an optional replication target.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithLogger attaches a logger; a default is used if omitted.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store rooted at dataRoot. dirMode/fileMode govern the
// permission bits used when creating fan-out directories and blob files.
func New(dataRoot string, dirMode, fileMode os.FileMode, opts ...Option) (*Store, error) {
	if dataRoot == "" {
		return nil, apperrors.Internal(errors.New("blobstore: dataRoot must not be empty"))
	}
	if err := os.MkdirAll(dataRoot, dirMode); err != nil {
		return nil, apperrors.Internal(err)
	}
	s := &Store{
		dataRoot: dataRoot,
		dirMode:  dirMode,
		fileMode: fileMode,
		log:      logger.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Repository scopes subsequent operations to repo. repo must be non-empty;
// callers are expected to have already checked it against a configured
// allowlist (see internal/config) — Repository itself performs no such
// check, matching the layering the core's boundary tests assume (the
// allowlist rejection in the path-injection scenario happens one layer up,
// before the BlobStore is ever touched).
func (s *Store) Repository(repo string) (*Repo, error) {
	if repo == "" {
		return nil, apperrors.BadRequest("repository must not be empty", nil)
	}
	root, err := securejoin.SecureJoin(s.dataRoot, repo)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &Repo{store: s, repo: repo, root: root}, nil
}

// Repo is a Store scoped to one repository.
type Repo struct {
	store *Store
	repo  string
	root  string
}

// path computes the on-disk location for oid within this repository's
// fan-out tree. oid must already be validated by the caller; path never
// touches the filesystem itself.
func (r *Repo) path(o string) (string, error) {
	segments, filename := oid.FanOut(o)
	rel := filepath.Join(append(append([]string{}, segments...), filename)...)
	full, err := securejoin.SecureJoin(r.root, rel)
	if err != nil {
		return "", err
	}
	return full, nil
}

// Exists reports whether oid is present in this repository. When size is
// non-negative, the stored file's length must also match; a mismatch is
// treated as non-existence (the caller should re-upload), never as an
// error, and the stale file is left untouched.
func (r *Repo) Exists(o string, size int64) (bool, error) {
	if !oid.Valid(o) {
		return false, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid)
	}
	p, err := r.path(o)
	if err != nil {
		return false, apperrors.Internal(err)
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperrors.Internal(err)
	}
	if size >= 0 && info.Size() != size {
		return false, nil
	}
	return true, nil
}

// OpenWrite returns a WriteCloser that buffers the blob's bytes into a
// temporary file alongside the final path; Close() commits the write with
// an atomic rename, so a concurrent Exists/OpenRead never observes a
// truncated or partial file. Callers MUST Close the handle; closing without
// error is what commits the blob. On any write error, callers SHOULD call
// Abort instead, which discards the temp file without renaming it.
func (r *Repo) OpenWrite(o string) (*WriteCloser, error) {
	if !oid.Valid(o) {
		return nil, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid)
	}
	finalPath, err := r.path(o)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, r.store.dirMode); err != nil {
		return nil, apperrors.Internal(err)
	}

	tmpPath := filepath.Join(dir, "."+o+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, r.store.fileMode)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	return &WriteCloser{
		file:      f,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		repo:      r.repo,
		oid:       o,
		store:     r.store,
	}, nil
}

// OpenRead returns a ReadCloser streaming oid's bytes. Fails with a
// not-found AppError if the blob is absent.
func (r *Repo) OpenRead(o string) (io.ReadCloser, int64, error) {
	if !oid.Valid(o) {
		return nil, 0, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid)
	}
	p, err := r.path(o)
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperrors.NotFound("blob", apperrors.ErrBlobMissing)
		}
		return nil, 0, apperrors.Internal(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, apperrors.Internal(err)
	}
	return f, info.Size(), nil
}

// StreamTo writes the entirety of oid's bytes to w, in bounded-size chunks
// (io.Copy's internal buffer), never materializing the whole blob in memory.
func (r *Repo) StreamTo(ctx context.Context, o string, w io.Writer) (int64, error) {
	rc, size, err := r.OpenRead(o)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return n, apperrors.Internal(err)
	}
	_ = size
	return n, nil
}

// WriteCloser streams a blob's bytes into a temp file and commits them to
// the fan-out path on Close.
type WriteCloser struct {
	file      *os.File
	tmpPath   string
	finalPath string
	repo      string
	oid       string
	store     *Store
	written   int64
	closed    bool
}

func (w *WriteCloser) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Close commits the write: flush, close the temp file, then atomically
// rename it onto the final path. Matches the filesystem backend's
// tempfile-then-rename commit the rest of this codebase uses for any
// durable write.
func (w *WriteCloser) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return apperrors.Internal(err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return apperrors.Internal(err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return apperrors.Internal(err)
	}

	if w.store.mirror != nil {
		repo, o, size, finalPath := w.repo, w.oid, w.written, w.finalPath
		w.store.mirror.Put(context.Background(), repo, o, size, func() (io.ReadCloser, error) {
			return os.Open(finalPath)
		})
	}
	return nil
}

// Abort discards the in-progress write without committing it, leaving no
// trace at the final path. Use this on any error path instead of Close.
func (w *WriteCloser) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.file.Close()
	return os.Remove(w.tmpPath)
}

// Size returns the number of bytes written so far.
func (w *WriteCloser) Size() int64 { return w.written }
