package blobstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, 0700, 0600)
	require.NoError(t, err)
	return s
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	o := strings.Repeat("ab", 32)
	body := []byte("hello world, this is blob content")

	wc, err := repo.OpenWrite(o)
	require.NoError(t, err)
	_, err = wc.Write(body)
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	exists, err := repo.Exists(o, int64(len(body)))
	require.NoError(t, err)
	assert.True(t, exists)

	rc, size, err := repo.OpenRead(o)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len(body)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestExistsSizeMismatchReportsFalseNonDestructively(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	o := strings.Repeat("cc", 32)
	wc, err := repo.OpenWrite(o)
	require.NoError(t, err)
	_, _ = wc.Write([]byte("123456789")) // 9 bytes
	require.NoError(t, wc.Close())

	exists, err := repo.Exists(o, 100)
	require.NoError(t, err)
	assert.False(t, exists, "size mismatch must report non-existence")

	// the stale file must still be on disk, untouched
	exists, err = repo.Exists(o, 9)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestExistsRejectsInvalidOID(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	_, err = repo.Exists("too-short", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInvalidOid)
}

func TestOpenReadMissingBlobIsNotFound(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	_, _, err = repo.OpenRead(strings.Repeat("ff", 32))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBlobMissing)
}

func TestFanOutPathLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 0700, 0600)
	require.NoError(t, err)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	o := "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	wc, err := repo.OpenWrite(o)
	require.NoError(t, err)
	_, _ = wc.Write([]byte("x"))
	require.NoError(t, wc.Close())

	expected := filepath.Join(dir, "org/project", "ab", "cd", "ef", "01", "23", o)
	_, statErr := os.Stat(expected)
	assert.NoError(t, statErr, "blob should live at the 5-level fan-out path")
}

func TestAbortLeavesNoTraceAtFinalPath(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	o := strings.Repeat("11", 32)
	wc, err := repo.OpenWrite(o)
	require.NoError(t, err)
	_, _ = wc.Write([]byte("partial"))
	require.NoError(t, wc.Abort())

	exists, err := repo.Exists(o, -1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStreamTo(t *testing.T) {
	s := newTestStore(t)
	repo, err := s.Repository("org/project")
	require.NoError(t, err)

	o := strings.Repeat("22", 32)
	body := bytes.Repeat([]byte("chunked-data-"), 1000)
	wc, err := repo.OpenWrite(o)
	require.NoError(t, err)
	_, err = wc.Write(body)
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	var buf bytes.Buffer
	n, err := repo.StreamTo(nil, o, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), n)
	assert.Equal(t, body, buf.Bytes())
}

func TestRepositoryRejectsEmptyName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Repository("")
	require.Error(t, err)
}
