package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.DefaultConfig())
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestPrepareRepoNameStripsDotGitAndIsIdempotent(t *testing.T) {
	b := NewGitoliteBridge("", time.Second, testLogger(t))

	got := b.PrepareRepoName("org/project.git")
	assert.Equal(t, "org/project", got)

	// idempotent: re-applying changes nothing further
	assert.Equal(t, got, b.PrepareRepoName(got))
}

func TestPrepareRepoNameNormalizesSeparators(t *testing.T) {
	b := NewGitoliteBridge("", time.Second, testLogger(t))
	assert.Equal(t, "org/project", b.PrepareRepoName(`org\project`))
}

func TestHasAccessFailsClosedWithoutBinary(t *testing.T) {
	b := NewGitoliteBridge("", time.Second, testLogger(t))
	assert.False(t, b.HasAccess("org/project", "alice", tokenstore.Upload))
}

func TestHasAccessFailsClosedOnNonexistentBinary(t *testing.T) {
	b := NewGitoliteBridge("/no/such/binary-oracle", time.Second, testLogger(t))
	assert.False(t, b.HasAccess("org/project", "alice", tokenstore.Download))
}
