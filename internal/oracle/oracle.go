// Package oracle bridges repository authorization decisions to an external
// access-control tool (e.g. a Gitolite installation) that already governs
// ordinary Git operations. The LFS core never maintains its own ACL
// database; it defers every decision to this boundary.
package oracle

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

// Oracle answers "may user U perform action A on repo R?" by consulting an
// external source of truth.
type Oracle interface {
	// PrepareRepoName canonicalizes a raw, possibly client-supplied
	// repository path: strips a trailing ".git" and normalizes separators.
	// Idempotent: PrepareRepoName(PrepareRepoName(x)) == PrepareRepoName(x).
	PrepareRepoName(raw string) string

	// HasAccess reports whether user may perform action on repo.
	HasAccess(repo, user string, action tokenstore.Action) bool
}

// GitoliteBridge is the reference Oracle implementation: it shells out to
// an external `access`-style binary with argv-style arguments (never a
// shell-interpolated command line, to foreclose metacharacter injection).
// Exit status 0 means allowed; any non-zero status, or a missing/
// non-executable binary, means denied — the bridge fails closed.
type GitoliteBridge struct {
	binaryPath string
	timeout    time.Duration
	log        *logger.Logger
}

// NewGitoliteBridge returns a bridge invoking binaryPath. If binaryPath is
// empty, every HasAccess call fails closed.
func NewGitoliteBridge(binaryPath string, timeout time.Duration, log *logger.Logger) *GitoliteBridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GitoliteBridge{binaryPath: binaryPath, timeout: timeout, log: log}
}

// PrepareRepoName strips trailing ".git" suffixes and leading/trailing
// slashes, and normalizes path separators to "/". Idempotent.
func (b *GitoliteBridge) PrepareRepoName(raw string) string {
	name := strings.ReplaceAll(raw, "\\", "/")
	for {
		name = strings.Trim(name, "/")
		if !strings.HasSuffix(name, ".git") {
			return name
		}
		name = strings.TrimSuffix(name, ".git")
	}
}

// accessFlag maps a tokenstore.Action to the Gitolite single-letter access
// flag the external binary expects.
func accessFlag(action tokenstore.Action) string {
	if action == tokenstore.Upload {
		return "W"
	}
	return "R"
}

// HasAccess invokes `<binaryPath> access -q <repo> <user> <R|W>` as a
// plain argv exec — no shell, no string concatenation of user input into a
// command line. A missing binary path, a non-executable binary, a timeout,
// or any non-zero exit status is treated as denied.
func (b *GitoliteBridge) HasAccess(repo, user string, action tokenstore.Action) bool {
	if b.binaryPath == "" {
		b.log.Warn("oracle: no binary configured, failing closed",
			logger.Repository(repo), logger.TokenUser(user))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.binaryPath, "access", "-q", repo, user, accessFlag(action))
	if err := cmd.Run(); err != nil {
		b.log.Debug("oracle: access denied",
			logger.Repository(repo), logger.TokenUser(user), logger.Action(string(action)), logger.Error(err))
		return false
	}
	return true
}
