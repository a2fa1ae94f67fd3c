// Package authenticate implements the Authenticator: the protocol the
// SSH-invoked, trusted CLI entrypoint follows to mint or refresh a bearer
// token and hand its credentials back to the transport that invoked it.
package authenticate

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/internal/oracle"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

// Request is the parsed, already-validated invocation: the transport
// supplies repo/action as argv and user out-of-band (environment).
type Request struct {
	Repo   string
	Action tokenstore.Action
	User   string
}

// Credential is the JSON document the Authenticator writes to stdout on
// success: the Basic auth header the client should use, and its expiry.
type Credential struct {
	Header struct {
		Authorization string `json:"Authorization"`
	} `json:"header"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticator mints/refreshes tokens and mediates access decisions
// between the TokenStore and the AccessOracle.
type Authenticator struct {
	tokens   *tokenstore.Store
	oracle   oracle.Oracle
	repoList []string
	log      *logger.Logger
}

// New builds an Authenticator. allowedRepos is the configured repository
// allowlist; a repo outside this set is rejected before any oracle call.
func New(tokens *tokenstore.Store, o oracle.Oracle, allowedRepos []string, log *logger.Logger) *Authenticator {
	return &Authenticator{tokens: tokens, oracle: o, repoList: allowedRepos, log: log}
}

// ParseAction validates that raw is a recognized Action.
func ParseAction(raw string) (tokenstore.Action, error) {
	a := tokenstore.Action(raw)
	if !a.Valid() {
		return "", apperrors.Validation("invalid action", apperrors.ErrInvalidAction)
	}
	return a, nil
}

// Run executes the Authenticator protocol for req and returns the
// credential block to print to stdout on success. On denial or any
// validation failure it returns an error; callers should exit non-zero and
// print the error to stderr.
func (a *Authenticator) Run(req Request) (*Credential, error) {
	repo := a.oracle.PrepareRepoName(req.Repo)
	if !a.inAllowlist(repo) {
		return nil, apperrors.NotFound("repository", apperrors.ErrUnknownRepo)
	}
	if !req.Action.Valid() {
		return nil, apperrors.Validation("invalid action", apperrors.ErrInvalidAction)
	}
	if req.User == "" {
		return nil, apperrors.Unauthorized("missing user", apperrors.ErrMissingCredentials)
	}

	tok, err := a.tokens.LoadOrCreate(req.User)
	if err != nil {
		return nil, err
	}

	if err := a.tokens.Revalidate(tok, a.oracle); err != nil {
		return nil, err
	}

	allowed := a.oracle.HasAccess(repo, req.User, req.Action)
	if !allowed {
		tok.RemovePrivilege(repo, req.Action)
		_ = a.tokens.Flush(tok)
		a.log.Warn("authenticate: access denied",
			logger.Repository(repo), logger.TokenUser(req.User), logger.Action(string(req.Action)))
		return nil, apperrors.Forbidden("access denied", apperrors.ErrNoPrivilege)
	}

	tok.AddPrivilege(repo, req.Action)
	if err := a.tokens.Flush(tok); err != nil {
		return nil, err
	}

	cred := &Credential{ExpiresAt: tok.ExpiresAt}
	cred.Header.Authorization = tok.AuthHeader()
	return cred, nil
}

func (a *Authenticator) inAllowlist(repo string) bool {
	for _, r := range a.repoList {
		if r == repo {
			return true
		}
	}
	return false
}

// MarshalCredential renders cred as the pretty-printed JSON document the
// Authenticator CLI writes to stdout.
func MarshalCredential(cred *Credential) ([]byte, error) {
	b, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	return b, nil
}
