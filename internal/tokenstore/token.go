// Package tokenstore persists short-lived bearer tokens that bridge the
// SSH-invoked Authenticator and the stateless HTTP batch/transfer
// endpoints. Each user gets exactly one token file; writes commit with a
// tempfile-then-rename so concurrent HTTP requests never observe a
// half-written file.
package tokenstore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

// Action is one of the two privilege-bearing verbs a token can be granted
// against a repository.
type Action string

const (
	Download Action = "download"
	Upload   Action = "upload"
)

// Valid reports whether a is a recognized Action.
func (a Action) Valid() bool {
	return a == Download || a == Upload
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultPasswordLength is the number of alphanumeric characters in a
// freshly minted token password.
const DefaultPasswordLength = 24

// DefaultTTL is how long a token remains valid after mint or refresh.
const DefaultTTL = 2 * time.Hour

// Token is a bearer credential scoped to one user, with privilege grants
// keyed by repository.
type Token struct {
	User       string              `json:"user"`
	Password   string              `json:"password"`
	Privileges map[string][]Action `json:"privileges"`
	ExpiresAt  time.Time           `json:"expires_at"`
}

// AuthHeader derives the HTTP Basic Authorization header value for this
// token. Always derivable from User+Password; never itself persisted.
func (t *Token) AuthHeader() string {
	raw := t.User + ":" + t.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Expired reports whether the token's expires_at has passed as of now.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// HasPrivilege reports whether the token grants action on repo. Unknown
// repo or action reports false rather than raising.
func (t *Token) HasPrivilege(repo string, action Action) bool {
	for _, a := range t.Privileges[repo] {
		if a == action {
			return true
		}
	}
	return false
}

// AddPrivilege grants action on repo. Idempotent.
func (t *Token) AddPrivilege(repo string, action Action) {
	if t.HasPrivilege(repo, action) {
		return
	}
	if t.Privileges == nil {
		t.Privileges = make(map[string][]Action)
	}
	t.Privileges[repo] = append(t.Privileges[repo], action)
}

// RemovePrivilege revokes action on repo. Idempotent. When the resulting
// action set for repo is empty, the repo key is removed from the grant map
// entirely.
func (t *Token) RemovePrivilege(repo string, action Action) {
	actions, ok := t.Privileges[repo]
	if !ok {
		return
	}
	out := actions[:0]
	for _, a := range actions {
		if a != action {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		delete(t.Privileges, repo)
		return
	}
	t.Privileges[repo] = out
}

// CheckPassword compares password against the token's stored password in
// constant time.
func (t *Token) CheckPassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(t.Password), []byte(password)) == 1
}

// generatePassword draws n characters uniformly from a 62-character
// alphanumeric alphabet using a cryptographically secure random source.
func generatePassword(n int) (string, error) {
	buf := make([]byte, n)
	idx := make([]byte, n)
	if _, err := rand.Read(idx); err != nil {
		return "", err
	}
	// rand.Read gives us uniform bytes; reduce modulo the alphabet size.
	// 256 is not a multiple of 62, so draw extra entropy and retry on the
	// rare out-of-range byte to avoid modulo bias.
	alphabetLen := len(alphanumeric)
	maxUnbiased := byte((256 / alphabetLen) * alphabetLen)
	for i := 0; i < n; i++ {
		b := idx[i]
		for b >= maxUnbiased {
			var single [1]byte
			if _, err := rand.Read(single[:]); err != nil {
				return "", err
			}
			b = single[0]
		}
		buf[i] = alphanumeric[int(b)%alphabetLen]
	}
	return string(buf), nil
}

// Store is a file-per-user, on-disk TokenStore. One JSON file per user
// lives directly under dir, named by the user identifier.
type Store struct {
	dir            string
	ttl            time.Duration
	passwordLength int
	mu             sync.Mutex // serializes individual writes/deletes; a caller's load-modify-Flush sequence is not held under it
}

// New creates a Store rooted at dir. dir is created if absent.
func New(dir string, ttl time.Duration, passwordLength int) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "lfsgate-tokens")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apperrors.Internal(err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if passwordLength <= 0 {
		passwordLength = DefaultPasswordLength
	}
	return &Store{dir: dir, ttl: ttl, passwordLength: passwordLength}, nil
}

func (s *Store) path(user string) (string, error) {
	return securejoin.SecureJoin(s.dir, user)
}

// LoadOrCreate returns a valid, non-expired token for user, minting one if
// absent or expired. An expired token on disk is deleted before a
// replacement is minted.
func (s *Store) LoadOrCreate(user string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.read(user)
	if err == nil && !tok.Expired(time.Now()) {
		return tok, nil
	}
	if err == nil && tok.Expired(time.Now()) {
		_ = s.deleteLocked(user)
	}

	password, err := generatePassword(s.passwordLength)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	fresh := &Token{
		User:       user,
		Password:   password,
		Privileges: make(map[string][]Action),
		ExpiresAt:  time.Now().Add(s.ttl),
	}
	if err := s.writeLocked(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Load looks up a token by (user, password), as used by the HTTP endpoints
// on every request. Returns an Unauthorized AppError if the file is absent,
// expired, or the password does not match.
func (s *Store) Load(user, password string) (*Token, error) {
	tok, err := s.read(user)
	if err != nil {
		return nil, apperrors.Unauthorized("invalid credentials", apperrors.ErrBadPassword)
	}
	if tok.Expired(time.Now()) {
		return nil, apperrors.Unauthorized("token expired", apperrors.ErrExpiredToken)
	}
	if !tok.CheckPassword(password) {
		return nil, apperrors.Unauthorized("invalid credentials", apperrors.ErrBadPassword)
	}
	return tok, nil
}

// Oracle is the subset of AccessOracle that Revalidate needs. Declared
// locally (rather than importing internal/oracle) so tokenstore has no
// dependency on the oracle package's implementation details.
type Oracle interface {
	HasAccess(repo, user string, action Action) bool
}

// Revalidate re-queries oracle for every (repo, action) currently granted
// to tok, dropping any grant that no longer passes, then extends the TTL.
// The resulting state is persisted before returning.
func (s *Store) Revalidate(tok *Token, oracle Oracle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for repo, actions := range tok.Privileges {
		kept := actions[:0]
		for _, a := range actions {
			if oracle.HasAccess(repo, tok.User, a) {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(tok.Privileges, repo)
		} else {
			tok.Privileges[repo] = kept
		}
	}
	tok.ExpiresAt = time.Now().Add(s.ttl)
	return s.writeLocked(tok)
}

// ExtendTTL sets expires_at to now+ttl and persists the token.
func (s *Store) ExtendTTL(tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok.ExpiresAt = time.Now().Add(s.ttl)
	return s.writeLocked(tok)
}

// Flush persists tok's current in-memory state to disk.
func (s *Store) Flush(tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(tok)
}

// Delete removes the token file for user, if present.
func (s *Store) Delete(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(user)
}

func (s *Store) deleteLocked(user string) error {
	p, err := s.path(user)
	if err != nil {
		return apperrors.Internal(err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal(err)
	}
	return nil
}

func (s *Store) read(user string) (*Token, error) {
	p, err := s.path(user)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, apperrors.NotFound("token", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, apperrors.Internal(err)
	}
	return &tok, nil
}

// Reap deletes every on-disk token file whose expires_at has passed. Meant
// to run periodically from a background goroutine so expired token files do
// not accumulate indefinitely; the per-request Load/LoadOrCreate path
// already treats an expired token as absent regardless of whether Reap has
// run.
func (s *Store) Reap(ctx context.Context, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, apperrors.Internal(err)
	}

	removed := 0
	now := time.Now()
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return removed, ctx.Err()
		default:
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".tmp" || entry.Name()[0] == '.' {
			continue
		}
		user := entry.Name()

		s.mu.Lock()
		tok, err := s.read(user)
		if err != nil {
			s.mu.Unlock()
			continue
		}
		if tok.Expired(now) {
			if err := s.deleteLocked(user); err != nil {
				s.mu.Unlock()
				if log != nil {
					log.WithError(err).Warn("tokenstore: reap failed to remove expired token", logger.TokenUser(user))
				}
				continue
			}
			removed++
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// writeLocked persists tok via write-to-tempfile-then-rename. Callers must
// hold s.mu.
func (s *Store) writeLocked(tok *Token) error {
	p, err := s.path(tok.User)
	if err != nil {
		return apperrors.Internal(err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return apperrors.Internal(err)
	}

	tmp := filepath.Join(s.dir, "."+tok.User+".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return apperrors.Internal(err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Internal(err)
	}
	return nil
}
