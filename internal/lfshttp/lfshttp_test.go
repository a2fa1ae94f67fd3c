package lfshttp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bravo68web/lfsgate/internal/blobstore"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

type fakeOracle struct{}

func (fakeOracle) PrepareRepoName(raw string) string { return strings.Trim(raw, "/") }

func (fakeOracle) HasAccess(repo, user string, action tokenstore.Action) bool { return true }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	return l
}

func newTestHandlers(t *testing.T) (*Handlers, *tokenstore.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	blobs, err := blobstore.New(t.TempDir(), 0700, 0600)
	require.NoError(t, err)

	tokens, err := tokenstore.New(t.TempDir(), time.Hour, tokenstore.DefaultPasswordLength)
	require.NoError(t, err)

	h := New(tokens, fakeOracle{}, blobs, []string{"org/project"}, testLogger(t))
	return h, tokens
}

func newRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func mintToken(t *testing.T, tokens *tokenstore.Store, repo string, action tokenstore.Action) *tokenstore.Token {
	t.Helper()
	tok, err := tokens.LoadOrCreate("alice")
	require.NoError(t, err)
	tok.AddPrivilege(repo, action)
	require.NoError(t, tokens.Flush(tok))
	return tok
}

func TestHandleBatchRejectsWrongAccept(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/org/project/info/lfs/objects/batch", bytes.NewBufferString(`{}`))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", gitLFSMediaType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestHandleBatchUnknownRepoRejected(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/not-allowed/info/lfs/objects/batch", bytes.NewBufferString(`{}`))
	req.Header.Set("Accept", gitLFSMediaType)
	req.Header.Set("Content-Type", gitLFSMediaType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBatchMalformedBodyRejectedBeforeRepoCheck(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/not-allowed/info/lfs/objects/batch", bytes.NewBufferString(`{not json`))
	req.Header.Set("Accept", gitLFSMediaType)
	req.Header.Set("Content-Type", gitLFSMediaType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleBatchRequiresAuthentication(t *testing.T) {
	h, _ := newTestHandlers(t)
	r := newRouter(h)

	body, _ := json.Marshal(batchRequest{Operation: "download", Objects: nil})
	req := httptest.NewRequest(http.MethodPost, "/org/project/info/lfs/objects/batch", bytes.NewBuffer(body))
	req.Header.Set("Accept", gitLFSMediaType)
	req.Header.Set("Content-Type", gitLFSMediaType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestHandleBatchDownloadMissingObjectReportsErrorEntry(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok := mintToken(t, tokens, "org/project", tokenstore.Download)
	r := newRouter(h)

	missingOID := strings.Repeat("aa", 32)
	body, _ := json.Marshal(batchRequest{Operation: "download", Objects: []batchObject{{OID: missingOID, Size: 10}}})
	req := httptest.NewRequest(http.MethodPost, "/org/project/info/lfs/objects/batch", bytes.NewBuffer(body))
	req.Header.Set("Accept", gitLFSMediaType)
	req.Header.Set("Content-Type", gitLFSMediaType)
	req.Header.Set("Authorization", tok.AuthHeader())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Objects, 1)
	require.NotNil(t, resp.Objects[0].Error)
	assert.Equal(t, 404, resp.Objects[0].Error.Code)
}

func TestHandleBatchUploadWithoutPrivilegeIsForbidden(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok, err := tokens.LoadOrCreate("alice")
	require.NoError(t, err)
	r := newRouter(h)

	body, _ := json.Marshal(batchRequest{Operation: "upload", Objects: []batchObject{{OID: strings.Repeat("bb", 32), Size: 3}}})
	req := httptest.NewRequest(http.MethodPost, "/org/project/info/lfs/objects/batch", bytes.NewBuffer(body))
	req.Header.Set("Accept", gitLFSMediaType)
	req.Header.Set("Content-Type", gitLFSMediaType)
	req.Header.Set("Authorization", tok.AuthHeader())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadDownloadVerifyRoundTrip(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok := mintToken(t, tokens, "org/project", tokenstore.Upload)
	tok.AddPrivilege("org/project", tokenstore.Download)
	require.NoError(t, tokens.Flush(tok))
	r := newRouter(h)

	content := []byte("the quick brown fox jumps over the lazy dog")
	objOID := strings.Repeat("cd", 32)

	// upload
	uploadReq := httptest.NewRequest(http.MethodPut,
		"/org/project/info/lfs/objects/upload?oid="+objOID, bytes.NewBuffer(content))
	uploadReq.Header.Set("Authorization", tok.AuthHeader())
	uploadRec := httptest.NewRecorder()
	r.ServeHTTP(uploadRec, uploadReq)
	require.Equal(t, http.StatusOK, uploadRec.Code)

	// verify
	vbody, _ := json.Marshal(verifyRequest{OID: objOID, Size: int64(len(content))})
	verifyReq := httptest.NewRequest(http.MethodPost,
		"/org/project/info/lfs/objects/verify", bytes.NewBuffer(vbody))
	verifyReq.Header.Set("Authorization", tok.AuthHeader())
	verifyRec := httptest.NewRecorder()
	r.ServeHTTP(verifyRec, verifyReq)
	assert.Equal(t, http.StatusOK, verifyRec.Code)

	// download
	downloadReq := httptest.NewRequest(http.MethodGet,
		"/org/project/info/lfs/objects/download?oid="+objOID, nil)
	downloadReq.Header.Set("Authorization", tok.AuthHeader())
	downloadRec := httptest.NewRecorder()
	r.ServeHTTP(downloadRec, downloadReq)
	require.Equal(t, http.StatusOK, downloadRec.Code)
	assert.Equal(t, content, downloadRec.Body.Bytes())
}

func TestHandleUploadRejectsInvalidOID(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok := mintToken(t, tokens, "org/project", tokenstore.Upload)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPut,
		"/org/project/info/lfs/objects/upload?oid=not-a-valid-oid", bytes.NewBufferString("x"))
	req.Header.Set("Authorization", tok.AuthHeader())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleDownloadMissingBlobIsNotFound(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok := mintToken(t, tokens, "org/project", tokenstore.Download)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/org/project/info/lfs/objects/download?oid="+strings.Repeat("ee", 32), nil)
	req.Header.Set("Authorization", tok.AuthHeader())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepoFromParamRejectsPathTraversal(t *testing.T) {
	h, tokens := newTestHandlers(t)
	tok := mintToken(t, tokens, "org/project", tokenstore.Download)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodGet,
		"/..%2F..%2Fetc/info/lfs/objects/download?oid="+strings.Repeat("11", 32), nil)
	req.Header.Set("Authorization", tok.AuthHeader())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
