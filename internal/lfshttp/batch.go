// Package lfshttp implements the Batch API negotiation endpoint and the
// PUT/GET/POST transfer endpoints of the Git LFS `basic` transfer adapter,
// on top of gin.
package lfshttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/internal/oid"
	"github.com/bravo68web/lfsgate/internal/oracle"
	"github.com/bravo68web/lfsgate/internal/blobstore"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

const gitLFSMediaType = "application/vnd.git-lfs+json"

// batchRequest is the body of a POST .../objects/batch request.
type batchRequest struct {
	Operation string        `json:"operation"`
	Objects   []batchObject `json:"objects"`
}

type batchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// batchResponse is the body returned from a successful batch negotiation.
type batchResponse struct {
	Transfer string           `json:"transfer"`
	Objects  []batchObjectOut `json:"objects"`
}

type batchObjectOut struct {
	OID     string                 `json:"oid"`
	Size    int64                  `json:"size"`
	Actions map[string]batchAction `json:"actions,omitempty"`
	Error   *batchObjectError      `json:"error,omitempty"`
}

type batchAction struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty"`
}

type batchObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorBody is the JSON shape of every error response the core emits.
type errorBody struct {
	Message         string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
	RequestID       string `json:"request_id"`
}

// Handlers bundles the dependencies shared by the Batch and Transfer
// endpoints: a token store for re-authenticating every request, an oracle
// for canonicalizing repo names, and a blob store scoped per-request to the
// repository named in the URL.
type Handlers struct {
	tokens *tokenstore.Store
	oracle oracle.Oracle
	blobs  *blobstore.Store
	repos  []string
	log    *logger.Logger
}

// New builds a Handlers bundle.
func New(tokens *tokenstore.Store, o oracle.Oracle, blobs *blobstore.Store, allowedRepos []string, log *logger.Logger) *Handlers {
	return &Handlers{tokens: tokens, oracle: o, blobs: blobs, repos: allowedRepos, log: log}
}

func (h *Handlers) inAllowlist(repo string) bool {
	for _, r := range h.repos {
		if r == repo {
			return true
		}
	}
	return false
}

// requestID returns a per-request correlation ID, generating one if the
// gin context doesn't already carry one from request-logging middleware.
func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return uuid.NewString()
}

func writeError(c *gin.Context, err error) {
	appErr := apperrors.Internal(err)
	if ae, ok := err.(*apperrors.AppError); ok {
		appErr = ae
	}
	rid := requestID(c)
	for k, v := range wwwAuthenticateHeaders(appErr) {
		c.Header(k, v)
	}
	c.JSON(appErr.HTTPStatus(), errorBody{
		Message:          appErr.Message,
		DocumentationURL: "",
		RequestID:        rid,
	})
}

func wwwAuthenticateHeaders(appErr *apperrors.AppError) map[string]string {
	if appErr.Code != apperrors.CodeUnauthorized {
		return nil
	}
	return map[string]string{
		"WWW-Authenticate": `Basic realm="Git LFS"`,
		"LFS-Authenticate": `Basic realm="Git LFS"`,
	}
}

// authenticate performs HTTP Basic re-authentication against the
// TokenStore, as required on every Batch and Transfer request (the core is
// stateless between requests).
func (h *Handlers) authenticate(c *gin.Context) (*tokenstore.Token, error) {
	user, password, ok := c.Request.BasicAuth()
	if !ok || user == "" {
		return nil, apperrors.Unauthorized("missing credentials", apperrors.ErrMissingCredentials)
	}
	return h.tokens.Load(user, password)
}

// repoFromParam canonicalizes the :repo path parameter and checks it
// against the configured allowlist. Path-injection attempts (e.g.
// "../../etc") are rejected here, before any blob-store path is ever
// constructed.
func (h *Handlers) repoFromParam(c *gin.Context) (string, bool) {
	raw := c.Param("repo")
	raw = strings.Trim(raw, "/")
	repo := h.oracle.PrepareRepoName(raw)
	return repo, h.inAllowlist(repo)
}

// RegisterRoutes wires the Batch and Transfer endpoints onto r, matching
// the external interface's path shape:
// /<repo>/info/lfs/objects/{batch,upload,download,verify}.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/:repo/info/lfs/objects")
	group.POST("/batch", h.HandleBatch)
	group.PUT("/upload", h.HandleUpload)
	group.GET("/download", h.HandleDownload)
	group.POST("/verify", h.HandleVerify)
}

// HandleBatch implements the Batch API negotiation endpoint.
func (h *Handlers) HandleBatch(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		writeError(c, apperrors.MethodNotAllowed("method not allowed", apperrors.ErrWrongMethod))
		return
	}
	accept := c.GetHeader("Accept")
	contentType := c.GetHeader("Content-Type")
	if !strings.Contains(accept, gitLFSMediaType) || !strings.Contains(contentType, gitLFSMediaType) {
		writeError(c, apperrors.NotAcceptable("expected "+gitLFSMediaType, apperrors.ErrUnsupportedMedia))
		return
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("malformed request body", apperrors.ErrBadJSON))
		return
	}

	repo, ok := h.repoFromParam(c)
	if !ok {
		writeError(c, apperrors.NotFound("repository", apperrors.ErrUnknownRepo))
		return
	}

	tok, err := h.authenticate(c)
	if err != nil {
		writeError(c, err)
		return
	}

	operation, err := toAction(req.Operation)
	if err != nil {
		writeError(c, apperrors.NotImplemented("unknown operation", nil))
		return
	}

	if !tok.HasPrivilege(repo, operation) {
		if operation == tokenstore.Upload {
			writeError(c, apperrors.Forbidden("no upload privilege", apperrors.ErrNoPrivilege))
		} else {
			writeError(c, apperrors.NotFound("repository", apperrors.ErrUnknownRepo))
		}
		return
	}

	blobRepo, err := h.blobs.Repository(repo)
	if err != nil {
		writeError(c, apperrors.Internal(err))
		return
	}

	base := baseURL(c, repo)
	expiresAt := tok.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
	authHeader := map[string]string{"Authorization": tok.AuthHeader()}

	out := make([]batchObjectOut, 0, len(req.Objects))
	for _, obj := range req.Objects {
		out = append(out, h.planObject(blobRepo, base, obj, operation, authHeader, expiresAt))
	}

	c.Header("Content-Type", gitLFSMediaType)
	c.JSON(http.StatusOK, batchResponse{Transfer: "basic", Objects: out})
}

func (h *Handlers) planObject(blobRepo *blobstore.Repo, base string, obj batchObject, operation tokenstore.Action, authHeader map[string]string, expiresAt string) batchObjectOut {
	if !oid.Valid(obj.OID) {
		return batchObjectOut{
			OID:  obj.OID,
			Size: obj.Size,
			Error: &batchObjectError{
				Code:    int(apperrors.CodeUnprocessableEntity),
				Message: "invalid oid",
			},
		}
	}

	exists, err := blobRepo.Exists(obj.OID, obj.Size)
	if err != nil {
		return batchObjectOut{
			OID:  obj.OID,
			Size: obj.Size,
			Error: &batchObjectError{Code: int(apperrors.CodeInternalServerError), Message: "internal error"},
		}
	}

	out := batchObjectOut{OID: obj.OID, Size: obj.Size}

	switch operation {
	case tokenstore.Upload:
		if exists {
			return out // no actions: client skips re-upload
		}
		out.Actions = map[string]batchAction{
			"upload": {
				Href:      base + "/upload?oid=" + obj.OID + "&size=" + strconv.FormatInt(obj.Size, 10),
				Header:    authHeader,
				ExpiresAt: expiresAt,
			},
			"verify": {
				Href:      base + "/verify?oid=" + obj.OID + "&size=" + strconv.FormatInt(obj.Size, 10),
				Header:    authHeader,
				ExpiresAt: expiresAt,
			},
		}
	case tokenstore.Download:
		if !exists {
			out.Error = &batchObjectError{Code: 404, Message: "Object does not exist"}
			return out
		}
		out.Actions = map[string]batchAction{
			"download": {
				Href:      base + "/download?oid=" + obj.OID + "&size=" + strconv.FormatInt(obj.Size, 10),
				Header:    authHeader,
				ExpiresAt: expiresAt,
			},
		}
	}
	return out
}

func toAction(s string) (tokenstore.Action, error) {
	a := tokenstore.Action(s)
	if !a.Valid() {
		return "", apperrors.ErrUnknownOperation
	}
	return a, nil
}

// baseURL builds the absolute URL prefix for transfer endpoints of repo,
// derived from the incoming request's scheme and host.
func baseURL(c *gin.Context, repo string) string {
	scheme := "https"
	if c.Request.TLS == nil && c.GetHeader("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + c.Request.Host + "/" + repo + "/info/lfs/objects"
}

