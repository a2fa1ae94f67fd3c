package lfshttp

import (
	"bufio"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bravo68web/lfsgate/pkg/errors"
	"github.com/bravo68web/lfsgate/internal/oid"
	"github.com/bravo68web/lfsgate/internal/tokenstore"
	"github.com/bravo68web/lfsgate/pkg/logger"
)

// uploadChunkSize bounds the per-read buffer size so upload/download
// handlers never allocate memory proportional to the blob's size.
const uploadChunkSize = 64 * 1024

// verifyRequest is the body of a POST .../objects/verify request.
type verifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// authorizeTransfer re-authenticates the request via Basic credentials and
// checks that the resulting token carries the required privilege on repo.
// `verify` and `upload` both require the Upload privilege.
func (h *Handlers) authorizeTransfer(c *gin.Context, repo string, required tokenstore.Action) (*tokenstore.Token, bool) {
	tok, err := h.authenticate(c)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !tok.HasPrivilege(repo, required) {
		writeError(c, apperrors.Forbidden("no privilege", apperrors.ErrNoPrivilege))
		return nil, false
	}
	return tok, true
}

// HandleUpload implements PUT .../objects/upload?oid=&size=, streaming the
// request body into the blob store in bounded-size chunks.
func (h *Handlers) HandleUpload(c *gin.Context) {
	repo, ok := h.repoFromParam(c)
	if !ok {
		writeError(c, apperrors.NotFound("repository", apperrors.ErrUnknownRepo))
		return
	}
	if _, ok := h.authorizeTransfer(c, repo, tokenstore.Upload); !ok {
		return
	}

	objOID := c.Query("oid")
	if !oid.Valid(objOID) {
		writeError(c, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid))
		return
	}

	blobRepo, err := h.blobs.Repository(repo)
	if err != nil {
		writeError(c, apperrors.Internal(err))
		return
	}

	wc, err := blobRepo.OpenWrite(objOID)
	if err != nil {
		writeError(c, err)
		return
	}

	buf := make([]byte, uploadChunkSize)
	if _, err := io.CopyBuffer(wc, c.Request.Body, buf); err != nil {
		_ = wc.Abort()
		writeError(c, apperrors.Internal(err))
		return
	}
	if err := wc.Close(); err != nil {
		writeError(c, err)
		return
	}

	h.log.Debug("lfshttp: blob uploaded", logger.Repository(repo), logger.OID(objOID), logger.Size(wc.Size()))
	c.Status(http.StatusOK)
}

// HandleDownload implements GET .../objects/download?oid=&size=, streaming
// the blob to the response body through a bounded uploadChunkSize buffer.
func (h *Handlers) HandleDownload(c *gin.Context) {
	repo, ok := h.repoFromParam(c)
	if !ok {
		writeError(c, apperrors.NotFound("repository", apperrors.ErrUnknownRepo))
		return
	}
	if _, ok := h.authorizeTransfer(c, repo, tokenstore.Download); !ok {
		return
	}

	objOID := c.Query("oid")
	if !oid.Valid(objOID) {
		writeError(c, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid))
		return
	}

	blobRepo, err := h.blobs.Repository(repo)
	if err != nil {
		writeError(c, apperrors.Internal(err))
		return
	}

	rc, size, err := blobRepo.OpenRead(objOID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Header("Cache-Control", "no-transform")
	c.Writer.WriteHeader(http.StatusOK)

	w := bufio.NewWriterSize(c.Writer, uploadChunkSize)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.WithError(err).Warn("lfshttp: download stream interrupted",
			logger.Repository(repo), logger.OID(objOID))
		return
	}
	_ = w.Flush()
}

// HandleVerify implements POST .../objects/verify, confirming the blob
// store holds an object matching the declared oid and size.
func (h *Handlers) HandleVerify(c *gin.Context) {
	repo, ok := h.repoFromParam(c)
	if !ok {
		writeError(c, apperrors.NotFound("repository", apperrors.ErrUnknownRepo))
		return
	}
	if _, ok := h.authorizeTransfer(c, repo, tokenstore.Upload); !ok {
		return
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("malformed request body", apperrors.ErrBadJSON))
		return
	}
	if !oid.Valid(req.OID) {
		writeError(c, apperrors.Validation("invalid oid", apperrors.ErrInvalidOid))
		return
	}

	blobRepo, err := h.blobs.Repository(repo)
	if err != nil {
		writeError(c, apperrors.Internal(err))
		return
	}

	exists, err := blobRepo.Exists(req.OID, req.Size)
	if err != nil {
		writeError(c, apperrors.Internal(err))
		return
	}
	if !exists {
		writeError(c, apperrors.NotFound("blob", apperrors.ErrBlobMissing))
		return
	}
	c.Status(http.StatusOK)
}
