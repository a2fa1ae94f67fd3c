package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want int
	}{
		{"validation", Validation("bad oid", ErrInvalidOid), http.StatusUnprocessableEntity},
		{"unauthorized", Unauthorized("", nil), http.StatusUnauthorized},
		{"forbidden", Forbidden("", nil), http.StatusForbidden},
		{"not found", NotFound("blob", ErrBlobMissing), http.StatusNotFound},
		{"method not allowed", MethodNotAllowed("nope", ErrWrongMethod), http.StatusMethodNotAllowed},
		{"not acceptable", NotAcceptable("nope", ErrUnsupportedMedia), http.StatusNotAcceptable},
		{"not implemented", NotImplemented("nope", nil), http.StatusNotImplemented},
		{"internal", Internal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestAppErrorIsUnwrapsToSentinel(t *testing.T) {
	err := Validation("invalid oid", ErrInvalidOid)
	assert.True(t, errors.Is(err, ErrInvalidOid))
	assert.False(t, errors.Is(err, ErrBlobMissing))
}

func TestIsNotFoundAndIsUnauthorized(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("blob", ErrBlobMissing)))
	assert.False(t, IsNotFound(Forbidden("", nil)))

	assert.True(t, IsUnauthorized(Unauthorized("", ErrBadPassword)))
	assert.False(t, IsUnauthorized(NotFound("blob", nil)))
}

func TestDefaultMessages(t *testing.T) {
	assert.Equal(t, "authentication required", Unauthorized("", nil).Message)
	assert.Equal(t, "access denied", Forbidden("", nil).Message)
	assert.Equal(t, "invalid request", BadRequest("", nil).Message)
}

func TestInternalMessageNeverLeaksCause(t *testing.T) {
	err := Internal(errors.New("leaked db dsn details"))
	assert.Equal(t, "an internal error occurred", err.Message)
	assert.NotContains(t, err.Message, "leaked")
}
