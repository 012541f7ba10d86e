package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", InvalidInput("entity_id", "required"), http.StatusBadRequest},
		{"not found", NotFound("approval_request", "r1"), http.StatusNotFound},
		{"forbidden", Forbidden("not a member"), http.StatusForbidden},
		{"conflict", Conflict("already decided"), http.StatusConflict},
		{"retryable", Retryable(stderrors.New("timeout"), "erp unavailable"), http.StatusServiceUnavailable},
		{"internal", OperationFailed("approve", stderrors.New("boom")), http.StatusInternalServerError},
		{"foreign", stderrors.New("plain"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestGRPCCode(t *testing.T) {
	assert.Equal(t, codes.InvalidArgument, GRPCCode(InvalidInput("x", "bad")))
	assert.Equal(t, codes.NotFound, GRPCCode(NotFound("job", "1")))
	assert.Equal(t, codes.PermissionDenied, GRPCCode(Forbidden("no")))
	assert.Equal(t, codes.Unavailable, GRPCCode(Retryable(nil, "later")))
	assert.Equal(t, codes.Internal, GRPCCode(stderrors.New("x")))
}

func TestWrappedCodesSurviveFmtWrap(t *testing.T) {
	base := NotFound("workflow", "wf-1")
	wrapped := fmt.Errorf("resolve: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, ErrCodeNotFound, CodeOf(wrapped))
	assert.True(t, Known(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Retryable(stderrors.New("timeout"), "erp call timed out")))
	assert.True(t, IsRetryable(Wrap(Retryable(nil, "open"), ErrCodeInternal, "sync failed")))
	assert.False(t, IsRetryable(InvalidInput("payload", "missing model")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestPublicHidesInternalCause(t *testing.T) {
	err := OperationFailed("approve", stderrors.New("pq: relation does not exist"))
	assert.Equal(t, "approve failed", Public(err))
	assert.Equal(t, "operation failed", Public(stderrors.New("secret detail")))
	assert.Equal(t, "request already decided", Public(Conflict("request already decided")))
}
