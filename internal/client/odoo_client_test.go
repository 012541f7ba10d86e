package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

func newOdoo(t *testing.T, handler http.HandlerFunc) *OdooClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOdooClient(OdooConfig{
		URL: srv.URL, Database: "acme", UserID: 2, APIKey: "secret", Timeout: time.Second,
	}, logger.Nop())
}

func TestExecuteKWSendsJSONRPCEnvelope(t *testing.T) {
	var got map[string]any
	c := newOdoo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jsonrpc", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":17}`))
	})

	res, err := c.Create(context.Background(), "account.move", map[string]any{"ref": "INV-1"})
	require.NoError(t, err)
	assert.JSONEq(t, `17`, string(res))

	assert.Equal(t, "call", got["method"])
	params := got["params"].(map[string]any)
	assert.Equal(t, "object", params["service"])
	assert.Equal(t, "execute_kw", params["method"])
	args := params["args"].([]any)
	require.Len(t, args, 7)
	assert.Equal(t, "acme", args[0])
	assert.EqualValues(t, 2, args[1])
	assert.Equal(t, "account.move", args[3])
	assert.Equal(t, "create", args[4])
}

func TestExecuteKWClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"validation fault", 200, `{"error":{"code":200,"message":"Odoo Server Error","data":{"name":"odoo.exceptions.ValidationError","message":"partner required"}}}`, errors.IsInvalidInput},
		{"access fault", 200, `{"error":{"code":200,"data":{"name":"odoo.exceptions.AccessDenied","message":"bad key"}}}`, errors.IsFatal},
		{"server fault", 200, `{"error":{"code":200,"data":{"name":"psycopg2.OperationalError","message":"db gone"}}}`, errors.IsRetryable},
		{"5xx", 502, `bad gateway`, errors.IsRetryable},
		{"429", 429, ``, errors.IsRetryable},
		{"4xx", 404, ``, errors.IsFatal},
		{"garbage", 200, `<html>`, errors.IsRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newOdoo(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.ExecuteKW(context.Background(), "res.partner", "read", nil, nil)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestExecuteKWTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := NewOdooClient(OdooConfig{URL: srv.URL, Timeout: 30 * time.Millisecond}, logger.Nop())
	_, err := c.ExecuteKW(context.Background(), "res.partner", "read", nil, nil)
	assert.True(t, errors.IsRetryable(err))
}

func TestExecuteKWRequiresEndpoint(t *testing.T) {
	c := NewOdooClient(OdooConfig{}, logger.Nop())
	assert.False(t, c.Configured())
	_, err := c.ExecuteKW(context.Background(), "res.partner", "read", nil, nil)
	assert.True(t, errors.IsFatal(err))
}
