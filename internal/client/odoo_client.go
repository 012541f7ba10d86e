package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// OdooConfig configures the Odoo JSON-RPC client.
type OdooConfig struct {
	URL       string
	Database  string
	UserID    int
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
}

// OdooClient calls Odoo's external API (object.execute_kw over /jsonrpc).
type OdooClient struct {
	cfg     OdooConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Logger
	seq     atomic.Int64
}

// NewOdooClient creates a new Odoo client
func NewOdooClient(cfg OdooConfig, log *logger.Logger) *OdooClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.Burst, 1))
	}
	return &OdooClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     log,
	}
}

// Configured reports whether the client has an endpoint.
func (c *OdooClient) Configured() bool {
	return c != nil && c.cfg.URL != ""
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcFault       `json:"error"`
}

type rpcFault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

// ExecuteKW runs model.method(*args, **kwargs) and returns the raw result.
//
// Odoo faults raised by business validation come back as InvalidInput so that
// callers do not retry them; transport failures and 5xx responses are Retryable.
func (c *OdooClient) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, errors.Fatal(nil, "odoo endpoint is not configured")
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Retryable(err, "odoo rate limiter")
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params: rpcParams{
			Service: "object",
			Method:  "execute_kw",
			Args:    []any{c.cfg.Database, c.cfg.UserID, c.cfg.APIKey, model, method, args, kwargs},
		},
		ID: c.seq.Add(1),
	})
	if err != nil {
		return nil, errors.InvalidInput("args", fmt.Sprintf("arguments are not serialisable: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Fatal(err, "failed to build odoo request")
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.Retryable(err, "odoo request timed out")
		}
		return nil, errors.Retryable(err, "odoo request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Retryable(err, "failed to read odoo response")
	}

	c.log.Debug().
		Str("model", model).
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(started)).
		Msg("odoo: execute_kw")

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Retryable(nil, fmt.Sprintf("odoo returned HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, errors.Fatal(nil, fmt.Sprintf("odoo returned HTTP %d", resp.StatusCode))
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Retryable(err, "odoo returned a malformed response")
	}
	if out.Error != nil {
		return nil, classifyFault(out.Error)
	}
	return out.Result, nil
}

// Create creates one record and returns its raw id.
func (c *OdooClient) Create(ctx context.Context, model string, values map[string]any) (json.RawMessage, error) {
	return c.ExecuteKW(ctx, model, "create", []any{values}, nil)
}

// SearchRead returns records matching domain.
func (c *OdooClient) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int) (json.RawMessage, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	return c.ExecuteKW(ctx, model, "search_read", []any{domain}, kwargs)
}

func classifyFault(f *rpcFault) error {
	msg := f.Data.Message
	if msg == "" {
		msg = f.Message
	}
	name := f.Data.Name
	switch {
	case strings.HasSuffix(name, "ValidationError"),
		strings.HasSuffix(name, "UserError"),
		strings.HasSuffix(name, "MissingError"):
		return errors.InvalidInput("odoo", msg)
	case strings.HasSuffix(name, "AccessError"), strings.HasSuffix(name, "AccessDenied"):
		return errors.Fatal(nil, "odoo denied access: "+msg)
	}
	return errors.Retryable(nil, fmt.Sprintf("odoo fault %d: %s", f.Code, msg))
}
