package handler

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

const (
	ctxRequestID = "request_id"
	ctxIdentity  = "identity"

	headerRequestID = "X-Request-ID"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID         string
	OrganizationID string
	Roles          []string
}

// HasRole reports whether the caller carries role.
func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	Secret string
	Issuer string
	// Disabled trusts X-User-ID, X-Organization-ID and X-User-Roles headers.
	// Local development only.
	Disabled bool
}

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	Roles          []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator turns bearer tokens into identities.
type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Authenticator{cfg: cfg, parser: jwt.NewParser(opts...)}
}

// Verify parses a raw token.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnauthorized, "invalid token")
	}
	user := claims.UserID
	if user == "" {
		user = claims.Subject
	}
	if user == "" || claims.OrganizationID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "token lacks user or organization")
	}
	return &Identity{UserID: user, OrganizationID: claims.OrganizationID, Roles: claims.Roles}, nil
}

// Issue signs a token for id. Used by approvalsctl and tests.
func (a *Authenticator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:         id.UserID,
		OrganizationID: id.OrganizationID,
		Roles:          id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.Secret))
}

// fromHeaders builds the identity trusted in auth-disabled mode.
func (a *Authenticator) fromHeaders(get func(string) string) (*Identity, error) {
	id := &Identity{
		UserID:         get("X-User-ID"),
		OrganizationID: get("X-Organization-ID"),
	}
	for _, r := range strings.Split(get("X-User-Roles"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			id.Roles = append(id.Roles, r)
		}
	}
	if id.UserID == "" || id.OrganizationID == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "X-User-ID and X-Organization-ID are required")
	}
	return id, nil
}

// Authenticate resolves the caller from an Authorization header value or,
// when auth is disabled, from identity headers.
func (a *Authenticator) Authenticate(authorization string, get func(string) string) (*Identity, error) {
	if a.cfg.Disabled {
		return a.fromHeaders(get)
	}
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "bearer token required")
	}
	return a.Verify(strings.TrimSpace(token))
}

// ── gin middleware ────────────────────────────────────────────────────────────

// RequestID propagates or assigns X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("request_id", c.GetString(ctxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

// Recovery turns panics into 500 responses.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Str("request_id", c.GetString(ctxRequestID)).
			Str("panic", fmt.Sprint(recovered)).
			Bytes("stack", debug.Stack()).
			Msg("HTTP handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(errors.New(errors.ErrCodeInternal, "internal error")))
	})
}

// Auth rejects requests without a valid identity.
func Auth(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Authenticate(c.GetHeader("Authorization"), c.GetHeader)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(err))
			return
		}
		c.Set(ctxIdentity, *id)
		c.Next()
	}
}

// RequireRole rejects callers without role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody(errors.Forbidden(role+" role required")))
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) Identity {
	id, _ := c.Get(ctxIdentity)
	v, _ := id.(Identity)
	return v
}
