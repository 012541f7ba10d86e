package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

type identityKey struct{}

// GRPCHandler implements the approvals gRPC service. Requests and responses
// are google.protobuf.Struct messages carrying the REST JSON shapes.
type GRPCHandler struct {
	approvals *service.ApprovalService
	jobs      *service.JobService
	auth      *Authenticator
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalService, jobs *service.JobService, auth *Authenticator, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{approvals: approvals, jobs: jobs, auth: auth, log: log}
}

// Register attaches the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: client.ApprovalServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			h.method("SubmitForApproval", h.submit),
			h.method("Approve", h.approve),
			h.method("Reject", h.reject),
			h.method("Delegate", h.delegate),
			h.method("AddJob", h.addJob),
			h.method("GetJob", h.getJob),
		},
		Metadata: "approvals/v1/approvals.proto",
	}, h)
}

type rpcFunc func(ctx context.Context, in map[string]any) (any, error)

func (h *GRPCHandler) method(name string, fn rpcFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(ctx, req.(*structpb.Struct).AsMap())
				if err != nil {
					return nil, h.status(name, err)
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: h, FullMethod: "/" + client.ApprovalServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// AuthInterceptor resolves the caller from the authorization metadata.
// With auth disabled, x-user-id and x-organization-id metadata are trusted
// and callers may fall back to identity fields in the request body.
func (h *GRPCHandler) AuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		get := func(key string) string {
			if v := md.Get(key); len(v) > 0 {
				return v[0]
			}
			return ""
		}
		id, err := h.auth.Authenticate(get("authorization"), get)
		switch {
		case err == nil:
			ctx = context.WithValue(ctx, identityKey{}, *id)
		case !h.auth.cfg.Disabled:
			return nil, status.Error(errors.GRPCCode(err), errors.Public(err))
		}
		return next(ctx, req)
	}
}

// caller returns the authenticated identity. Body fields are only honoured
// when no identity was attached and must otherwise agree with it.
func (h *GRPCHandler) caller(ctx context.Context, in map[string]any) (Identity, error) {
	org, _ := in["organization_id"].(string)
	user, _ := in["user_id"].(string)

	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok {
		if org == "" || user == "" {
			return Identity{}, errors.New(errors.ErrCodeUnauthorized, "caller identity required")
		}
		return Identity{UserID: user, OrganizationID: org}, nil
	}
	if (org != "" && org != id.OrganizationID) || (user != "" && user != id.UserID) {
		return Identity{}, errors.Forbidden("request identity does not match the authenticated caller")
	}
	return id, nil
}

func (h *GRPCHandler) status(method string, err error) error {
	if !errors.Known(err) || errors.IsFatal(err) {
		h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
	}
	return status.Error(errors.GRPCCode(err), errors.Public(err))
}

// ── Approvals ─────────────────────────────────────────────────────────────────

func (h *GRPCHandler) submit(ctx context.Context, in map[string]any) (any, error) {
	id, err := h.caller(ctx, in)
	if err != nil {
		return nil, err
	}
	var req struct {
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		EntityData map[string]any `json:"entity_data"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := h.approvals.SubmitForApproval(ctx, service.SubmitInput{
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		EntityData:     req.EntityData,
	})
	if err != nil {
		return nil, err
	}
	return toSubmitJSON(res), nil
}

type grpcAction struct {
	RequestID  string `json:"request_id"`
	Comments   string `json:"comments"`
	DelegateTo string `json:"delegate_to"`
}

// action resolves the caller and checks the request belongs to its organization.
func (h *GRPCHandler) action(ctx context.Context, in map[string]any) (Identity, grpcAction, error) {
	var req grpcAction
	id, err := h.caller(ctx, in)
	if err != nil {
		return id, req, err
	}
	if err := decode(in, &req); err != nil {
		return id, req, err
	}
	if req.RequestID == "" {
		return id, req, errors.InvalidInput("request_id", "request_id is required")
	}
	_, err = h.approvals.GetRequest(ctx, id.OrganizationID, req.RequestID)
	return id, req, err
}

func (h *GRPCHandler) approve(ctx context.Context, in map[string]any) (any, error) {
	id, req, err := h.action(ctx, in)
	if err != nil {
		return nil, err
	}
	d, err := h.approvals.Approve(ctx, req.RequestID, id.UserID, req.Comments)
	if err != nil {
		return nil, err
	}
	return toDecisionJSON(d), nil
}

func (h *GRPCHandler) reject(ctx context.Context, in map[string]any) (any, error) {
	id, req, err := h.action(ctx, in)
	if err != nil {
		return nil, err
	}
	d, err := h.approvals.Reject(ctx, req.RequestID, id.UserID, req.Comments)
	if err != nil {
		return nil, err
	}
	return toDecisionJSON(d), nil
}

func (h *GRPCHandler) delegate(ctx context.Context, in map[string]any) (any, error) {
	id, req, err := h.action(ctx, in)
	if err != nil {
		return nil, err
	}
	step, err := h.approvals.Delegate(ctx, req.RequestID, id.UserID, req.DelegateTo, req.Comments)
	if err != nil {
		return nil, err
	}
	return toStepJSON(step), nil
}

// ── Jobs ──────────────────────────────────────────────────────────────────────

func (h *GRPCHandler) addJob(ctx context.Context, in map[string]any) (any, error) {
	var req struct {
		Queue          string          `json:"queue"`
		Payload        json.RawMessage `json:"payload"`
		Priority       string          `json:"priority"`
		OrganizationID string          `json:"organization_id"`
		MaxRetries     *int            `json:"max_retries"`
		RunAt          *time.Time      `json:"run_at"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	org := req.OrganizationID
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		if org != "" && org != id.OrganizationID {
			return nil, errors.Forbidden("request identity does not match the authenticated caller")
		}
		org = id.OrganizationID
	}

	res, err := h.jobs.AddJob(ctx, req.Queue, req.Payload, service.JobOptions{
		Priority:       req.Priority,
		OrganizationID: org,
		MaxRetries:     req.MaxRetries,
		RunAt:          req.RunAt,
	})
	if err != nil && res == nil {
		return nil, err
	}
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", res.LedgerJobID).Msg("Job recorded but not enqueued")
	}
	return toAddJobJSON(res), nil
}

func (h *GRPCHandler) getJob(ctx context.Context, in map[string]any) (any, error) {
	jobID, _ := in["job_id"].(string)
	if jobID == "" {
		return nil, errors.InvalidInput("job_id", "job_id is required")
	}
	job, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if id, ok := ctx.Value(identityKey{}).(Identity); ok && job.OrganizationID != nil && *job.OrganizationID != id.OrganizationID {
		return nil, errors.NotFound("job", jobID)
	}
	return toJobJSON(job), nil
}

// ── Conversion ────────────────────────────────────────────────────────────────

func decode(in map[string]any, v any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return errors.InvalidInput("request", err.Error())
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.InvalidInput("request", "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(errors.GRPCCode(errors.OperationFailed("encode response", err)), "internal error")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(errors.GRPCCode(errors.OperationFailed("encode response", err)), "internal error")
	}
	return out, nil
}
