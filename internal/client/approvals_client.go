package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalServiceName is the fully qualified gRPC service name.
const ApprovalServiceName = "approvals.v1.ApprovalService"

// ApprovalsGRPCClient calls the approvals gRPC service. Messages travel as
// google.protobuf.Struct and come back as plain maps.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
// A non-empty token is sent as a Bearer authorization header.
func NewApprovalsGRPCClient(addr, token string) (*ApprovalsGRPCClient, error) {
	interceptors := []grpc.UnaryClientInterceptor{forwardMetadata}
	if token != "" {
		interceptors = append(interceptors, bearerToken(token))
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(interceptors...),
	)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// NewApprovalsGRPCClientFromConn wraps an existing connection.
func NewApprovalsGRPCClientFromConn(conn *grpc.ClientConn) *ApprovalsGRPCClient {
	return &ApprovalsGRPCClient{conn: conn}
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// SubmitForApproval opens an approval request for an entity.
func (c *ApprovalsGRPCClient) SubmitForApproval(
	ctx context.Context,
	organizationID, userID, entityType, entityID string,
	entityData map[string]any,
) (map[string]any, error) {
	return c.call(ctx, "SubmitForApproval", map[string]any{
		"organization_id": organizationID,
		"user_id":         userID,
		"entity_type":     entityType,
		"entity_id":       entityID,
		"entity_data":     entityData,
	})
}

// Approve approves the user's pending step on a request.
func (c *ApprovalsGRPCClient) Approve(ctx context.Context, requestID, userID, comments string) (map[string]any, error) {
	return c.call(ctx, "Approve", map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"comments":   comments,
	})
}

// Reject rejects the request on behalf of the user.
func (c *ApprovalsGRPCClient) Reject(ctx context.Context, requestID, userID, comments string) (map[string]any, error) {
	return c.call(ctx, "Reject", map[string]any{
		"request_id": requestID,
		"user_id":    userID,
		"comments":   comments,
	})
}

// Delegate hands the user's pending step to another member.
func (c *ApprovalsGRPCClient) Delegate(ctx context.Context, requestID, userID, delegateTo, comments string) (map[string]any, error) {
	return c.call(ctx, "Delegate", map[string]any{
		"request_id":  requestID,
		"user_id":     userID,
		"delegate_to": delegateTo,
		"comments":    comments,
	})
}

// AddJobOptions are the optional AddJob fields.
type AddJobOptions struct {
	Priority       string
	OrganizationID string
	MaxRetries     *int
	RunAt          *time.Time
}

// AddJob records and enqueues a job.
func (c *ApprovalsGRPCClient) AddJob(ctx context.Context, queue string, payload map[string]any, opts AddJobOptions) (map[string]any, error) {
	in := map[string]any{
		"queue":           queue,
		"payload":         payload,
		"priority":        opts.Priority,
		"organization_id": opts.OrganizationID,
	}
	if opts.MaxRetries != nil {
		in["max_retries"] = *opts.MaxRetries
	}
	if opts.RunAt != nil {
		in["run_at"] = opts.RunAt.UTC().Format(time.RFC3339Nano)
	}
	return c.call(ctx, "AddJob", in)
}

// GetJob returns a ledger entry.
func (c *ApprovalsGRPCClient) GetJob(ctx context.Context, jobID string) (map[string]any, error) {
	return c.call(ctx, "GetJob", map[string]any{"job_id": jobID})
}

func (c *ApprovalsGRPCClient) call(ctx context.Context, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
