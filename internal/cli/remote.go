package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-plt-approvals/internal/client"
	"github.com/pesio-ai/be-plt-approvals/internal/handler"
)

// dial opens a gRPC client from --target/--token or the environment.
func (o *RootOptions) dial() (*client.ApprovalsGRPCClient, error) {
	target := o.Target
	if target == "" {
		target = os.Getenv("GRPC_TARGET")
	}
	if target == "" {
		target = "localhost:9090"
	}
	token := o.Token
	if token == "" {
		token = os.Getenv("APPROVALS_TOKEN")
	}
	return client.NewApprovalsGRPCClient(target, token)
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(opts *RootOptions) *cobra.Command {
	var entityType, entityID, data, org, user string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an entity for approval",
		Long: `Submit an entity for approval through the gRPC API.

Example:
  approvalsctl submit --type invoice --id inv-42 --data '{"amount":1500}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entityData map[string]any
			if err := json.Unmarshal([]byte(data), &entityData); err != nil {
				return fmt.Errorf("invalid --data JSON: %w", err)
			}

			c, err := opts.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.SubmitForApproval(cmd.Context(), org, user, entityType, entityID, entityData)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).object(res)
		},
	}

	cmd.Flags().StringVar(&entityType, "type", "", "entity type (required)")
	cmd.Flags().StringVar(&entityID, "id", "", "entity id (required)")
	cmd.Flags().StringVar(&data, "data", "{}", "entity data as JSON")
	cmd.Flags().StringVar(&org, "org", "", "organization, when the server runs without auth")
	cmd.Flags().StringVar(&user, "user", "", "submitting user, when the server runs without auth")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// NewDecideCommand creates the approve or reject command.
func NewDecideCommand(opts *RootOptions, action string) *cobra.Command {
	var comments, user string

	cmd := &cobra.Command{
		Use:   action + " <request-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " your pending step on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			call := c.Approve
			if action == "reject" {
				call = c.Reject
			}
			res, err := call(cmd.Context(), args[0], user, comments)
			if err != nil {
				return err
			}
			return newPrinter(cmd, opts).object(res)
		},
	}

	cmd.Flags().StringVar(&comments, "comments", "", "comments recorded with the decision")
	cmd.Flags().StringVar(&user, "user", "", "acting user, when the server runs without auth")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var user, org, roles, secret, issuer string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or JWT_SECRET is required")
			}
			if issuer == "" {
				issuer = os.Getenv("JWT_ISSUER")
			}

			id := handler.Identity{UserID: user, OrganizationID: org}
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					id.Roles = append(id.Roles, r)
				}
			}
			tok, err := handler.NewAuthenticator(handler.AuthConfig{Secret: secret, Issuer: issuer}).Issue(id, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (required)")
	cmd.Flags().StringVar(&org, "org", "", "organization id (required)")
	cmd.Flags().StringVar(&roles, "roles", "", "comma separated roles")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "token issuer (default $JWT_ISSUER)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}
