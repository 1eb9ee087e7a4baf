package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"idgov/internal/app"
	"idgov/internal/domain"
)

func newGrantCmd() *cobra.Command {
	var (
		permissions []string
		duration    time.Duration
		kind        string
		emergency   bool
	)

	cmd := &cobra.Command{
		Use:   "grant <principal-id>",
		Short: "Grant permissions to a principal for a limited time",
		Long: `Assigns the roles behind each permission to the principal and records
the grant. The revocation timer is armed by the running server, which picks
up grants made here within GRANT_RECONCILE_INTERVAL (default 30s) and
revokes at once any that have already expired by then.`,
		Example: `  idgov grant 5f1c... --permission "User Administrator" --duration 2h
  idgov grant 5f1c... -p reader -p writer --duration 30m --kind app --emergency`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.GrantRequest{
				PrincipalID:    args[0],
				Permissions:    permissions,
				Duration:       duration,
				AssignmentKind: domain.AssignmentKind(kind),
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				issue := a.Services.Grants.Grant
				if emergency {
					issue = a.Services.Grants.EmergencyActivate
				}
				g, err := issue(ctx, req)
				if err != nil {
					return err
				}
				return output(cmd, g, func(w io.Writer) { printGrants(w, []domain.AccessGrant{*g}) })
			})
		},
	}
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "Permission or role name to grant (repeatable)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", time.Hour, "How long the grant lasts")
	cmd.Flags().StringVar(&kind, "kind", "", "Assignment kind: directory (default) or app")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "Cancel any pending grant timer of the principal first")
	_ = cmd.MarkFlagRequired("permission")

	cmd.AddCommand(newGrantListCmd())
	return cmd
}

func newGrantListCmd() *cobra.Command {
	var (
		maxResults int
		pageToken  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded grants, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			page := domain.PageRequest{MaxResults: maxResults, PageToken: pageToken}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				grants, total, err := a.Services.Grants.ListGrants(ctx, page)
				if err != nil {
					return err
				}
				if grants == nil {
					grants = []domain.AccessGrant{}
				}
				res := map[string]interface{}{
					"grants":        grants,
					"nextPageToken": domain.NextPageToken(page.Offset(), page.Limit(), total),
				}
				return output(cmd, res, func(w io.Writer) { printGrants(w, grants) })
			})
		},
	}
	cmd.Flags().IntVar(&maxResults, "max-results", domain.DefaultMaxResults, "Page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token of the page to fetch")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var (
		permissions []string
		key         string
	)
	cmd := &cobra.Command{
		Use:   "revoke [principal-id]",
		Short: "Revoke permissions from a principal, or a whole grant by key",
		Example: `  idgov revoke 5f1c... -p reader
  idgov revoke --key 5f1c..._delegate_reader`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (key == "") == (len(args) == 0) {
				return fmt.Errorf("pass either a principal id or --key")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if key != "" {
					g, err := a.Services.Grants.RevokeGrant(ctx, key)
					if g != nil {
						if perr := output(cmd, g, func(w io.Writer) { printGrants(w, []domain.AccessGrant{*g}) }); perr != nil {
							return perr
						}
					}
					return err
				}
				if len(permissions) == 0 {
					return fmt.Errorf("at least one --permission is required")
				}
				if err := a.Services.Grants.Revoke(ctx, args[0], permissions); err != nil {
					return err
				}
				res := map[string]interface{}{"principalId": args[0], "revoked": permissions}
				return output(cmd, res, func(w io.Writer) {
					_, _ = fmt.Fprintf(w, "revoked %s from %s\n", strings.Join(permissions, ", "), args[0])
				})
			})
		},
	}
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "Permission or role name to revoke (repeatable)")
	cmd.Flags().StringVar(&key, "key", "", "Revoke the live grant stored under this key")
	return cmd
}

func printGrants(w io.Writer, grants []domain.AccessGrant) {
	rows := make([][]string, 0, len(grants))
	for _, g := range grants {
		rows = append(rows, []string{
			g.Key,
			string(g.Kind),
			g.PrincipalID,
			strings.Join(g.Permissions, ","),
			string(g.State),
			g.ExpiresAt.Format(time.RFC3339),
		})
	}
	printTable(w, []string{"key", "kind", "principal", "permissions", "state", "expires"}, rows)
}
