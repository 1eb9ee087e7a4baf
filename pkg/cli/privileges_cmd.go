package cli

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"idgov/internal/app"
	"idgov/internal/service/access"
)

func newPrivilegesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "privileges",
		Short: "Review privileged role assignments",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "analyze",
		Short: "Flag principals holding admin, manager or temporary roles",
		Long: `Walks every role assignment in the directory and flags principals whose
role names mark them as privileged. Flags are held by the running server;
this command prints the findings of a single pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				flags, err := a.Services.Privileges.Analyze(ctx)
				if err != nil {
					return err
				}
				if flags == nil {
					flags = []access.Flag{}
				}
				return output(cmd, flags, func(w io.Writer) {
					rows := make([][]string, 0, len(flags))
					for _, f := range flags {
						rows = append(rows, []string{f.PrincipalID, f.Reason, f.FlaggedAt.Format(time.RFC3339)})
					}
					printTable(w, []string{"principal", "reason", "flagged"}, rows)
				})
			})
		},
	})
	return cmd
}
