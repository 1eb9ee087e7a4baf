package cli

import (
	"context"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"idgov/internal/app"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Provision users, groups, roles and departments from a YAML or JSON file",
		Long: `Creates the roles, groups and users listed in the file, provisions a
department for every department name it references and then syncs the
directory into the graph. Items that already exist are skipped; failures of
single items are reported after the rest of the import has run.`,
		Example: `  idgov import demo-data.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Services.Importer.ImportFile(ctx, args[0])
				if res != nil {
					if perr := output(cmd, res, func(w io.Writer) {
						printDetail(w, []string{"roles created", "groups created", "users created", "users skipped", "departments created", "failures"},
							map[string]string{
								"roles created":       strconv.Itoa(res.RolesCreated),
								"groups created":      strconv.Itoa(res.GroupsCreated),
								"users created":       strconv.Itoa(res.UsersCreated),
								"users skipped":       strconv.Itoa(res.UsersSkipped),
								"departments created": strconv.Itoa(res.DepartmentsCreated),
								"failures":            strconv.Itoa(res.Failures),
							})
					}); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}
