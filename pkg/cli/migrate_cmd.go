package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"idgov/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending metastore migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			v, err := db.MigrationVersion(rt.writeDB)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			res := map[string]interface{}{"path": rt.cfg.MetaDBPath, "version": v}
			return output(cmd, res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s is at schema version %d\n", rt.cfg.MetaDBPath, v)
			})
		},
	}
}
