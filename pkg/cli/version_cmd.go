package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the idgov version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return output(cmd, map[string]string{"version": version, "commit": commit}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "idgov version %s (commit: %s)\n", version, commit)
			})
		},
	}
}
