package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"idgov/internal/app"
	"idgov/internal/domain"
	"idgov/internal/service/logsync"
)

func newSyncCmd() *cobra.Command {
	var directory bool

	cmd := &cobra.Command{
		Use:   "sync [stream|all]",
		Short: "Run one synchronization pass",
		Long: `Fetches new records of a log stream (directoryAudits, signIns, activity)
or of every configured stream, projects them into the graph and advances the
stored cursor. With --directory the directory snapshot is synced instead.`,
		Example: `  idgov sync all
  idgov sync signIns -o json
  idgov sync --directory`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"all", "directoryAudits", "signIns", "activity"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "all"
			if len(args) == 1 {
				target = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if directory {
					res, err := a.Services.DirSync.Sync(ctx)
					if err != nil {
						return err
					}
					return output(cmd, res, func(w io.Writer) {
						printDetail(w, []string{"users", "groups", "roles", "assignments", "memberships", "departments", "written", "duration"},
							map[string]string{
								"users":       strconv.Itoa(res.Users),
								"groups":      strconv.Itoa(res.Groups),
								"roles":       strconv.Itoa(res.Roles),
								"assignments": strconv.Itoa(res.Assignments),
								"memberships": strconv.Itoa(res.Memberships),
								"departments": strconv.Itoa(res.Departments),
								"written":     strconv.Itoa(res.Written),
								"duration":    res.Duration.Round(time.Millisecond).String(),
							})
					})
				}
				return runLogSync(ctx, cmd, a.Services.Runner, target)
			})
		},
	}
	cmd.Flags().BoolVar(&directory, "directory", false, "Sync the directory snapshot instead of a log stream")
	return cmd
}

func runLogSync(ctx context.Context, cmd *cobra.Command, runner *logsync.Runner, target string) error {
	var (
		runs []logsync.RunResult
		err  error
	)
	if target == "all" {
		runs, err = runner.RunAll(ctx)
	} else {
		stream, perr := domain.ParseStream(target)
		if perr != nil {
			return perr
		}
		var res *logsync.RunResult
		res, err = runner.Run(ctx, stream)
		if res != nil {
			runs = append(runs, *res)
		}
	}
	if perr := output(cmd, runs, func(w io.Writer) { printRuns(w, runs) }); perr != nil {
		return perr
	}
	return err
}

func printRuns(w io.Writer, runs []logsync.RunResult) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		advanced := "no"
		if r.CursorAdvanced {
			advanced = "yes"
		}
		rows = append(rows, []string{
			string(r.Stream),
			strconv.Itoa(r.Records),
			strconv.Itoa(r.Skipped),
			formatTally(r.Categories),
			advanced,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	printTable(w, []string{"stream", "records", "skipped", "categories", "cursor advanced", "duration"}, rows)
}

func formatTally(t logsync.Tally) string {
	if len(t) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(t))
	for c, n := range t {
		parts = append(parts, fmt.Sprintf("%s=%d", c, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func newCursorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cursors",
		Short: "Show the stored position of every log stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				cursors, err := a.Services.Cursors.List(ctx)
				if err != nil {
					return err
				}
				if cursors == nil {
					cursors = []domain.SyncCursor{}
				}
				return output(cmd, cursors, func(w io.Writer) {
					rows := make([][]string, 0, len(cursors))
					for _, c := range cursors {
						rows = append(rows, []string{string(c.Stream), c.UpdatedAt.Format(time.RFC3339), c.Value})
					}
					printTable(w, []string{"stream", "updated", "cursor"}, rows)
				})
			})
		},
	}
}
