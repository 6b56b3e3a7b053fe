package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/livinlefevreloca/ghastats/internal/dispatch"
	"github.com/livinlefevreloca/ghastats/internal/runs"
	"github.com/livinlefevreloca/ghastats/internal/schedule"
	"github.com/livinlefevreloca/ghastats/internal/server"
	"github.com/livinlefevreloca/ghastats/internal/stats"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	syncAggregate string
	syncQuiet     bool

	statsPeriod   string
	statsStart    string
	statsEnd      string
	statsBranch   string
	statsAuthor   string
	statsWorkflow string

	sessionsLimit int
)

func repoArg(args []string) (string, error) {
	if _, _, ok := runs.SplitRepo(args[0]); !ok {
		return "", errors.Newf("repository must be owner/name, got %q", args[0])
	}
	return args[0], nil
}

func parseDateFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.Newf("--%s must be YYYY-MM-DD, got %q", name, raw)
	}
	return t, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync <owner/repo>",
	Short: "Sync a repository and stream the result as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoArg(args)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var opts dispatch.RunOptions
		if syncAggregate != "" {
			if opts.AggregateKind, err = stats.ParsePeriodKind(syncAggregate); err != nil {
				return err
			}
		}

		d, err := a.dispatcher()
		if err != nil {
			return err
		}

		var sink dispatch.Sink = dispatch.NewWriterSink(cmd.OutOrStdout())
		if syncQuiet {
			sink = dispatch.NewLogSink(a.logger)
		}

		summary, err := d.Run(ctx, repo, a.config.Token, sink, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d new, %d cached, %d job fetches, %d pages skipped, %d backtracks\n",
			repo, summary.NewRuns, summary.CachedRuns, summary.JobsFetched, summary.PagesSkipped, summary.Backtracks)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <owner/repo>",
	Short: "Aggregate stored runs per day, week or month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoArg(args)
		if err != nil {
			return err
		}
		kind, err := stats.ParsePeriodKind(statsPeriod)
		if err != nil {
			return err
		}
		from, err := parseDateFlag("start", statsStart)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("end", statsEnd)
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := stats.NewQuerier(a.database).Query(cmd.Context(), stats.Query{
			Repo:         repo,
			Kind:         kind,
			From:         from,
			To:           to,
			Branch:       statsBranch,
			Author:       statsAuthor,
			WorkflowName: statsWorkflow,
		})
		if err != nil {
			return err
		}
		if results == nil {
			results = []stats.AggregationResult{}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions <owner/repo>",
	Short: "List recent syncs of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.database.ListSyncSessions(cmd.Context(), repo, sessionsLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-36s  %-20s  %-9s  %6s  %6s  %6s\n", "ID", "STARTED", "STATUS", "NEW", "CACHED", "JOBS")
		for _, s := range sessions {
			fmt.Fprintf(out, "%-36s  %-20s  %-9s  %6d  %6d  %6d\n",
				s.ID, s.StartedAt.Format(time.DateTime), s.Status, s.NewRuns, s.CachedRuns, s.JobsFetched)
			if s.Error != nil {
				fmt.Fprintf(out, "  error: %s\n", *s.Error)
			}
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <owner/repo>",
	Short: "Forget everything stored for a repository",
	Long:  "Delete the stored runs, jobs and date ranges of a repository. The next sync fetches its full history.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := repoArg(args)
		if err != nil {
			return err
		}
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.database.ResetRepo(cmd.Context(), repo); err != nil {
			return err
		}
		a.logger.Info("repository reset", "repo", repo)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.dispatcher()
		if err != nil {
			return err
		}

		srv, err := server.New(a.config.Server, d, stats.NewQuerier(a.database), a.database, a.logger,
			server.WithGatherer(a.registry),
			server.WithDefaultToken(a.config.Token))
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})

		if a.config.Schedule.Enabled {
			scheduler, err := schedule.New(a.config.Schedule, d, a.config.Token, a.logger)
			if err != nil {
				return err
			}
			scheduler.Start(gctx)
			g.Go(func() error {
				<-gctx.Done()
				scheduler.Stop()
				return nil
			})
		}

		err = g.Wait()
		a.logger.Info("shutting down gracefully")
		return err
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncAggregate, "aggregate", "", "Append per-period statistics (day, week or month)")
	syncCmd.Flags().BoolVarP(&syncQuiet, "quiet", "q", false, "Log messages instead of printing JSON lines")

	statsCmd.Flags().StringVarP(&statsPeriod, "period", "p", "week", "Period length: day, week or month")
	statsCmd.Flags().StringVar(&statsStart, "start", "", "First day to include (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsEnd, "end", "", "Last day to include (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsBranch, "branch", "", "Only runs on this branch")
	statsCmd.Flags().StringVar(&statsAuthor, "author", "", "Only runs triggered by this actor")
	statsCmd.Flags().StringVar(&statsWorkflow, "workflow", "", "Only runs of this workflow")

	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Number of sessions to show")
}
