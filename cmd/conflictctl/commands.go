package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/storage/postgres"
	"github.com/c0deZ3R0/go-conflict-kit/sweep"
)

type opener func(cmd *cobra.Command) (*app, error)

func newScanCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List every field conflict in the store as JSON",
		Long: `Scan walks every document, runs detection on those with conflicting
revisions and prints all field conflicts as a JSON array. This is the
hand-off point for conflicts that need a human decision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts, err := a.scanner.ScanAll(cmd.Context())
			if err != nil {
				return err
			}
			if conflicts == nil {
				conflicts = []conflictkit.Conflict{}
			}
			return a.print(conflicts)
		},
	}
}

func newDetectCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <id>",
		Short: "Print the field conflicts of one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			conflicts := a.engine.Detect(cmd.Context(), args[0])
			if conflicts == nil {
				conflicts = []conflictkit.Conflict{}
			}
			return a.print(conflicts)
		},
	}
}

func newResolveCmd(open opener) *cobra.Command {
	var strategy, choice string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve the conflicts of one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := conflictkit.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			c, err := conflictkit.ParseChoice(choice)
			if err != nil {
				return err
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var res *conflictkit.ConflictResolution
			err = a.logger.LogOperation(cmd.Context(), logging.Operation("resolve"), logging.ComponentCLI, func() error {
				var rerr error
				res, rerr = a.engine.Resolve(cmd.Context(), args[0], s, conflictkit.WithChoice(c))
				return rerr
			})
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(conflictkit.StrategyEntitySpecific), "resolution strategy")
	cmd.Flags().StringVar(&choice, "choice", "", "local or remote, for user_decides")
	return cmd
}

// reportView is the JSON form of a sweep report.
type reportView struct {
	RunID             string    `json:"runId"`
	StartedAt         time.Time `json:"startedAt"`
	Duration          string    `json:"duration"`
	Documents         int       `json:"documents"`
	Resolved          int       `json:"resolved"`
	Manual            int       `json:"manual"`
	ConflictsResolved int       `json:"conflictsResolved"`
	Failed            int       `json:"failed"`
	Errors            []string  `json:"errors,omitempty"`
}

func viewReport(r *sweep.Report) reportView {
	v := reportView{
		RunID:             r.RunID,
		StartedAt:         r.StartedAt,
		Duration:          r.Duration.String(),
		Documents:         r.Documents,
		Resolved:          r.Resolved,
		Manual:            r.Manual,
		ConflictsResolved: r.ConflictsResolved,
		Failed:            r.Failed,
	}
	for _, err := range multierr.Errors(r.Err) {
		v.Errors = append(v.Errors, err.Error())
	}
	return v
}

func newSweepCmd(open opener) *cobra.Command {
	var (
		once     bool
		schedule string
		strategy string
		choice   string
		workers  int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve every conflicted document, once or on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var opts []sweep.Option
			if a.config != nil {
				if opts, err = sweep.FromConfig(a.config.Sweep); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("strategy") {
				s, err := conflictkit.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				opts = append(opts, sweep.WithStrategy(s))
			}
			if flags.Changed("choice") {
				c, err := conflictkit.ParseChoice(choice)
				if err != nil {
					return err
				}
				opts = append(opts, sweep.WithChoice(c))
			}
			if flags.Changed("workers") {
				opts = append(opts, sweep.WithWorkers(workers))
			}
			if flags.Changed("schedule") {
				opts = append(opts, sweep.WithSchedule(schedule))
			}
			opts = append(opts, sweep.WithLogger(a.logger))

			if once {
				job, err := sweep.New(a.engine, a.scanner, opts...)
				if err != nil {
					return err
				}
				report, err := job.RunOnce(cmd.Context())
				if report != nil {
					if perr := a.print(viewReport(report)); perr != nil {
						return perr
					}
				}
				return err
			}

			opts = append(opts, sweep.WithOnReport(func(r *sweep.Report) {
				if err := a.print(viewReport(r)); err != nil {
					a.logger.LogWarn(cmd.Context(), err, "failed to print report")
				}
			}))
			job, err := sweep.New(a.engine, a.scanner, opts...)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := job.Start(); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return job.Stop(stopCtx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().StringVar(&schedule, "schedule", sweep.DefaultSchedule, "cron schedule")
	cmd.Flags().StringVar(&strategy, "strategy", string(sweep.DefaultStrategy), "resolution strategy")
	cmd.Flags().StringVar(&choice, "choice", "", "local or remote, for user_decides")
	cmd.Flags().IntVar(&workers, "workers", sweep.DefaultWorkers, "documents resolved at once")
	return cmd
}

func newWatchCmd(open opener) *cobra.Command {
	var strategy, choice string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Detect (and optionally resolve) conflicts as revisions arrive (postgres only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				s   conflictkit.Strategy
				c   conflictkit.Choice
				err error
			)
			if strategy != "" {
				if s, err = conflictkit.ParseStrategy(strategy); err != nil {
					return err
				}
				if c, err = conflictkit.ParseChoice(choice); err != nil {
					return err
				}
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			pg, ok := a.store.(*postgres.Store)
			if !ok {
				return errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("watch requires the postgres store, got %q", a.settings.Store))
			}
			listener, err := pg.Listen()
			if err != nil {
				return err
			}
			defer listener.Close()

			listener.Subscribe(func(ctx context.Context, n postgres.RevisionNotification) error {
				conflicts := a.engine.Detect(ctx, n.ID)
				if len(conflicts) == 0 {
					return nil
				}
				if s == "" {
					return a.print(conflicts)
				}
				res, err := a.engine.Resolve(ctx, n.ID, s, conflictkit.WithChoice(c))
				if err != nil {
					return err
				}
				return a.print(res)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := listener.Start(ctx); err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "watching for new revisions", slog.String("channel", listener.Channel()))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "resolve with this strategy instead of only reporting")
	cmd.Flags().StringVar(&choice, "choice", "", "local or remote, for user_decides")
	return cmd
}

func newImportCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Write a JSON array of document revisions as leaves, the way replication does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var docs []*document.Document
			if err := json.NewDecoder(r).Decode(&docs); err != nil {
				return fmt.Errorf("failed to decode documents: %w", err)
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			revs := make([]string, 0, len(docs))
			for _, d := range docs {
				rev, err := a.store.PutRevision(cmd.Context(), d)
				if err != nil {
					return err
				}
				revs = append(revs, rev)
			}
			return a.print(map[string]any{"imported": len(revs), "revisions": revs})
		},
	}
}
