package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/notifyhub/posting-queue/internal/config"
	"github.com/notifyhub/posting-queue/internal/db"
	"github.com/notifyhub/posting-queue/internal/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, channel usage and recent posts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.queue.GetStatus(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	return cmd
}

func printStatus(out io.Writer, st domain.QueueStatus) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "generated\t%s\n", st.GeneratedAt.Format(time.RFC3339))
	for _, s := range domain.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, st.Counts[s])
	}
	fmt.Fprintf(tw, "stuck\t%d\n", st.Stuck)
	fmt.Fprintf(tw, "duplicates prevented\t%d\n\n", st.DuplicatesPrevented)

	fmt.Fprintln(tw, "CHANNEL\tHOUR\tDAY\tIN FLIGHT\tPENDING\tLAST POST\tNEXT ELIGIBLE")
	for _, cs := range st.Channels {
		fmt.Fprintf(tw, "%s\t%d/%d\t%d/%d\t%d\t%d\t%s\t%s\n",
			cs.Channel,
			cs.PostedHour, cs.Limits.HourlyLimit,
			cs.PostedDay, cs.Limits.DailyLimit,
			cs.InFlight, cs.Pending,
			formatTime(cs.LastPostAt), formatTime(cs.NextEligible),
		)
	}

	if len(st.RecentPosts) > 0 {
		fmt.Fprintln(tw, "\nRECENT POSTS\tCHANNEL\tAT")
		for _, p := range st.RecentPosts {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ItemID, p.Channel, p.PostedAt.Format(time.RFC3339))
		}
	}
	if len(st.DeadLettered) > 0 {
		fmt.Fprintln(tw, "\nDEAD-LETTERED\tCHANNEL\tATTEMPTS\tLAST ERROR")
		for _, it := range st.DeadLettered {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", it.ID, it.Channel, it.Attempts, deref(it.LastError))
		}
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		maxItems int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Dispatch one batch of due items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxItems == 0 {
				maxItems = opts.cfg.BatchSize
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.queue.ProcessQueue(ctx, maxItems)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), res)
				}
				printProcess(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 0, "maximum items to dispatch (default BATCH_SIZE)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func printProcess(out io.Writer, res domain.ProcessResult) {
	fmt.Fprintf(out, "posted:        %d\n", res.Posted)
	fmt.Fprintf(out, "failed:        %d\n", res.Unsuccessful())
	fmt.Fprintf(out, "  will retry:  %d\n", res.Failed)
	fmt.Fprintf(out, "  dead-letter: %d\n", res.DeadLettered)
	fmt.Fprintf(out, "skipped:       %d\n", res.Skipped)
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal items and old bookkeeping rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days == 0 {
				days = opts.cfg.RetentionDays
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.queue.Cleanup(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default RETENTION_DAYS)")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report stuck items, channels at their ceiling and the dead-letter backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.queue.HealthCheck(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rep.Healthy() {
					fmt.Fprintln(out, "healthy")
				} else {
					fmt.Fprintf(out, "%d stuck item(s); resolve with `postqueue requeue ID` or `postqueue fail ID`\n", len(rep.Stuck))
					for _, it := range rep.Stuck {
						fmt.Fprintf(out, "  %s  %s  claimed %s\n", it.ID, it.Channel, formatTime(it.ClaimedAt))
					}
				}
				fmt.Fprintf(out, "pending: %d  dead-lettered: %d\n", rep.Pending, rep.DeadLettered)
				if len(rep.ChannelsAtLimit) > 0 {
					fmt.Fprintf(out, "at ceiling: %v\n", rep.ChannelsAtLimit)
				}
				return nil
			})
		},
	}
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		channel, priority, source, at string
		meta                          map[string]string
	)
	cmd := &cobra.Command{
		Use:   "enqueue [content...]",
		Short: "Submit a post; reads content from stdin when none is given or it is -",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			if content == "" || content == "-" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = strings.TrimRight(string(raw), "\n")
			}

			req := domain.EnqueueRequest{
				Content:  content,
				Channel:  domain.Channel(channel),
				Priority: domain.Priority(priority),
				Source:   source,
				Metadata: meta,
			}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.ScheduledAt = &t
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.queue.Enqueue(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "target channel")
	cmd.Flags().StringVarP(&priority, "priority", "p", string(domain.PriorityNormal), "low, normal, high or urgent")
	cmd.Flags().StringVar(&source, "source", "cli", "producer name recorded on the item")
	cmd.Flags().StringVar(&at, "at", "", "schedule for later (RFC3339)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs passed to the publisher")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel (reject) a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.queue.Reject(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the item was rejected")
	return cmd
}

func newRequeueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue ID",
		Short: "Return a stuck in-flight item to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.queue.ForceRequeue(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", args[0])
				return nil
			})
		},
	}
}

func newFailCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail ID",
		Short: "Mark a stuck in-flight item as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.queue.ForceFail(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s failed\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded as the item's last error")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			switch cfg.StoreDriver {
			case config.StorePostgres:
				pool, err := db.Connect(cmd.Context(), cfg, opts.logger)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.Migrate(pool); err != nil {
					return err
				}
			case config.StoreSQLite:
				// The SQLite schema is created by opening the store.
				a, err := newApp(cmd.Context(), cfg, opts.logger)
				if err != nil {
					return err
				}
				a.Close()
			default:
				fmt.Fprintf(os.Stderr, "store %q has no schema\n", cfg.StoreDriver)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
