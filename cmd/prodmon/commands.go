package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"prodmon/internal/app"
	"prodmon/internal/monitor"
	"prodmon/internal/ui"
)

const stopTimeout = 10 * time.Second

// withApp builds the app, optionally starts it, runs fn and always stops it.
// done is the stop reason when fn returns cleanly.
func withApp(ctx context.Context, opts app.Options, start bool, done app.StopReason, fn func(context.Context, *app.App) error) (err error) {
	a, err := app.New(opts)
	if err != nil {
		return err
	}
	reason := done
	defer func() {
		if err != nil {
			reason = app.StopFatalError
		}
		if ctx.Err() != nil {
			reason = app.StopSignal
		}
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(sctx, reason)
	}()

	if start {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func cliOptions(flags *rootFlags) app.Options {
	return app.Options{ConfigPath: flags.configPath, LogOut: os.Stderr}
}

func newTUICommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the terminal UI (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(cmd.Context(), flags)
		},
	}
}

func runTUI(ctx context.Context, flags *rootFlags) error {
	prompter := ui.NewDialogPrompter()
	opts := app.Options{
		ConfigPath: flags.configPath,
		// The alt screen owns the terminal; console notifications are read
		// from the Notifications tab instead.
		LogOut:   io.Discard,
		Out:      io.Discard,
		Prompter: prompter,
	}
	return withApp(ctx, opts, true, app.StopUserQuit, func(ctx context.Context, a *app.App) error {
		deps := ui.Deps{
			Session:    a.Session(),
			Permission: a.Gateway(),
			History:    a.Notifier(),
			Defaults:   a.DefaultConfig(),
			HostName:   a.HostName(),
		}
		return ui.Run(ctx, deps, prompter)
	})
}

func newAnalyzeCommand(flags *rootFlags) *cobra.Command {
	var (
		url      string
		interval int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Start monitoring a URL once and print the change analysis",
		Long: `Analyze starts a monitoring session for the given URL, prints the product
snapshot and the analyzed changes, then stops the session.

Example:
  prodmon analyze --url https://shop.example/item/42 --interval 15`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withApp(cmd.Context(), cliOptions(flags), true, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				cfg := a.DefaultConfig()
				cfg.URL = url
				if cmd.Flags().Changed("interval") {
					cfg.IntervalMinutes = interval
				}
				if !monitor.ValidInterval(cfg.IntervalMinutes) {
					return fmt.Errorf("interval must be between %d and %d minutes", monitor.MinIntervalMinutes, monitor.MaxIntervalMinutes)
				}
				s := a.Session()
				if !s.CanStart(cfg) {
					return fmt.Errorf("cannot start monitoring %q", url)
				}
				snap, err := s.Start(ctx, cfg)
				if err != nil {
					return err
				}
				events, err := s.Analyze(ctx)
				if err != nil {
					return err
				}
				now := time.Now()
				r := ui.Plain()
				fmt.Fprintln(out, r.Snapshot(&snap, now))
				fmt.Fprintln(out)
				fmt.Fprintln(out, r.Events(events, now))
				return s.Stop()
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "product page URL")
	cmd.Flags().IntVar(&interval, "interval", monitor.DefaultIntervalMinutes, "check interval in minutes")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newPermissionCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Inspect or request notification permission",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Print the current notification permission",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
					g := a.Gateway()
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", a.HostName(), ui.Plain().Permission(g.Query(), g.Supported()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "request",
			Short: "Ask for notification permission on the configured host",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), cliOptions(flags), true, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
					g := a.Gateway()
					if !g.Supported() {
						return fmt.Errorf("notification host %q cannot ask for permission", a.HostName())
					}
					st, err := g.Request(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), ui.Plain().Permission(st, true))
					return nil
				})
			},
		},
	)
	return cmd
}

func newNotificationsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show notification history",
	}
	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				list, err := a.Notifier().Recent(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Plain().Notifications(list, time.Now()))
				return nil
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "number of notifications to list")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the notification history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				s, err := a.Notifier().Statistics(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Plain().Stats(s))
				return nil
			})
		},
	}
	var markRead bool
	unread := &cobra.Command{
		Use:   "unread",
		Short: "List unread notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				list, err := a.Notifier().Unread(ctx, markRead)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Plain().Notifications(list, time.Now()))
				return nil
			})
		},
	}
	unread.Flags().BoolVar(&markRead, "mark-read", false, "mark the listed notifications read")

	markAll := &cobra.Command{
		Use:   "mark-read",
		Short: "Mark every notification read",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				n, err := a.Notifier().MarkRead(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d marked read\n", n)
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the notification history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				n, err := a.Notifier().Clear(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d removed\n", n)
				return nil
			})
		},
	}

	var exportPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the latest notifications as JSON",
		Long: `Export writes up to the latest 1000 notifications as a JSON document to
--out, or to stdout when --out is "-".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), cliOptions(flags), false, app.StopCommandEnd, func(ctx context.Context, a *app.App) error {
				if exportPath == "-" {
					_, err := a.Notifier().Export(ctx, cmd.OutOrStdout())
					return err
				}
				path := exportPath
				if path == "" {
					path = "notifications_export_" + time.Now().Format("20060102_150405") + ".json"
				}
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				n, err := a.Notifier().Export(ctx, f)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d notifications exported to %s\n", n, path)
				return nil
			})
		},
	}
	export.Flags().StringVar(&exportPath, "out", "", `output file ("-" for stdout; default notifications_export_<time>.json)`)

	cmd.AddCommand(recent, stats, unread, markAll, clearCmd, export)
	return cmd
}
