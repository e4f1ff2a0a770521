package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/tracker"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5dade2")).Bold(true)
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	kindStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4ade80"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c")).Bold(true)
	linkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5dade2")).Underline(true)
	excerptStyle = lipgloss.NewStyle().Width(76).Foreground(lipgloss.Color("250"))
)

// withEngine opens the configured store, loads the engine and runs fn.
// Command logs go to stderr as text, at warn unless a finer level was asked for.
func withEngine(ctx context.Context, cfg *config, fn func(context.Context, *tracker.Engine, *slog.Logger) error) error {
	level, err := parseLevel(cfg.logLevel)
	if err != nil || level == slog.LevelInfo {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	engine, err := loadEngine(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	return fn(ctx, engine, logger)
}

func resyncCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Add topics from the forum's read listing that are not tracked yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *tracker.Engine, logger *slog.Logger) error {
				src := newSource(cfg, logger)

				var res tracker.WalkResult
				var err error
				if e.Size() == 0 {
					res, err = e.Hydrate(ctx, src)
				} else {
					res, err = e.Resync(ctx, src)
				}
				out := cmd.OutOrStdout()
				if err != nil {
					fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("sync failed after %d pages, %d new", res.Pages, res.Added)))
					return err
				}
				fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("sync complete, %d new", res.Added)))
				fmt.Fprintln(out, metaStyle.Render(fmt.Sprintf("%d pages, %d topics tracked", res.Pages, e.Size())))
				return nil
			})
		},
	}
}

func notificationsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "List unacknowledged activity on tracked topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), cfg, func(_ context.Context, e *tracker.Engine, _ *slog.Logger) error {
				renderNotifications(cmd.OutOrStdout(), e.Notifications(), time.Now())
				return nil
			})
		},
	}
}

func trackedCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "tracked",
		Short: "List tracked topics with their last observed counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), cfg, func(_ context.Context, e *tracker.Engine, _ *slog.Logger) error {
				renderTracked(cmd.OutOrStdout(), e.Fingerprints(), time.Now())
				return nil
			})
		},
	}
}

func recommendationsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:     "recommendations",
		Aliases: []string{"recs"},
		Short:   "List recently active topics you have not read",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), cfg, func(_ context.Context, e *tracker.Engine, _ *slog.Logger) error {
				renderRecommendations(cmd.OutOrStdout(), e.Recommendations(), time.Now())
				return nil
			})
		},
	}
}

func ackCmd(cfg *config) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ack [notification-id]",
		Short: "Acknowledge one notification, or all with --all",
		Args: func(_ *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("pass a notification id or --all, not both")
			}
			if !all && len(args) != 1 {
				return errors.New("a notification id is required unless --all is set")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *tracker.Engine, _ *slog.Logger) error {
				out := cmd.OutOrStdout()
				if all {
					n, err := e.AcknowledgeAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("%d acknowledged", n)))
					return nil
				}
				ok, err := e.Acknowledge(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("notification %s not found", args[0])
				}
				fmt.Fprintln(out, okStyle.Render("acknowledged"))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "acknowledge every notification")
	return cmd
}

func dismissCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <topic-id>",
		Short: "Remove one recommendation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid topic id %q", args[0])
			}
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *tracker.Engine, _ *slog.Logger) error {
				ok, err := e.Dismiss(ctx, id)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %d is not recommended", id)
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("dismissed"))
				return nil
			})
		},
	}
}

func clearRecommendationsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-recommendations",
		Short: "Empty the recommendation list and make every topic eligible again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd.Context(), cfg, func(ctx context.Context, e *tracker.Engine, _ *slog.Logger) error {
				n, err := e.ClearRecommendations(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("%d cleared", n)))
				return nil
			})
		},
	}
}

func renderNotifications(w io.Writer, list []forum.Notification, now time.Time) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Notifications (%d unread)", len(list))))
	if len(list) == 0 {
		fmt.Fprintln(w, metaStyle.Render("  nothing new"))
		return
	}
	for i := range list {
		n := &list[i]
		fmt.Fprintf(w, "\n  %s\n", titleStyle.Render(n.Title))
		fmt.Fprintf(w, "  %s  %s\n",
			kindStyle.Render(n.Message()),
			metaStyle.Render(fmt.Sprintf("%d → %d · %s · id %s", n.Previous, n.Current, forum.RelativeTime(n.CreatedAt, now), n.ID)))
		fmt.Fprintf(w, "  %s\n", linkStyle.Render(n.URL))
	}
}

func renderRecommendations(w io.Writer, list []forum.Recommendation, now time.Time) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Recommendations (%d)", len(list))))
	if len(list) == 0 {
		fmt.Fprintln(w, metaStyle.Render("  nothing active right now"))
		return
	}
	for i := range list {
		r := &list[i]
		meta := []string{
			fmt.Sprintf("%d posts", r.PostsCount),
			fmt.Sprintf("%d likes", r.LikeCount),
			fmt.Sprintf("%d views", r.Views),
			forum.RelativeTime(r.LastPostedAt, now),
			fmt.Sprintf("score %.1f", r.Score),
		}
		if r.CategoryName != "" {
			meta = append([]string{r.CategoryName}, meta...)
		}
		fmt.Fprintf(w, "\n  %s %s\n", titleStyle.Render(r.Title), metaStyle.Render(fmt.Sprintf("#%d", r.ID)))
		fmt.Fprintf(w, "  %s\n", metaStyle.Render(strings.Join(meta, " · ")))
		if r.Excerpt != "" {
			fmt.Fprintf(w, "%s\n", indent(excerptStyle.Render(r.Excerpt), "  "))
		}
		fmt.Fprintf(w, "  %s\n", linkStyle.Render(r.URL))
	}
}

func renderTracked(w io.Writer, list []forum.Fingerprint, now time.Time) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Tracked topics (%d)", len(list))))
	if len(list) == 0 {
		fmt.Fprintln(w, metaStyle.Render("  nothing tracked yet, run resync"))
		return
	}
	for i := range list {
		fp := &list[i]
		title := fp.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "  %s %s  %s\n",
			metaStyle.Render(fmt.Sprintf("#%d", fp.ID)),
			title,
			metaStyle.Render(fmt.Sprintf("%d posts · %d likes · checked %s",
				fp.PostsCount, fp.LikeCount, forum.RelativeTime(fp.LastCheckedAt, now))))
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
