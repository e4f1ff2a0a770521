// Package main runs a tracker that watches a Discourse forum for activity on
// topics the user has read and recommends newly active topics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topic-tracker/email"
	"topic-tracker/poll"
	"topic-tracker/server"
	"topic-tracker/source"
	"topic-tracker/storage"
	"topic-tracker/tracker"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	userAgent       = "topic-tracker/1.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	rootCmd := &cobra.Command{
		Use:           "topic-tracker",
		Short:         "Track forum topics you have read and surface newly active ones",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return cfg.validate()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.forumURL, "forum-url", cfg.forumURL, "forum root URL")
	flags.StringVar(&cfg.localStorage, "data", cfg.localStorage, "local state directory")
	flags.StringVar(&cfg.sqlitePath, "sqlite", cfg.sqlitePath, "SQLite state database (overrides --data)")
	flags.StringVar(&cfg.bucket, "bucket", cfg.bucket, "Cloud Storage bucket (overrides --sqlite and --data)")
	flags.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(resyncCmd(cfg))
	rootCmd.AddCommand(trackedCmd(cfg))
	rootCmd.AddCommand(notificationsCmd(cfg))
	rootCmd.AddCommand(recommendationsCmd(cfg))
	rootCmd.AddCommand(ackCmd(cfg))
	rootCmd.AddCommand(dismissCmd(cfg))
	rootCmd.AddCommand(clearRecommendationsCmd(cfg))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func serveCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, digest emails and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.logLevel))
		},
	}
	cmd.Flags().StringVar(&cfg.port, "port", cfg.port, "HTTP listen port")
	cmd.Flags().DurationVar(&cfg.fastInterval, "fast-interval", cfg.fastInterval, "latest listing scan interval")
	cmd.Flags().DurationVar(&cfg.slowInterval, "slow-interval", cfg.slowInterval, "per-topic rescan interval")
	cmd.Flags().DurationVar(&cfg.resyncInterval, "resync-interval", cfg.resyncInterval, "read listing resync interval")
	cmd.Flags().IntVar(&cfg.latestPages, "latest-pages", cfg.latestPages, "latest listing pages per fast scan")
	return cmd
}

func serve(ctx context.Context, cfg *config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

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
	src := newSource(cfg, logger)

	sched := poll.New(&poll.Config{
		Engine:          engine,
		Source:          src,
		Logger:          logger,
		FastInterval:    cfg.fastInterval,
		SlowInterval:    cfg.slowInterval,
		ResyncInterval:  cfg.resyncInterval,
		ResyncDelay:     cfg.resyncDelay,
		LatestPages:     cfg.latestPages,
		LatestPageDelay: poll.DefaultLatestPageDelay,
		SlowPause:       poll.DefaultSlowPause,
	})

	// Scans outlive the signal so in-flight results are applied on shutdown.
	scanCtx := context.WithoutCancel(ctx)
	// Hydrate stays interruptible; pages already walked are persisted.
	if _, err := sched.Bootstrap(ctx); err != nil {
		if ctx.Err() != nil {
			logger.Info("Interrupted during bootstrap", "tracked", engine.Size())
			return nil
		}
		logger.Warn("Bootstrap incomplete, continuing with partial state", "error", err)
	}

	digestDone := make(chan struct{})
	sender, err := newEmailSender(ctx, cfg, logger)
	switch {
	case err != nil:
		logger.Warn("Digest email disabled", "error", err)
		close(digestDone)
	case sender == nil:
		logger.Info("Digest email disabled (no EMAIL_TO)")
		close(digestDone)
	default:
		events, unsubscribe := engine.Subscribe(256)
		defer unsubscribe()
		go func() {
			defer close(digestDone)
			sender.Run(ctx, events, cfg.digestInterval)
		}()
	}

	sched.Start(scanCtx)

	srv := server.New(&server.Config{
		Engine:         engine,
		Scheduler:      sched,
		Store:          store,
		Logger:         logger,
		IsUnauthorized: source.IsUnauthorized,
	})
	serveErr := srv.ListenAndServe(ctx, cfg.port)
	if serveErr != nil {
		logger.Error("Server failed", "error", serveErr)
	}

	sched.Stop()
	waitTimeout(sched.Wait, shutdownTimeout, logger)
	if err := engine.Save(context.Background()); err != nil {
		logger.Error("Failed to save state on shutdown", "error", err)
	}
	// The digest flushes once more when its context ends.
	cancel()
	<-digestDone

	logger.Info("Shutdown complete")
	return serveErr
}

func waitTimeout(wait func(), timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Scans still running at shutdown deadline", "timeout", timeout.String())
	}
}

// openStore picks the backend: bucket, then SQLite, then local directory.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger) (*storage.Store, error) {
	switch {
	case cfg.bucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.bucket)
		return storage.NewCloud(client, cfg.bucket, "state/", logger), nil
	case cfg.sqlitePath != "":
		logger.Info("Using SQLite storage", "path", cfg.sqlitePath)
		return storage.NewSQLite(cfg.sqlitePath, logger)
	default:
		logger.Info("Using local storage", "path", cfg.localStorage)
		return storage.NewLocal(cfg.localStorage, logger)
	}
}

func loadEngine(ctx context.Context, cfg *config, store *storage.Store, logger *slog.Logger) (*tracker.Engine, error) {
	engine := tracker.New(&tracker.Config{
		Store:      store,
		IsNotFound: storage.IsNotFound,
		Logger:     logger,
		BaseURL:    cfg.forumURL,
		PageDelay:  tracker.DefaultPageDelay,
	})
	if err := engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return engine, nil
}

func newSource(cfg *config, logger *slog.Logger) *source.Client {
	return source.New(&http.Client{}, source.Config{
		BaseURL:     cfg.forumURL,
		Cookie:      cfg.cookie,
		APIKey:      cfg.apiKey,
		APIUsername: cfg.apiUsername,
		UserAPIKey:  cfg.userAPIKey,
		UserAgent:   userAgent,
		Timeout:     cfg.fetchTimeout,
	}, logger)
}

// newEmailSender returns nil without error when no recipient is configured.
func newEmailSender(ctx context.Context, cfg *config, logger *slog.Logger) (*email.Sender, error) {
	if cfg.emailTo == "" {
		return nil, nil
	}

	var provider email.Provider
	switch cfg.emailProvider {
	case "gmail":
		svc, err := initGmailService(ctx, cfg.googleCreds)
		if err != nil {
			return nil, fmt.Errorf("gmail: %w", err)
		}
		provider = email.NewGmailProvider(svc, cfg.emailFrom, logger)
	case "brevo":
		provider = email.NewBrevoProvider(cfg.brevoAPIKey, cfg.emailFrom, "Topic Tracker", logger)
	default:
		logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(logger)
	}

	logger.Info("Digest email enabled", "provider", cfg.emailProvider, "to", cfg.emailTo, "interval", cfg.digestInterval.String())
	return email.New(provider, logger, cfg.emailTo), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// Application Default Credentials on GCP; the service account needs gmail.send.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running on GCP")
}
