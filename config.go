package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// config is the process configuration, read from the environment and
// overridable by command-line flags.
type config struct {
	forumURL       string
	cookie         string
	apiKey         string
	apiUsername    string
	userAPIKey     string
	localStorage   string
	bucket         string
	sqlitePath     string
	port           string
	logLevel       string
	emailTo        string
	emailProvider  string
	emailFrom      string
	brevoAPIKey    string
	googleCreds    string
	fastInterval   time.Duration
	slowInterval   time.Duration
	resyncInterval time.Duration
	resyncDelay    time.Duration
	fetchTimeout   time.Duration
	digestInterval time.Duration
	latestPages    int
}

func loadConfig(getenv func(string) string) (*config, error) {
	cfg := &config{
		forumURL:      envString(getenv, "FORUM_URL", "https://linux.do"),
		cookie:        getenv("FORUM_COOKIE"),
		apiKey:        getenv("FORUM_API_KEY"),
		apiUsername:   getenv("FORUM_API_USERNAME"),
		userAPIKey:    getenv("FORUM_USER_API_KEY"),
		localStorage:  envString(getenv, "LOCAL_STORAGE", "./data"),
		bucket:        getenv("STORAGE_BUCKET"),
		sqlitePath:    getenv("SQLITE_PATH"),
		port:          envString(getenv, "PORT", "8080"),
		logLevel:      envString(getenv, "LOG_LEVEL", "info"),
		emailTo:       getenv("EMAIL_TO"),
		emailProvider: envString(getenv, "EMAIL_PROVIDER", "mock"),
		emailFrom:     getenv("EMAIL_FROM"),
		brevoAPIKey:   getenv("BREVO_API_KEY"),
		googleCreds:   getenv("GOOGLE_CREDENTIALS_JSON"),
	}

	var errs []error
	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&cfg.fastInterval, "FAST_INTERVAL", 60 * time.Second},
		{&cfg.slowInterval, "SLOW_INTERVAL", 30 * time.Minute},
		{&cfg.resyncInterval, "RESYNC_INTERVAL", time.Hour},
		{&cfg.resyncDelay, "RESYNC_DELAY", 30 * time.Second},
		{&cfg.fetchTimeout, "FETCH_TIMEOUT", 15 * time.Second},
		{&cfg.digestInterval, "DIGEST_INTERVAL", 10 * time.Minute},
	}
	for _, d := range durations {
		v, err := envDuration(getenv, d.key, d.def)
		if err != nil {
			errs = append(errs, err)
		}
		*d.dst = v
	}

	pages, err := envInt(getenv, "LATEST_PAGES", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.latestPages = pages

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks values that flags may have overridden.
func (c *config) validate() error {
	u, err := url.Parse(c.forumURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid forum URL %q", c.forumURL)
	}
	if c.latestPages < 1 {
		return fmt.Errorf("latest pages must be at least 1, got %d", c.latestPages)
	}
	if c.apiKey != "" && c.apiUsername == "" {
		return errors.New("FORUM_API_USERNAME required with FORUM_API_KEY")
	}
	switch c.emailProvider {
	case "mock", "gmail":
	case "brevo":
		if c.emailTo != "" && (c.brevoAPIKey == "" || c.emailFrom == "") {
			return errors.New("BREVO_API_KEY and EMAIL_FROM required for the brevo provider")
		}
	default:
		return fmt.Errorf("unknown email provider %q", c.emailProvider)
	}
	if _, err := parseLevel(c.logLevel); err != nil {
		return err
	}
	return nil
}

func envString(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s: must be positive, got %s", key, v)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newLogger(level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
