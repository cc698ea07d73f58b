// Package main implements a Cloud Run service that aggregates forum "thanks"
// into per-post notifications and delivers them by email and Telegram.
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

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"thanks-notifier/aggregate"
	"thanks-notifier/censor"
	"thanks-notifier/config"
	"thanks-notifier/dispatch"
	"thanks-notifier/email"
	"thanks-notifier/lang"
	"thanks-notifier/messenger"
	"thanks-notifier/server"
	gcsstore "thanks-notifier/storage"
	"thanks-notifier/storage/postgres"
	"thanks-notifier/userload"
)

const defaultLocalStorage = "./data"

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := newEmailProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	users, err := newUsers(cfg, logger)
	if err != nil {
		return err
	}

	bundle, err := lang.Default(cfg.DefaultLang)
	if err != nil {
		return fmt.Errorf("load locales: %w", err)
	}
	logger.Info("Locales loaded", "languages", bundle.Tags(), "default", bundle.Fallback())
	words, err := censor.New(cfg.CensorWords)
	if err != nil {
		return fmt.Errorf("censor: %w", err)
	}
	formatter, err := aggregate.New(cfg.MaxShownThankers)
	if err != nil {
		return err
	}

	deps := dispatch.Deps{
		Store:     store,
		Users:     users,
		Emailer:   email.New(provider, logger),
		Formatter: formatter,
		Lang:      bundle,
		Censor:    words,
		BoardURL:  cfg.BaseURL,
		Logger:    logger,
	}
	if cfg.TelegramBotToken != "" {
		tg, err := messenger.NewTelegram(cfg.TelegramBotToken, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		deps.Messenger = tg
	} else {
		logger.Info("No TELEGRAM_BOT_TOKEN set, instant messages disabled")
	}

	svc, err := dispatch.New(deps)
	if err != nil {
		return err
	}

	if cfg.ThanksToken == "" {
		logger.Warn("THANKS_TOKEN not set, API requests are not authenticated")
	}

	srv := server.New(&server.Config{
		Dispatcher: svc,
		Languages:  bundle,
		Logger:     logger,
		Token:      cfg.ThanksToken,
	})
	return srv.ServeHTTP(ctx, cfg.Port)
}

// newStore picks PostgreSQL, Cloud Storage or a local directory, in that order.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage client: %w", err)
		}
		return gcsstore.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}

	dir := cfg.LocalStorage
	if dir == "" {
		dir = defaultLocalStorage
		logger.Info("No STORAGE_BUCKET or DATABASE_URL set, defaulting to local development mode", "storage_path", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return gcsstore.New(nil, "", dir, logger), func() {}, nil
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	switch cfg.ResolvedEmailProvider() {
	case config.EmailProviderBrevo:
		logger.Info("Using Brevo email provider")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, cfg.MailFromName, logger), nil
	case config.EmailProviderGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("gmail: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, cfg.MailFrom, cfg.MailFromName, logger), nil
	default:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
}

func newUsers(cfg *config.Config, logger *slog.Logger) (dispatch.Users, error) {
	if cfg.UserSource == config.UserSourceStatic {
		names, err := cfg.StaticUserNames()
		if err != nil {
			return nil, err
		}
		return userload.NewStatic(names), nil
	}
	return userload.NewForum(&http.Client{Timeout: 30 * time.Second}, cfg.BaseURL, logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
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

	// Application Default Credentials need the gmail.send scope on the service account
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
