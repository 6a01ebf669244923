package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	tradepost "github.com/tradepost/tradepost-go"
)

// getClient creates a REST client from the stored configuration.
func getClient() *tradepost.Client {
	cfg := mustConfig()

	var opts []tradepost.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tradepost.WithBaseURL(cfg.Default.BaseURL))
	}
	return tradepost.NewClient(cfg.Auth.Token, opts...)
}

// getMessenger creates the full messaging engine. The realtime channel
// is only wired when requested; one-shot commands work over REST alone.
func getMessenger(withRealtime bool, logger *zerolog.Logger) *tradepost.Messenger {
	cfg := mustConfig()

	mc := tradepost.MessengerConfig{
		Token:   cfg.Auth.Token,
		SelfID:  cfg.Auth.UserID,
		BaseURL: cfg.Default.BaseURL,
		Logger:  logger,
	}
	if withRealtime {
		mc.RealtimeEndpoint = cfg.Default.RealtimeURL
	}

	m, err := tradepost.NewMessenger(mc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start messenger: %v\n", err)
		os.Exit(1)
	}
	return m
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'tradepost login <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// consoleLogger builds a human-readable logger for long-running commands.
func consoleLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}
