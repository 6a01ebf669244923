package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tradepost "github.com/tradepost/tradepost-go"
)

var (
	loginUserID   string
	loginUsername string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "Your user id (used to attribute your own messages)")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name to record in the config")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a messaging token",
	Long:  "Store the session token obtained from the Tradepost web app and verify it against the API.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = token
		if loginUserID != "" {
			cfg.Auth.UserID = loginUserID
		}
		if loginUsername != "" {
			cfg.Auth.Username = loginUsername
		}

		// Verify before persisting, so a typoed token is caught here
		// rather than on the next command.
		var opts []tradepost.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, tradepost.WithBaseURL(cfg.Default.BaseURL))
		}
		client := tradepost.NewClient(token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conversations, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in. %d conversation(s) in your inbox.\n", len(conversations))
		return nil
	},
}
