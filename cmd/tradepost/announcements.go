package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	tradepost "github.com/tradepost/tradepost-go"
)

var (
	announcementsUnreadOnly bool
	announcementsJSON       bool
)

func init() {
	announcementsCmd.Flags().BoolVar(&announcementsUnreadOnly, "unread", false, "Only show unread announcements")
	announcementsCmd.Flags().BoolVar(&announcementsJSON, "json", false, "Output raw JSON")
	announcementsCmd.AddCommand(announcementsReadCmd)
	rootCmd.AddCommand(announcementsCmd)
}

var announcementsCmd = &cobra.Command{
	Use:   "announcements",
	Short: "List platform announcements",
	RunE: func(cmd *cobra.Command, args []string) error {
		board := tradepost.NewAnnouncementBoard(getClient())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := board.Refresh(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		items := board.Items()
		if announcementsUnreadOnly {
			filtered := items[:0]
			for _, a := range items {
				if !a.Read {
					filtered = append(filtered, a)
				}
			}
			items = filtered
		}

		if announcementsJSON {
			return printJSON(items)
		}

		if len(items) == 0 {
			fmt.Println("No announcements.")
			return nil
		}
		for _, a := range items {
			marker := " "
			if !a.Read {
				marker = "*"
			}
			fmt.Printf("%s %s  %s  %s\n", marker, a.ID, a.CreatedAt.Local().Format("2006-01-02"), a.Title)
		}
		return nil
	},
}

var announcementsReadCmd = &cobra.Command{
	Use:   "read <announcement-id>",
	Short: "Show an announcement and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		board := tradepost.NewAnnouncementBoard(getClient())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := board.Refresh(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		a, err := board.Select(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s\n%s\n\n%s\n", a.Title, a.CreatedAt.Local().Format("2006-01-02 15:04"), a.Content)
		return nil
	},
}
