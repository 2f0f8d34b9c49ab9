package main

import (
	"fmt"
	"os"
	"strconv"

	"courier/pkg/pubsub"
	"courier/pkg/types"

	"github.com/spf13/cobra"
)

func subscribeCmd() *cobra.Command {
	var (
		hubURL      string
		unsubscribe bool
	)

	cmd := &cobra.Command{
		Use:   "subscribe <nickname> <contact-id>",
		Short: "Ask a hub to push a contact's feed to a local account",
		Long: `Send a PubSubHubbub subscription request for the contact's feed. The hub
verifies it by calling back /pubsub/<nickname>/<contact-id>, so the server
must be running and reachable at the configured base URL.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			contactID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid contact id %q", args[1])
			}
			if hubURL == "" {
				return fmt.Errorf("--hub is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			owner, err := store.GetUserByNickname(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			contact, err := store.GetContact(ctx, contactID)
			if err != nil {
				return fmt.Errorf("contact %d: %w", contactID, err)
			}
			if contact.OwnerUserID != owner.ID {
				return fmt.Errorf("contact %d does not belong to %s", contactID, owner.Nickname)
			}

			mode := types.ModeSubscribe
			if unsubscribe {
				mode = types.ModeUnsubscribe
			}
			sub := pubsub.NewSubscriber(cfg, store, nil, logger)
			if err := sub.RequestSubscription(ctx, owner, contact, hubURL, mode); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "✓ Sent %s request for %s to %s\n", mode, contact.PollURL, hubURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub", "", "hub URL advertised by the contact's feed")
	cmd.Flags().BoolVar(&unsubscribe, "unsubscribe", false, "cancel the subscription instead")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <nickname> <feed-file>",
		Short: "Push a local account's feed to its hub subscribers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			feed, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read feed: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			owner, err := store.GetUserByNickname(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}

			hub := pubsub.NewHub(cfg, store, nil, nil, logger)
			res, err := hub.Publish(cmd.Context(), owner.ID, feed)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Delivered to %d subscribers, %d failed\n", res.Delivered, res.Failed)
			return nil
		},
	}
}
