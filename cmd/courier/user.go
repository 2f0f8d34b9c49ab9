package main

import (
	"fmt"
	"os"
	"strconv"

	"courier/pkg/crypto"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts",
	}
	cmd.AddCommand(userAddCmd(), userListCmd(), userBlockCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var bits int

	cmd := &cobra.Command{
		Use:   "add <nickname>",
		Short: "Create a local account with a fresh RSA keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			priv, err := crypto.GenerateKey(bits)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			pubPEM, err := crypto.EncodePublicKeyPEM(&priv.PublicKey)
			if err != nil {
				return err
			}

			user, err := store.CreateUser(cmd.Context(), args[0], crypto.EncodePrivateKeyPEM(priv), pubPEM)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Created %s (uid %d, guid %s)\n", user.Nickname, user.ID, user.GUID)
			fmt.Printf("  Feed: %s\n", cfg.PollURL(user.Nickname))
			fmt.Printf("  Hub:  %s\n", cfg.HubURL(user.Nickname))
			return nil
		},
	}
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("No local accounts")
				return nil
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
				Headers("UID", "NICKNAME", "GUID", "STATUS", "CREATED")
			for _, u := range users {
				status := accentValueStyle.Render("active")
				if u.Blocked {
					status = dangerValueStyle.Render("blocked")
				}
				t.Row(strconv.FormatInt(u.ID, 10), u.Nickname, u.GUID, status, u.CreatedAt.Format("2006-01-02"))
			}
			fmt.Fprintln(os.Stdout, t)
			return nil
		},
	}
}

func userBlockCmd() *cobra.Command {
	var unblock bool

	cmd := &cobra.Command{
		Use:   "block <nickname>",
		Short: "Block a local account; deliveries to it are accepted and dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.GetUserByNickname(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			if err := store.SetUserBlocked(cmd.Context(), user.ID, !unblock); err != nil {
				return err
			}
			if unblock {
				fmt.Printf("✓ Unblocked %s\n", user.Nickname)
			} else {
				fmt.Printf("✓ Blocked %s\n", user.Nickname)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unblock, "unblock", false, "lift the block instead")
	return cmd
}
