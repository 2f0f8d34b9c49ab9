package main

import (
	"fmt"
	"time"

	"courier/pkg/ledger"

	"github.com/spf13/cobra"
)

func pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget old delivery records and expired hub leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			retention := cfg.LedgerRetention
			if olderThan > 0 {
				retention = olderThan
			}

			guids, err := ledger.New(store, retention, nil, logger).Prune(cmd.Context(), retention)
			if err != nil {
				return err
			}
			leases, err := store.PruneExpiredLeases(cmd.Context(), time.Now())
			if err != nil {
				return err
			}

			fmt.Printf("✓ Pruned %d delivery records older than %s\n", guids, retention)
			fmt.Printf("✓ Pruned %d expired leases\n", leases)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention override (defaults to ledger_retention)")
	return cmd
}
