package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all stored SMS messages and strip their history entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metrics.Init()

		store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		res, err := storage.NewPurger(store, cfg.Workers).Run(ctx)
		if err != nil {
			return eris.Wrap(err, "purge")
		}

		fmt.Printf("deleted %d messages, stripped %d history entries across %d leads\n",
			res.MessagesDeleted, res.HistoryRemoved, res.LeadsTouched)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}
