package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

var (
	leadName     string
	leadPhone    string
	leadAssigned string
)

var leadCmd = &cobra.Command{
	Use:   "lead",
	Short: "Seed and inspect lead records",
}

var leadAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		if leadPhone == "" {
			return eris.New("--phone is required")
		}

		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		lead := &model.Lead{Name: leadName, Phone: leadPhone, AssignedTo: leadAssigned}
		if err := store.CreateLead(ctx, lead); err != nil {
			return eris.Wrap(err, "create lead")
		}

		fmt.Printf("created lead %s (%s)\n", lead.ID, lead.Phone)
		return nil
	},
}

var leadShowCmd = &cobra.Command{
	Use:   "show <lead-id>",
	Short: "Print a lead and its history log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return eris.Wrapf(err, "invalid lead id %q", args[0])
		}

		ctx := cmd.Context()
		store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer store.Close()

		lead, err := store.GetLead(ctx, id)
		if err != nil {
			return eris.Wrap(err, "get lead")
		}

		fmt.Printf("%s\t%s\tassigned_to=%s\n", lead.ID, lead.Phone, lead.AssignedTo)
		for _, h := range lead.History {
			fmt.Printf("  %s  %s  %q\n", h.Timestamp.Format("2006-01-02 15:04:05"), h.Action, h.Body)
		}
		return nil
	},
}

func init() {
	leadAddCmd.Flags().StringVar(&leadName, "name", "", "lead name")
	leadAddCmd.Flags().StringVar(&leadPhone, "phone", "", "lead phone number")
	leadAddCmd.Flags().StringVar(&leadAssigned, "assigned-to", "", "booker the lead is assigned to")

	leadCmd.AddCommand(leadAddCmd)
	leadCmd.AddCommand(leadShowCmd)
	rootCmd.AddCommand(leadCmd)
}
