package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/mutate"
	"transitdepot.dev/depot/storage"
)

var (
	agencyName     string
	agencyTimezone string
	agencyURL      string
)

func init() {
	agencyCreateCmd.Flags().StringVarP(&agencyName, "name", "n", "", "agency name (required)")
	agencyCreateCmd.Flags().StringVar(&agencyTimezone, "timezone", "", "agency timezone")
	agencyCreateCmd.Flags().StringVar(&agencyURL, "url", "", "agency website")
	agencyCreateCmd.MarkFlagRequired("name")

	agencyCmd.AddCommand(agencyCreateCmd)
	agencyCmd.AddCommand(agencyFeedsCmd)
}

var agencyCmd = &cobra.Command{
	Use:   "agency",
	Short: "Manage agencies",
}

var agencyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agency",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, _, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		a := &model.Agency{
			Name:     agencyName,
			Slug:     mutate.Slugify(agencyName),
			Timezone: agencyTimezone,
			URL:      agencyURL,
		}
		id, err := store.CreateAgency(cmd.Context(), a)
		if err != nil {
			return err
		}

		fmt.Printf("created agency %d (%s)\n", id, a.Slug)
		return nil
	},
}

var agencyFeedsCmd = &cobra.Command{
	Use:   "feeds <agency-id>",
	Short: "List an agency's feeds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agencyID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, _, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		feeds, err := store.ListFeeds(cmd.Context(), storage.ListFeedsFilter{AgencyID: agencyID})
		if err != nil {
			return err
		}

		for _, f := range feeds {
			active := " "
			if f.IsActive {
				active = "*"
			}
			fmt.Printf("%s %6d  %-30s  routes=%d stops=%d trips=%d  %s\n",
				active, f.ID, f.Name, f.TotalRoutes, f.TotalStops, f.TotalTrips,
				f.ImportedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}
