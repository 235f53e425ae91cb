package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"transitdepot.dev/depot/mutate"
	"transitdepot.dev/depot/validate"
)

var (
	mergeAgencyID int64
	mergeName     string
	mergeDesc     string
	mergeStrategy string
	mergeActivate bool

	splitAgencyID int64
	splitFeedID   int64
	splitName     string
	splitFeedName string
	splitRemove   bool

	cloneAgencyID int64
	cloneName     string
)

func init() {
	mergeCmd.Flags().Int64VarP(&mergeAgencyID, "agency", "a", 0, "target agency id that receives the merged feed (required)")
	mergeCmd.Flags().StringVarP(&mergeName, "name", "n", "", "name of the merged feed (required)")
	mergeCmd.Flags().StringVar(&mergeDesc, "description", "", "description of the merged feed")
	mergeCmd.Flags().StringVar(&mergeStrategy, "strategy", string(mutate.MergeAutoPrefix), "conflict strategy: auto_prefix or fail_on_conflict")
	mergeCmd.Flags().BoolVar(&mergeActivate, "activate", false, "activate the merged feed on success")
	mergeCmd.MarkFlagRequired("agency")
	mergeCmd.MarkFlagRequired("name")

	splitCmd.Flags().Int64VarP(&splitAgencyID, "agency", "a", 0, "source agency id (required)")
	splitCmd.Flags().Int64Var(&splitFeedID, "feed", 0, "source feed id, defaults to the agency's latest active feed")
	splitCmd.Flags().StringVarP(&splitName, "name", "n", "", "name of the new agency (required)")
	splitCmd.Flags().StringVar(&splitFeedName, "feed-name", "", "name of the new feed, defaults to the agency name")
	splitCmd.Flags().BoolVar(&splitRemove, "remove", false, "remove the split routes from the source feed")
	splitCmd.MarkFlagRequired("agency")
	splitCmd.MarkFlagRequired("name")

	cloneCmd.Flags().Int64VarP(&cloneAgencyID, "agency", "a", 0, "target agency id, defaults to the source feed's agency")
	cloneCmd.Flags().StringVarP(&cloneName, "name", "n", "", "name of the cloned feed")

	deleteCmd.AddCommand(deleteFeedCmd)
	deleteCmd.AddCommand(deleteAgencyCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <feed-id>",
	Short: "Run the built-in validation rules against a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := validate.New(store, log).ValidateFeed(cmd.Context(), nil, feedID)
		if err != nil {
			return err
		}

		for _, issue := range res.Issues {
			fmt.Printf("[%s] %s: %s\n", issue.Severity, issue.Rule, issue.Message)
		}
		fmt.Printf("%d errors, %d warnings\n", res.ErrorCount, res.WarningCount)
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <feed-id> <feed-id> [feed-id...]",
	Short: "Merge feeds into one new feed under an existing agency",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceIDs := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			sourceIDs = append(sourceIDs, id)
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := mutate.New(store, log).MergeFeeds(cmd.Context(), nil, mutate.MergeOptions{
			SourceFeedIDs:   sourceIDs,
			TargetAgencyID:  mergeAgencyID,
			Strategy:        mutate.MergeStrategy(mergeStrategy),
			FeedName:        mergeName,
			FeedDescription: mergeDesc,
			Activate:        mergeActivate,
		})
		if err != nil {
			return err
		}

		fmt.Printf("merged into feed %d of agency %d (%d keys renamed)\n",
			res.FeedID, res.AgencyID, res.RenamedKeys)
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
		return nil
	},
}

var splitCmd = &cobra.Command{
	Use:   "split <route-id> [route-id...]",
	Short: "Split routes out of an agency into a new agency",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := mutate.New(store, log).SplitAgency(cmd.Context(), nil, mutate.SplitOptions{
			SourceAgencyID:   splitAgencyID,
			SourceFeedID:     splitFeedID,
			RouteIDs:         args,
			NewAgencyName:    splitName,
			NewFeedName:      splitFeedName,
			RemoveFromSource: splitRemove,
		})
		if err != nil {
			return err
		}

		fmt.Printf("split into agency %d, feed %d\n", res.AgencyID, res.FeedID)
		return nil
	},
}

var cloneCmd = &cobra.Command{
	Use:   "clone <feed-id>",
	Short: "Clone a feed verbatim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		res, err := mutate.New(store, log).CloneFeed(cmd.Context(), nil,
			feedID, cloneAgencyID, cloneName)
		if err != nil {
			return err
		}

		fmt.Printf("cloned feed %d to %d\n", feedID, res.FeedID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete feeds or agencies",
}

var deleteFeedCmd = &cobra.Command{
	Use:   "feed <feed-id>",
	Short: "Delete a feed and all its GTFS data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		feedID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := mutate.New(store, log).DeleteFeed(cmd.Context(), nil, feedID); err != nil {
			return err
		}
		fmt.Printf("deleted feed %d\n", feedID)
		return nil
	},
}

var deleteAgencyCmd = &cobra.Command{
	Use:   "agency <agency-id>",
	Short: "Delete an agency, its feeds and realtime sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agencyID, err := parseID(args[0])
		if err != nil {
			return err
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := mutate.New(store, log).DeleteAgency(cmd.Context(), nil, agencyID); err != nil {
			return err
		}
		fmt.Printf("deleted agency %d\n", agencyID)
		return nil
	},
}
