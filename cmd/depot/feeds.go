package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"transitdepot.dev/depot/export"
	"transitdepot.dev/depot/importer"
)

var (
	importAgencyID int64
	importName     string
	importDesc     string
	importReplace  bool

	exportFeedID   int64
	exportAgencyID int64
	exportOut      string
)

func init() {
	importCmd.Flags().Int64VarP(&importAgencyID, "agency", "a", 0, "target agency id (required)")
	importCmd.Flags().StringVarP(&importName, "name", "n", "", "feed name")
	importCmd.Flags().StringVar(&importDesc, "description", "", "feed description")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "replace the agency's existing feeds")
	importCmd.MarkFlagRequired("agency")

	exportCmd.Flags().Int64VarP(&exportFeedID, "feed", "f", 0, "feed id to export")
	exportCmd.Flags().Int64VarP(&exportAgencyID, "agency", "a", 0, "agency id, exports its latest active feed")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "export.zip", "output archive path")
}

var importCmd = &cobra.Command{
	Use:   "import <archive.zip>",
	Short: "Import a GTFS archive into an agency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		buf, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		res, err := importer.New(store, log).Import(cmd.Context(), nil, buf, importer.Options{
			AgencyID:        importAgencyID,
			FeedName:        importName,
			FeedDescription: importDesc,
			ReplaceExisting: importReplace,
		})
		if err != nil {
			return err
		}

		fmt.Printf("imported feed %d\n", res.FeedID)
		for name, stats := range res.Files {
			fmt.Printf("  %-20s imported=%d updated=%d skipped=%d errors=%d\n",
				name, stats.Imported, stats.Updated, stats.Skipped, stats.Errors)
		}
		for _, issue := range res.Issues {
			fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.File, issue.Message)
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a feed as a GTFS archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFeedID == 0 && exportAgencyID == 0 {
			return fmt.Errorf("one of --feed or --agency is required")
		}

		_, store, log, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()

		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("creating archive: %w", err)
		}
		defer f.Close()

		exp := export.New(store, log)
		feedID := exportFeedID
		if feedID != 0 {
			err = exp.ExportFeed(cmd.Context(), feedID, f)
		} else {
			feedID, err = exp.ExportAgency(cmd.Context(), exportAgencyID, f)
		}
		if err != nil {
			return err
		}

		fmt.Printf("exported feed %d to %s\n", feedID, exportOut)
		return nil
	},
}
