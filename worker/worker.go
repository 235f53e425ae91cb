package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transitdepot.dev/depot/downloader"
	"transitdepot.dev/depot/export"
	"transitdepot.dev/depot/importer"
	"transitdepot.dev/depot/mutate"
	"transitdepot.dev/depot/parse"
	"transitdepot.dev/depot/realtime"
	"transitdepot.dev/depot/storage"
	"transitdepot.dev/depot/task"
	"transitdepot.dev/depot/validate"
	"transitdepot.dev/depot/validate/mobility"
)

// Deps are the components the job handlers drive.
type Deps struct {
	Store     *storage.Store
	Orch      *task.Orchestrator
	Importer  *importer.Importer
	Exporter  *export.Exporter
	Mutator   *mutate.Mutator
	Validator *validate.Validator
	Mobility  *mobility.Runner
	Fetcher   *realtime.Fetcher
	Download  downloader.Downloader
	Log       zerolog.Logger

	// DataDir receives export archives and scratch files.
	DataDir string
}

// Register binds every job kind to its handler on the pool.
func Register(pool *task.Pool, d Deps) {
	pool.Register(task.KindImportGTFS, d.importGTFS)
	pool.Register(task.KindExportGTFS, d.exportGTFS)
	pool.Register(task.KindValidateGTFS, d.validateGTFS)
	pool.Register(task.KindValidateMobility, d.validateMobility)
	pool.Register(task.KindValidateMobilityFile, d.validateMobilityFile)
	pool.Register(task.KindMergeAgencies, d.mergeAgencies)
	pool.Register(task.KindSplitAgency, d.splitAgency)
	pool.Register(task.KindCloneFeed, d.cloneFeed)
	pool.Register(task.KindDeleteFeed, d.deleteFeed)
	pool.Register(task.KindDeleteAgency, d.deleteAgency)
}

func (d Deps) importGTFS(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		agencyID, err := task.PayloadInt64(payload, "agency_id")
		if err != nil {
			return nil, err
		}

		var buf []byte
		switch {
		case task.PayloadString(payload, "file_path") != "":
			buf, err = os.ReadFile(task.PayloadString(payload, "file_path"))
			if err != nil {
				return nil, fmt.Errorf("reading archive: %w", err)
			}
		case task.PayloadString(payload, "url") != "":
			buf, err = d.Download.Get(ctx, task.PayloadString(payload, "url"), nil,
				downloader.GetOptions{Timeout: 5 * time.Minute})
			if err != nil {
				return nil, task.Retryable(fmt.Errorf("downloading archive: %w", err))
			}
		default:
			return nil, fmt.Errorf("payload has neither file_path nor url")
		}

		res, err := d.Importer.Import(ctx, run, buf, importer.Options{
			AgencyID:        agencyID,
			FeedName:        task.PayloadString(payload, "feed_name"),
			FeedDescription: task.PayloadString(payload, "description"),
			FeedVersion:     task.PayloadString(payload, "feed_version"),
			ReplaceExisting: task.PayloadBool(payload, "replace_existing"),
			ValidateOnly:    task.PayloadBool(payload, "validate_only"),
			SkipShapes:      task.PayloadBool(payload, "skip_shapes"),
			StopOnError:     task.PayloadBool(payload, "stop_on_error"),
		})
		if err != nil {
			return nil, err
		}

		return storage.JSONMap{
			"feed_id":           res.FeedID,
			"files":             res.Files,
			"issues":            issueMessages(res.Issues),
			"sentinel_services": res.SentinelServices,
			"missing_trip_refs": res.MissingTripRefs,
			"missing_stop_refs": res.MissingStopRefs,
			"sample_trips":      res.SampleMissingTrips,
			"sample_stops":      res.SampleMissingStops,
		}, nil
	})
}

func (d Deps) exportGTFS(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		outPath := task.PayloadString(payload, "output_path")
		if outPath == "" {
			outPath = filepath.Join(d.DataDir, fmt.Sprintf("export-%s.zip", uuid.NewString()))
		}

		f, err := os.Create(outPath)
		if err != nil {
			return nil, fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()

		if err := run.Progress(ctx, 10, "exporting"); err != nil {
			return nil, err
		}

		var feedID int64
		if id, err := task.PayloadInt64(payload, "feed_id"); err == nil {
			feedID = id
			if err := d.Exporter.ExportFeed(ctx, feedID, f); err != nil {
				return nil, err
			}
		} else {
			agencyID, err := task.PayloadInt64(payload, "agency_id")
			if err != nil {
				return nil, fmt.Errorf("payload has neither feed_id nor agency_id")
			}
			feedID, err = d.Exporter.ExportAgency(ctx, agencyID, f)
			if err != nil {
				return nil, err
			}
		}

		return storage.JSONMap{
			"feed_id":     feedID,
			"output_path": outPath,
		}, nil
	})
}

func (d Deps) validateGTFS(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		feedID, err := task.PayloadInt64(payload, "feed_id")
		if err != nil {
			return nil, err
		}

		res, err := d.Validator.ValidateFeed(ctx, run, feedID)
		if err != nil {
			return nil, err
		}

		// Cap the embedded issue list; counts carry the full
		// picture.
		issues := res.Issues
		if len(issues) > 500 {
			issues = issues[:500]
		}

		return storage.JSONMap{
			"feed_id":       feedID,
			"error_count":   res.ErrorCount,
			"warning_count": res.WarningCount,
			"skipped_rules": res.SkippedRules,
			"issues":        issues,
		}, nil
	})
}

func (d Deps) validateMobility(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		feedID, err := task.PayloadInt64(payload, "feed_id")
		if err != nil {
			return nil, err
		}

		// The canonical validator wants a zip, so the stored feed
		// is exported to scratch first.
		if err := run.Progress(ctx, 5, "exporting feed"); err != nil {
			return nil, err
		}
		zipPath := filepath.Join(d.DataDir, fmt.Sprintf("validate-%s.zip", uuid.NewString()))
		f, err := os.Create(zipPath)
		if err != nil {
			return nil, fmt.Errorf("creating scratch archive: %w", err)
		}
		exportErr := d.Exporter.ExportFeed(ctx, feedID, f)
		f.Close()
		defer os.Remove(zipPath)
		if exportErr != nil {
			return nil, exportErr
		}

		return d.runMobility(ctx, run, zipPath, storage.JSONMap{"feed_id": feedID})
	})
}

func (d Deps) validateMobilityFile(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		path := task.PayloadString(payload, "file_path")
		if path == "" {
			return nil, fmt.Errorf("payload missing file_path")
		}
		return d.runMobility(ctx, run, path, storage.JSONMap{"file_path": path})
	})
}

func (d Deps) runMobility(ctx context.Context, run *task.Run, zipPath string, result storage.JSONMap) (storage.JSONMap, error) {
	if err := run.Progress(ctx, 20, "running canonical validator"); err != nil {
		return nil, err
	}
	if err := run.Checkpoint(ctx); err != nil {
		return nil, err
	}

	res, err := d.Mobility.ValidateArchive(ctx, zipPath)
	if err != nil {
		return nil, err
	}

	counts := res.Report.Counts()
	result["validator_version"] = res.Report.Summary.ValidatorVersion
	result["error_count"] = counts["ERROR"]
	result["warning_count"] = counts["WARNING"]
	result["info_count"] = counts["INFO"]
	result["report_json"] = res.ReportJSON
	result["report_html"] = res.ReportHTML
	return result, nil
}

func (d Deps) mergeAgencies(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		sourceFeedIDs, err := payloadInt64Slice(payload, "source_feed_ids")
		if err != nil {
			return nil, err
		}
		targetAgencyID, err := task.PayloadInt64(payload, "target_agency_id")
		if err != nil {
			return nil, err
		}
		feedName := task.PayloadString(payload, "feed_name")
		if feedName == "" {
			return nil, fmt.Errorf("payload missing feed_name")
		}
		strategy := mutate.MergeStrategy(task.PayloadString(payload, "merge_strategy"))
		if strategy == "" {
			strategy = mutate.MergeAutoPrefix
		}

		res, err := d.Mutator.MergeFeeds(ctx, run, mutate.MergeOptions{
			SourceFeedIDs:   sourceFeedIDs,
			TargetAgencyID:  targetAgencyID,
			Strategy:        strategy,
			FeedName:        feedName,
			FeedDescription: task.PayloadString(payload, "feed_description"),
			Activate:        task.PayloadBool(payload, "activate_on_success"),
		})
		if err != nil {
			return nil, err
		}

		return storage.JSONMap{
			"agency_id":    res.AgencyID,
			"feed_id":      res.FeedID,
			"source_feeds": res.SourceFeeds,
			"renamed_keys": res.RenamedKeys,
			"counts":       res.Counts,
			"warnings":     res.Warnings,
		}, nil
	})
}

func (d Deps) splitAgency(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		agencyID, err := task.PayloadInt64(payload, "source_agency_id")
		if err != nil {
			return nil, err
		}
		routeIDs, err := payloadStringSlice(payload, "route_ids")
		if err != nil {
			return nil, err
		}
		newName := task.PayloadString(payload, "new_agency_name")
		if newName == "" {
			return nil, fmt.Errorf("payload missing new_agency_name")
		}
		feedID, _ := task.PayloadInt64(payload, "feed_id")

		res, err := d.Mutator.SplitAgency(ctx, run, mutate.SplitOptions{
			SourceAgencyID:   agencyID,
			SourceFeedID:     feedID,
			RouteIDs:         routeIDs,
			NewAgencyName:    newName,
			NewFeedName:      task.PayloadString(payload, "new_feed_name"),
			RemoveFromSource: task.PayloadBool(payload, "remove_from_source"),
		})
		if err != nil {
			return nil, err
		}

		out := storage.JSONMap{
			"agency_id":   res.AgencyID,
			"feed_id":     res.FeedID,
			"source_feed": res.SourceFeed,
			"counts":      res.Counts,
		}
		if res.RemovedFrom != nil {
			out["removed_from_feed"] = *res.RemovedFrom
		}
		return out, nil
	})
}

func (d Deps) cloneFeed(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		feedID, err := task.PayloadInt64(payload, "feed_id")
		if err != nil {
			return nil, err
		}
		targetAgencyID, _ := task.PayloadInt64(payload, "target_agency_id")

		res, err := d.Mutator.CloneFeed(ctx, run, feedID, targetAgencyID,
			task.PayloadString(payload, "name"))
		if err != nil {
			return nil, err
		}

		return storage.JSONMap{
			"feed_id": res.FeedID,
			"counts":  res.Counts,
		}, nil
	})
}

func (d Deps) deleteFeed(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		feedID, err := task.PayloadInt64(payload, "feed_id")
		if err != nil {
			return nil, err
		}
		if err := d.Mutator.DeleteFeed(ctx, run, feedID); err != nil {
			return nil, err
		}
		return storage.JSONMap{"feed_id": feedID}, nil
	})
}

func (d Deps) deleteAgency(ctx context.Context, taskID int64, payload storage.JSONMap) error {
	return d.Orch.Run(ctx, taskID, func(ctx context.Context, run *task.Run) (storage.JSONMap, error) {
		agencyID, err := task.PayloadInt64(payload, "agency_id")
		if err != nil {
			return nil, err
		}
		if err := d.Mutator.DeleteAgency(ctx, run, agencyID); err != nil {
			return nil, err
		}
		return storage.JSONMap{"agency_id": agencyID}, nil
	})
}

func payloadInt64Slice(payload storage.JSONMap, key string) ([]int64, error) {
	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("payload missing %q", key)
	}
	switch vs := raw.(type) {
	case []int64:
		return vs, nil
	case []interface{}:
		out := make([]int64, 0, len(vs))
		for _, v := range vs {
			switch n := v.(type) {
			case int64:
				out = append(out, n)
			case float64:
				out = append(out, int64(n))
			default:
				return nil, fmt.Errorf("payload key %q has non-numeric element %T", key, v)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload key %q is %T, not a list", key, raw)
	}
}

func payloadStringSlice(payload storage.JSONMap, key string) ([]string, error) {
	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("payload missing %q", key)
	}
	switch vs := raw.(type) {
	case []string:
		return vs, nil
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, v := range vs {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("payload key %q has non-string element %T", key, v)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload key %q is %T, not a list", key, raw)
	}
}

func issueMessages(issues []parse.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = fmt.Sprintf("[%s] %s: %s", issue.Severity, issue.File, issue.Message)
	}
	return out
}
