package parse

import (
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"transitdepot.dev/depot/model"
)

type stopTimeCSV struct {
	TripID       string `csv:"trip_id"`
	StopID       string `csv:"stop_id"`
	StopSequence string `csv:"stop_sequence"`
	Arrival      string `csv:"arrival_time"`
	Departure    string `csv:"departure_time"`
	Headsign     string `csv:"stop_headsign"`
	PickupType   int8   `csv:"pickup_type"`
	DropOffType  int8   `csv:"drop_off_type"`
	Dist         string `csv:"shape_dist_traveled"`
	Timepoint    int8   `csv:"timepoint"`
}

var StopTimeStandardColumns = map[string]bool{
	"trip_id": true, "stop_id": true, "stop_sequence": true,
	"arrival_time": true, "departure_time": true, "stop_headsign": true,
	"pickup_type": true, "drop_off_type": true, "shape_dist_traveled": true,
	"timepoint": true,
}

// ParseStopTimes reads stop_times.txt, the hot path of import.
// Arrival and departure are normalized to zero-padded HH:MM:SS; empty
// times are kept empty (interpolated stops). Rows with a missing key
// or a malformed value are skipped with an issue.
func ParseStopTimes(data []byte) ([]*model.StopTime, []Issue, error) {
	rows := []*stopTimeCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshaling stop_times csv")
	}

	stopTimes := make([]*model.StopTime, 0, len(rows))
	var issues []Issue
	for _, row := range rows {
		if row.TripID == "" || row.StopID == "" || row.StopSequence == "" {
			issues = append(issues, Issue{SeverityError, "stop_times.txt",
				fmt.Sprintf("row for trip '%s' missing trip_id, stop_id or stop_sequence", row.TripID)})
			continue
		}
		seq, err := strconv.Atoi(row.StopSequence)
		if err != nil || seq < 0 {
			issues = append(issues, Issue{SeverityError, "stop_times.txt",
				fmt.Sprintf("invalid stop_sequence '%s' for trip '%s'", row.StopSequence, row.TripID)})
			continue
		}

		arrival := ""
		if row.Arrival != "" {
			arrival, err = model.ParseGTFSTime(row.Arrival)
			if err != nil {
				issues = append(issues, Issue{SeverityError, "stop_times.txt",
					fmt.Sprintf("invalid arrival_time for trip '%s' seq %d: %v", row.TripID, seq, err)})
				continue
			}
		}
		departure := ""
		if row.Departure != "" {
			departure, err = model.ParseGTFSTime(row.Departure)
			if err != nil {
				issues = append(issues, Issue{SeverityError, "stop_times.txt",
					fmt.Sprintf("invalid departure_time for trip '%s' seq %d: %v", row.TripID, seq, err)})
				continue
			}
		}

		dist, err := optionalFloat(row.Dist)
		if err != nil {
			issues = append(issues, Issue{SeverityError, "stop_times.txt",
				fmt.Sprintf("invalid shape_dist_traveled for trip '%s' seq %d", row.TripID, seq)})
			continue
		}

		stopTimes = append(stopTimes, &model.StopTime{
			TripID:            row.TripID,
			StopSequence:      seq,
			StopID:            row.StopID,
			Arrival:           arrival,
			Departure:         departure,
			Headsign:          row.Headsign,
			PickupType:        row.PickupType,
			DropOffType:       row.DropOffType,
			ShapeDistTraveled: dist,
			Timepoint:         row.Timepoint,
		})
	}

	return stopTimes, issues, nil
}
