package parse

import (
	"fmt"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type stopCSV struct {
	ID            string  `csv:"stop_id"`
	Code          string  `csv:"stop_code"`
	Name          string  `csv:"stop_name"`
	Desc          string  `csv:"stop_desc"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	ZoneID        string  `csv:"zone_id"`
	URL           string  `csv:"stop_url"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
	Timezone      string  `csv:"stop_timezone"`
	Wheelchair    int8    `csv:"wheelchair_boarding"`
}

// StopStandardColumns is the stops.txt field set mapped to typed
// columns; anything else is preserved as a custom field.
var StopStandardColumns = map[string]bool{
	"stop_id": true, "stop_code": true, "stop_name": true, "stop_desc": true,
	"stop_lat": true, "stop_lon": true, "zone_id": true, "stop_url": true,
	"location_type": true, "parent_station": true, "stop_timezone": true,
	"wheelchair_boarding": true,
}

func ParseStops(data []byte) ([]*model.Stop, []Issue, error) {
	rows := []*stopCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling stops csv: %w", err)
	}
	custom, err := extractCustom(data, StopStandardColumns)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting stop custom fields: %w", err)
	}

	var stops []*model.Stop
	var issues []Issue
	for i, row := range rows {
		if row.ID == "" {
			issues = append(issues, Issue{SeverityError, "stops.txt", "empty stop_id"})
			continue
		}

		locationType := model.LocationType(row.LocationType)
		if locationType != model.LocationTypeGenericNode && locationType != model.LocationTypeBoardingArea {
			// stop_name, stop_lat and stop_lon are optional for
			// generic nodes and boarding areas, required otherwise.
			if row.Name == "" {
				issues = append(issues, Issue{SeverityError, "stops.txt",
					fmt.Sprintf("empty stop_name for stop_id '%s'", row.ID)})
				continue
			}
			if row.Lat == 0 || row.Lon == 0 {
				issues = append(issues, Issue{SeverityError, "stops.txt",
					fmt.Sprintf("empty stop_lat or stop_lon for stop_id '%s'", row.ID)})
				continue
			}
		}

		stops = append(stops, &model.Stop{
			StopID:        row.ID,
			Code:          row.Code,
			Name:          row.Name,
			Desc:          row.Desc,
			Lat:           row.Lat,
			Lon:           row.Lon,
			ZoneID:        row.ZoneID,
			URL:           row.URL,
			LocationType:  locationType,
			ParentStation: row.ParentStation,
			Timezone:      row.Timezone,
			Wheelchair:    row.Wheelchair,
			Custom:        customAt(custom, i),
		})
	}

	return stops, issues, nil
}
