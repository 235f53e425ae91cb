package parse

import (
	"fmt"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type tripCSV struct {
	TripID       string `csv:"trip_id"`
	RouteID      string `csv:"route_id"`
	ServiceID    string `csv:"service_id"`
	Headsign     string `csv:"trip_headsign"`
	ShortName    string `csv:"trip_short_name"`
	DirectionID  int8   `csv:"direction_id"`
	BlockID      string `csv:"block_id"`
	ShapeID      string `csv:"shape_id"`
	Wheelchair   int8   `csv:"wheelchair_accessible"`
	BikesAllowed int8   `csv:"bikes_allowed"`
}

var TripStandardColumns = map[string]bool{
	"trip_id": true, "route_id": true, "service_id": true,
	"trip_headsign": true, "trip_short_name": true, "direction_id": true,
	"block_id": true, "shape_id": true, "wheelchair_accessible": true,
	"bikes_allowed": true,
}

func ParseTrips(data []byte) ([]*model.Trip, []Issue, error) {
	rows := []*tripCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling trips csv: %w", err)
	}
	custom, err := extractCustom(data, TripStandardColumns)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting trip custom fields: %w", err)
	}

	var trips []*model.Trip
	var issues []Issue
	for i, row := range rows {
		if row.TripID == "" || row.RouteID == "" || row.ServiceID == "" {
			issues = append(issues, Issue{SeverityError, "trips.txt",
				fmt.Sprintf("trip '%s' missing trip_id, route_id or service_id", row.TripID)})
			continue
		}

		trips = append(trips, &model.Trip{
			TripID:       row.TripID,
			RouteID:      row.RouteID,
			ServiceID:    row.ServiceID,
			Headsign:     row.Headsign,
			ShortName:    row.ShortName,
			DirectionID:  row.DirectionID,
			BlockID:      row.BlockID,
			ShapeID:      row.ShapeID,
			Wheelchair:   row.Wheelchair,
			BikesAllowed: row.BikesAllowed,
			Custom:       customAt(custom, i),
		})
	}

	return trips, issues, nil
}
