package parse

import (
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type shapeCSV struct {
	ShapeID  string  `csv:"shape_id"`
	Lat      float64 `csv:"shape_pt_lat"`
	Lon      float64 `csv:"shape_pt_lon"`
	Sequence int     `csv:"shape_pt_sequence"`
	Dist     string  `csv:"shape_dist_traveled"`
}

var ShapeStandardColumns = map[string]bool{
	"shape_id": true, "shape_pt_lat": true, "shape_pt_lon": true,
	"shape_pt_sequence": true, "shape_dist_traveled": true,
}

// optionalFloat distinguishes an absent value from 0.0.
func optionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func ParseShapes(data []byte) ([]*model.ShapePoint, []Issue, error) {
	rows := []*shapeCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling shapes csv: %w", err)
	}

	var points []*model.ShapePoint
	var issues []Issue
	for _, row := range rows {
		if row.ShapeID == "" {
			issues = append(issues, Issue{SeverityError, "shapes.txt", "empty shape_id"})
			continue
		}
		dist, err := optionalFloat(row.Dist)
		if err != nil {
			issues = append(issues, Issue{SeverityError, "shapes.txt",
				fmt.Sprintf("invalid shape_dist_traveled '%s' for shape '%s'", row.Dist, row.ShapeID)})
			continue
		}

		points = append(points, &model.ShapePoint{
			ShapeID:      row.ShapeID,
			Sequence:     row.Sequence,
			Lat:          row.Lat,
			Lon:          row.Lon,
			DistTraveled: dist,
		})
	}

	return points, issues, nil
}
