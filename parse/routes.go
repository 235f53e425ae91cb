package parse

import (
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type routeCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Desc      string `csv:"route_desc"`
	Type      string `csv:"route_type"`
	URL       string `csv:"route_url"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
	SortOrder int    `csv:"route_sort_order"`
}

var RouteStandardColumns = map[string]bool{
	"route_id": true, "agency_id": true, "route_short_name": true,
	"route_long_name": true, "route_desc": true, "route_type": true,
	"route_url": true, "route_color": true, "route_text_color": true,
	"route_sort_order": true,
}

var validRouteTypes = map[int]bool{
	0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true,
	7: true, 11: true, 12: true,
}

func ParseRoutes(data []byte) ([]*model.Route, []Issue, error) {
	rows := []*routeCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling routes csv: %w", err)
	}
	custom, err := extractCustom(data, RouteStandardColumns)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting route custom fields: %w", err)
	}

	var routes []*model.Route
	var issues []Issue
	for i, row := range rows {
		if row.ID == "" {
			issues = append(issues, Issue{SeverityError, "routes.txt", "empty route_id"})
			continue
		}
		routeType, err := strconv.Atoi(row.Type)
		if err != nil || !validRouteTypes[routeType] {
			issues = append(issues, Issue{SeverityError, "routes.txt",
				fmt.Sprintf("invalid route_type '%s' for route_id '%s'", row.Type, row.ID)})
			continue
		}
		if row.ShortName == "" && row.LongName == "" {
			issues = append(issues, Issue{SeverityWarning, "routes.txt",
				fmt.Sprintf("route '%s' has neither short nor long name", row.ID)})
		}

		routes = append(routes, &model.Route{
			RouteID:   row.ID,
			ShortName: row.ShortName,
			LongName:  row.LongName,
			Desc:      row.Desc,
			Type:      model.RouteType(routeType),
			URL:       row.URL,
			Color:     row.Color,
			TextColor: row.TextColor,
			SortOrder: row.SortOrder,
			Custom:    customAt(custom, i),
		})
	}

	return routes, issues, nil
}
