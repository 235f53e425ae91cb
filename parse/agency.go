package parse

import (
	"fmt"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type agencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
	Lang     string `csv:"agency_lang"`
	Phone    string `csv:"agency_phone"`
	FareURL  string `csv:"agency_fare_url"`
	Email    string `csv:"agency_email"`
}

// ParseAgencies reads agency.txt. Rows missing name, url or timezone
// are skipped with an issue.
func ParseAgencies(data []byte) ([]*model.Agency, []Issue, error) {
	rows := []*agencyCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling agency csv: %w", err)
	}

	var agencies []*model.Agency
	var issues []Issue
	for _, row := range rows {
		if row.Name == "" || row.URL == "" || row.Timezone == "" {
			issues = append(issues, Issue{SeverityError, "agency.txt",
				fmt.Sprintf("agency '%s' missing name, url or timezone", row.ID)})
			continue
		}
		agencies = append(agencies, &model.Agency{
			GTFSID:   row.ID,
			Name:     row.Name,
			URL:      row.URL,
			Timezone: row.Timezone,
			Lang:     row.Lang,
			Phone:    row.Phone,
			FareURL:  row.FareURL,
			Email:    row.Email,
		})
	}

	if len(agencies) == 0 {
		return nil, issues, fmt.Errorf("no usable agency rows")
	}
	return agencies, issues, nil
}
