package parse

import (
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type fareAttributeCSV struct {
	FareID           string  `csv:"fare_id"`
	Price            float64 `csv:"price"`
	Currency         string  `csv:"currency_type"`
	PaymentMethod    int8    `csv:"payment_method"`
	Transfers        string  `csv:"transfers"`
	AgencyID         string  `csv:"agency_id"`
	TransferDuration string  `csv:"transfer_duration"`
}

func ParseFareAttributes(data []byte) ([]*model.FareAttribute, []Issue, error) {
	rows := []*fareAttributeCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling fare_attributes csv: %w", err)
	}

	var fares []*model.FareAttribute
	var issues []Issue
	for _, row := range rows {
		if row.FareID == "" || row.Currency == "" {
			issues = append(issues, Issue{SeverityError, "fare_attributes.txt",
				fmt.Sprintf("fare '%s' missing fare_id or currency_type", row.FareID)})
			continue
		}

		// An empty transfers field means unlimited, which is
		// distinct from 0.
		var transfers *int8
		if row.Transfers != "" {
			n, err := strconv.Atoi(row.Transfers)
			if err != nil || n < 0 || n > 2 {
				issues = append(issues, Issue{SeverityError, "fare_attributes.txt",
					fmt.Sprintf("invalid transfers '%s' for fare '%s'", row.Transfers, row.FareID)})
				continue
			}
			v := int8(n)
			transfers = &v
		}
		var transferDuration *int
		if row.TransferDuration != "" {
			n, err := strconv.Atoi(row.TransferDuration)
			if err != nil || n < 0 {
				issues = append(issues, Issue{SeverityError, "fare_attributes.txt",
					fmt.Sprintf("invalid transfer_duration for fare '%s'", row.FareID)})
				continue
			}
			transferDuration = &n
		}

		fares = append(fares, &model.FareAttribute{
			FareID:           row.FareID,
			Price:            row.Price,
			Currency:         row.Currency,
			PaymentMethod:    row.PaymentMethod,
			Transfers:        transfers,
			AgencyID:         row.AgencyID,
			TransferDuration: transferDuration,
		})
	}

	return fares, issues, nil
}

type fareRuleCSV struct {
	FareID        string `csv:"fare_id"`
	RouteID       string `csv:"route_id"`
	OriginID      string `csv:"origin_id"`
	DestinationID string `csv:"destination_id"`
	ContainsID    string `csv:"contains_id"`
}

func ParseFareRules(data []byte) ([]*model.FareRule, []Issue, error) {
	rows := []*fareRuleCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling fare_rules csv: %w", err)
	}

	var rules []*model.FareRule
	var issues []Issue
	for _, row := range rows {
		if row.FareID == "" {
			issues = append(issues, Issue{SeverityError, "fare_rules.txt", "empty fare_id"})
			continue
		}
		rules = append(rules, &model.FareRule{
			FareID:        row.FareID,
			RouteID:       row.RouteID,
			OriginID:      row.OriginID,
			DestinationID: row.DestinationID,
			ContainsID:    row.ContainsID,
		})
	}

	return rules, issues, nil
}

type feedInfoCSV struct {
	PublisherName string `csv:"feed_publisher_name"`
	PublisherURL  string `csv:"feed_publisher_url"`
	Lang          string `csv:"feed_lang"`
	DefaultLang   string `csv:"default_lang"`
	StartDate     string `csv:"feed_start_date"`
	EndDate       string `csv:"feed_end_date"`
	Version       string `csv:"feed_version"`
	ContactEmail  string `csv:"feed_contact_email"`
	ContactURL    string `csv:"feed_contact_url"`
}

// ParseFeedInfo reads feed_info.txt. Only the first row is used.
func ParseFeedInfo(data []byte) (*model.FeedInfo, []Issue, error) {
	rows := []*feedInfoCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling feed_info csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	var issues []Issue
	if len(rows) > 1 {
		issues = append(issues, Issue{SeverityWarning, "feed_info.txt",
			fmt.Sprintf("%d rows present, only the first is used", len(rows))})
	}

	row := rows[0]
	return &model.FeedInfo{
		PublisherName: row.PublisherName,
		PublisherURL:  row.PublisherURL,
		Lang:          row.Lang,
		DefaultLang:   row.DefaultLang,
		StartDate:     row.StartDate,
		EndDate:       row.EndDate,
		Version:       row.Version,
		ContactEmail:  row.ContactEmail,
		ContactURL:    row.ContactURL,
	}, issues, nil
}
