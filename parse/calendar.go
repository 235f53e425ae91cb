package parse

import (
	"fmt"
	"strconv"

	"github.com/gocarina/gocsv"

	"transitdepot.dev/depot/model"
)

type calendarCSV struct {
	ServiceID string `csv:"service_id"`
	Monday    bool   `csv:"monday"`
	Tuesday   bool   `csv:"tuesday"`
	Wednesday bool   `csv:"wednesday"`
	Thursday  bool   `csv:"thursday"`
	Friday    bool   `csv:"friday"`
	Saturday  bool   `csv:"saturday"`
	Sunday    bool   `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

var CalendarStandardColumns = map[string]bool{
	"service_id": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true, "sunday": true,
	"start_date": true, "end_date": true,
}

func validDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}

func ParseCalendars(data []byte) ([]*model.Calendar, []Issue, error) {
	rows := []*calendarCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling calendar csv: %w", err)
	}
	custom, err := extractCustom(data, CalendarStandardColumns)
	if err != nil {
		return nil, nil, fmt.Errorf("extracting calendar custom fields: %w", err)
	}

	var calendars []*model.Calendar
	var issues []Issue
	for i, row := range rows {
		if row.ServiceID == "" {
			issues = append(issues, Issue{SeverityError, "calendar.txt", "empty service_id"})
			continue
		}
		if !validDate(row.StartDate) || !validDate(row.EndDate) {
			issues = append(issues, Issue{SeverityError, "calendar.txt",
				fmt.Sprintf("invalid start_date or end_date for service '%s'", row.ServiceID)})
			continue
		}

		calendars = append(calendars, &model.Calendar{
			ServiceID: row.ServiceID,
			Monday:    row.Monday,
			Tuesday:   row.Tuesday,
			Wednesday: row.Wednesday,
			Thursday:  row.Thursday,
			Friday:    row.Friday,
			Saturday:  row.Saturday,
			Sunday:    row.Sunday,
			StartDate: row.StartDate,
			EndDate:   row.EndDate,
			Custom:    customAt(custom, i),
		})
	}

	return calendars, issues, nil
}

type calendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

func ParseCalendarDates(data []byte) ([]*model.CalendarDate, []Issue, error) {
	rows := []*calendarDateCSV{}
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling calendar_dates csv: %w", err)
	}

	var dates []*model.CalendarDate
	var issues []Issue
	for _, row := range rows {
		if row.ServiceID == "" {
			issues = append(issues, Issue{SeverityError, "calendar_dates.txt", "empty service_id"})
			continue
		}
		if !validDate(row.Date) {
			issues = append(issues, Issue{SeverityError, "calendar_dates.txt",
				fmt.Sprintf("invalid date '%s' for service '%s'", row.Date, row.ServiceID)})
			continue
		}
		et, err := strconv.Atoi(row.ExceptionType)
		if err != nil || (et != 1 && et != 2) {
			issues = append(issues, Issue{SeverityError, "calendar_dates.txt",
				fmt.Sprintf("invalid exception_type '%s' for service '%s'", row.ExceptionType, row.ServiceID)})
			continue
		}

		dates = append(dates, &model.CalendarDate{
			ServiceID:     row.ServiceID,
			Date:          row.Date,
			ExceptionType: model.ExceptionType(et),
		})
	}

	return dates, issues, nil
}
