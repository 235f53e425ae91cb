package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Holds the external facing GTFS domain types. Every entity below is
// scoped by a feed: identity within a feed is the GTFS natural key,
// global identity is (feed_id, natural key).

type LocationType int8

const (
	LocationTypeStop LocationType = iota
	LocationTypeStation
	LocationTypeEntranceExit
	LocationTypeGenericNode
	LocationTypeBoardingArea
)

type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

type ExceptionType int8

const (
	ExceptionTypeAdded   ExceptionType = 1
	ExceptionTypeRemoved ExceptionType = 2
)

// CustomFields holds CSV columns that aren't part of the GTFS
// standard field set for a file. They are preserved on import and
// restored under their original names on export.
type CustomFields map[string]string

// An Agency owns feeds. The GTFS fields mirror agency.txt and are
// updated from the first agency row of each imported archive.
type Agency struct {
	ID       int64
	Name     string
	Slug     string
	GTFSID   string
	URL      string
	Timezone string
	Lang     string
	Phone    string
	FareURL  string
	Email    string
}

// A Feed is one ingested GTFS archive. All domain rows belong to
// exactly one feed and are removed when the feed is deleted.
type Feed struct {
	ID          int64
	AgencyID    int64
	Name        string
	Description string
	Version     string
	ImportedAt  time.Time
	IsActive    bool
	TotalRoutes int
	TotalStops  int
	TotalTrips  int
}

type Route struct {
	RouteID   string
	AgencyID  int64
	ShortName string
	LongName  string
	Desc      string
	Type      RouteType
	URL       string
	Color     string
	TextColor string
	SortOrder int
	Custom    CustomFields
}

type Stop struct {
	StopID        string
	Code          string
	Name          string
	Desc          string
	Lat           float64
	Lon           float64
	ZoneID        string
	URL           string
	LocationType  LocationType
	ParentStation string
	Timezone      string
	Wheelchair    int8
	Custom        CustomFields
}

// A Calendar (service) identifies the dates a group of trips
// operates. Dates are YYYYMMDD strings.
type Calendar struct {
	ServiceID string
	Monday    bool
	Tuesday   bool
	Wednesday bool
	Thursday  bool
	Friday    bool
	Saturday  bool
	Sunday    bool
	StartDate string
	EndDate   string
	Custom    CustomFields
}

type CalendarDate struct {
	ServiceID     string
	Date          string
	ExceptionType ExceptionType
}

// A ShapePoint is one vertex of a trip's polyline. DistTraveled is
// nil when shape_dist_traveled was absent from the source row.
type ShapePoint struct {
	ShapeID      string
	Sequence     int
	Lat          float64
	Lon          float64
	DistTraveled *float64
}

type Trip struct {
	TripID       string
	RouteID      string
	ServiceID    string
	Headsign     string
	ShortName    string
	DirectionID  int8
	BlockID      string
	ShapeID      string
	Wheelchair   int8
	BikesAllowed int8
	Custom       CustomFields
}

// A StopTime is a scheduled arrival/departure of a trip at a stop.
// Arrival and Departure are HH:MM:SS strings and may exceed 24:00:00.
type StopTime struct {
	TripID            string
	StopSequence      int
	StopID            string
	Arrival           string
	Departure         string
	Headsign          string
	PickupType        int8
	DropOffType       int8
	ShapeDistTraveled *float64
	Timepoint         int8
}

type FareAttribute struct {
	FareID           string
	Price            float64
	Currency         string
	PaymentMethod    int8
	Transfers        *int8
	AgencyID         string
	TransferDuration *int
}

type FareRule struct {
	FareID        string
	RouteID       string
	OriginID      string
	DestinationID string
	ContainsID    string
}

// FeedInfo holds the single feed_info.txt row of a feed.
type FeedInfo struct {
	PublisherName string
	PublisherURL  string
	Lang          string
	DefaultLang   string
	StartDate     string
	EndDate       string
	Version       string
	ContactEmail  string
	ContactURL    string
}

// ParseGTFSTime normalizes a GTFS HH:MM:SS time to zero-padded form.
// Hours may exceed 24 for trips running past midnight.
func ParseGTFSTime(s string) (string, error) {
	split := strings.Split(s, ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(strings.TrimSpace(str))
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d:%02d:%02d", hms[0], hms[1], hms[2]), nil
}

// GTFSTimeSeconds converts a normalized HH:MM:SS time to seconds
// since midnight.
func GTFSTimeSeconds(s string) int {
	if len(s) < 8 {
		return 0
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[3:5])
	sec, _ := strconv.Atoi(s[6:8])
	return h*3600 + m*60 + sec
}
