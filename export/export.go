package export

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/rs/zerolog"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

// Exporter renders a feed back into a GTFS zip. Rows come out in
// natural-key order and custom fields are restored under their
// original column names, so an import/export cycle is stable.
type Exporter struct {
	store *storage.Store
	log   zerolog.Logger
}

func New(store *storage.Store, log zerolog.Logger) *Exporter {
	return &Exporter{store: store, log: log}
}

// ExportAgency writes the agency's latest active feed. When the
// agency has no active feed, an empty zip is written.
func (e *Exporter) ExportAgency(ctx context.Context, agencyID int64, out io.Writer) (int64, error) {
	feed, err := e.store.LatestActiveFeed(ctx, agencyID)
	if err == storage.ErrFeedNotFound {
		zw := zip.NewWriter(out)
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("writing empty archive: %w", err)
		}
		e.log.Warn().Int64("agency_id", agencyID).Msg("no active feed, exported empty archive")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return feed.ID, e.ExportFeed(ctx, feed.ID, out)
}

// ExportFeed writes one feed as a GTFS zip.
func (e *Exporter) ExportFeed(ctx context.Context, feedID int64, out io.Writer) error {
	feed, err := e.store.GetFeed(ctx, feedID)
	if err != nil {
		return err
	}
	agency, err := e.store.GetAgency(ctx, feed.AgencyID)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)

	if err := e.writeAgency(zw, agency); err != nil {
		return err
	}
	if err := e.writeRoutes(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeStops(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeCalendars(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeCalendarDates(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeShapes(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeTrips(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeStopTimes(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeFares(ctx, zw, feedID); err != nil {
		return err
	}
	if err := e.writeFeedInfo(ctx, zw, feedID); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	e.log.Info().Int64("feed_id", feedID).Msg("feed exported")
	return nil
}

// fileWriter is one csv file inside the zip.
type fileWriter struct {
	name string
	w    *csv.Writer
}

func newFileWriter(zw *zip.Writer, name string, header []string) (*fileWriter, error) {
	f, err := zw.Create(name)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing %s header: %w", name, err)
	}
	return &fileWriter{name: name, w: w}, nil
}

func (fw *fileWriter) write(record []string) error {
	if err := fw.w.Write(record); err != nil {
		return fmt.Errorf("writing %s record: %w", fw.name, err)
	}
	return nil
}

func (fw *fileWriter) close() error {
	fw.w.Flush()
	if err := fw.w.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", fw.name, err)
	}
	return nil
}

// customUnion is the sorted union of custom column names across all
// rows of a file. The names are appended to the standard header.
func customUnion(customs []model.CustomFields) []string {
	set := map[string]bool{}
	for _, cf := range customs {
		for k := range cf {
			set[k] = true
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func customValues(cf model.CustomFields, cols []string) []string {
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = cf[col]
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatOptFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (e *Exporter) writeAgency(zw *zip.Writer, a *model.Agency) error {
	fw, err := newFileWriter(zw, "agency.txt", []string{
		"agency_id", "agency_name", "agency_url", "agency_timezone",
		"agency_lang", "agency_phone", "agency_fare_url", "agency_email",
	})
	if err != nil {
		return err
	}
	if err := fw.write([]string{
		a.GTFSID, a.Name, a.URL, a.Timezone, a.Lang, a.Phone, a.FareURL, a.Email,
	}); err != nil {
		return err
	}
	return fw.close()
}

func (e *Exporter) writeRoutes(ctx context.Context, zw *zip.Writer, feedID int64) error {
	routes, err := e.store.Routes(ctx, feedID)
	if err != nil {
		return err
	}

	customs := make([]model.CustomFields, len(routes))
	for i, r := range routes {
		customs[i] = r.Custom
	}
	extra := customUnion(customs)

	header := []string{
		"route_id", "route_short_name", "route_long_name", "route_desc",
		"route_type", "route_url", "route_color", "route_text_color",
		"route_sort_order",
	}
	fw, err := newFileWriter(zw, "routes.txt", append(header, extra...))
	if err != nil {
		return err
	}

	for _, r := range routes {
		record := []string{
			r.RouteID, r.ShortName, r.LongName, r.Desc,
			strconv.Itoa(int(r.Type)), r.URL, r.Color, r.TextColor,
			strconv.Itoa(r.SortOrder),
		}
		if err := fw.write(append(record, customValues(r.Custom, extra)...)); err != nil {
			return err
		}
	}
	return fw.close()
}

func (e *Exporter) writeStops(ctx context.Context, zw *zip.Writer, feedID int64) error {
	stops, err := e.store.Stops(ctx, feedID)
	if err != nil {
		return err
	}

	customs := make([]model.CustomFields, len(stops))
	for i, s := range stops {
		customs[i] = s.Custom
	}
	extra := customUnion(customs)

	header := []string{
		"stop_id", "stop_code", "stop_name", "stop_desc", "stop_lat",
		"stop_lon", "zone_id", "stop_url", "location_type",
		"parent_station", "stop_timezone", "wheelchair_boarding",
	}
	fw, err := newFileWriter(zw, "stops.txt", append(header, extra...))
	if err != nil {
		return err
	}

	for _, s := range stops {
		record := []string{
			s.StopID, s.Code, s.Name, s.Desc, formatFloat(s.Lat),
			formatFloat(s.Lon), s.ZoneID, s.URL,
			strconv.Itoa(int(s.LocationType)), s.ParentStation,
			s.Timezone, strconv.Itoa(int(s.Wheelchair)),
		}
		if err := fw.write(append(record, customValues(s.Custom, extra)...)); err != nil {
			return err
		}
	}
	return fw.close()
}

func (e *Exporter) writeCalendars(ctx context.Context, zw *zip.Writer, feedID int64) error {
	calendars, err := e.store.Calendars(ctx, feedID)
	if err != nil {
		return err
	}
	if len(calendars) == 0 {
		return nil
	}

	customs := make([]model.CustomFields, len(calendars))
	for i, c := range calendars {
		customs[i] = c.Custom
	}
	extra := customUnion(customs)

	header := []string{
		"service_id", "monday", "tuesday", "wednesday", "thursday",
		"friday", "saturday", "sunday", "start_date", "end_date",
	}
	fw, err := newFileWriter(zw, "calendar.txt", append(header, extra...))
	if err != nil {
		return err
	}

	for _, c := range calendars {
		record := []string{
			c.ServiceID, formatBool(c.Monday), formatBool(c.Tuesday),
			formatBool(c.Wednesday), formatBool(c.Thursday),
			formatBool(c.Friday), formatBool(c.Saturday),
			formatBool(c.Sunday), c.StartDate, c.EndDate,
		}
		if err := fw.write(append(record, customValues(c.Custom, extra)...)); err != nil {
			return err
		}
	}
	return fw.close()
}

func (e *Exporter) writeCalendarDates(ctx context.Context, zw *zip.Writer, feedID int64) error {
	dates, err := e.store.CalendarDates(ctx, feedID)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return nil
	}

	fw, err := newFileWriter(zw, "calendar_dates.txt", []string{
		"service_id", "date", "exception_type",
	})
	if err != nil {
		return err
	}
	for _, cd := range dates {
		if err := fw.write([]string{
			cd.ServiceID, cd.Date, strconv.Itoa(int(cd.ExceptionType)),
		}); err != nil {
			return err
		}
	}
	return fw.close()
}

func (e *Exporter) writeShapes(ctx context.Context, zw *zip.Writer, feedID int64) error {
	var fw *fileWriter
	err := e.store.ForEachShapePoint(ctx, feedID, func(p *model.ShapePoint) error {
		if fw == nil {
			var err error
			fw, err = newFileWriter(zw, "shapes.txt", []string{
				"shape_id", "shape_pt_lat", "shape_pt_lon",
				"shape_pt_sequence", "shape_dist_traveled",
			})
			if err != nil {
				return err
			}
		}
		return fw.write([]string{
			p.ShapeID, formatFloat(p.Lat), formatFloat(p.Lon),
			strconv.Itoa(p.Sequence), formatOptFloat(p.DistTraveled),
		})
	})
	if err != nil {
		return err
	}
	if fw == nil {
		return nil
	}
	return fw.close()
}

func (e *Exporter) writeTrips(ctx context.Context, zw *zip.Writer, feedID int64) error {
	trips, err := e.store.Trips(ctx, feedID)
	if err != nil {
		return err
	}

	customs := make([]model.CustomFields, len(trips))
	for i, t := range trips {
		customs[i] = t.Custom
	}
	extra := customUnion(customs)

	header := []string{
		"trip_id", "route_id", "service_id", "trip_headsign",
		"trip_short_name", "direction_id", "block_id", "shape_id",
		"wheelchair_accessible", "bikes_allowed",
	}
	fw, err := newFileWriter(zw, "trips.txt", append(header, extra...))
	if err != nil {
		return err
	}

	for _, t := range trips {
		record := []string{
			t.TripID, t.RouteID, t.ServiceID, t.Headsign, t.ShortName,
			strconv.Itoa(int(t.DirectionID)), t.BlockID, t.ShapeID,
			strconv.Itoa(int(t.Wheelchair)), strconv.Itoa(int(t.BikesAllowed)),
		}
		if err := fw.write(append(record, customValues(t.Custom, extra)...)); err != nil {
			return err
		}
	}
	return fw.close()
}

func (e *Exporter) writeStopTimes(ctx context.Context, zw *zip.Writer, feedID int64) error {
	fw, err := newFileWriter(zw, "stop_times.txt", []string{
		"trip_id", "arrival_time", "departure_time", "stop_id",
		"stop_sequence", "stop_headsign", "pickup_type", "drop_off_type",
		"shape_dist_traveled", "timepoint",
	})
	if err != nil {
		return err
	}

	err = e.store.ForEachStopTime(ctx, feedID, func(st *model.StopTime) error {
		return fw.write([]string{
			st.TripID, st.Arrival, st.Departure, st.StopID,
			strconv.Itoa(st.StopSequence), st.Headsign,
			strconv.Itoa(int(st.PickupType)), strconv.Itoa(int(st.DropOffType)),
			formatOptFloat(st.ShapeDistTraveled), strconv.Itoa(int(st.Timepoint)),
		})
	})
	if err != nil {
		return err
	}
	return fw.close()
}

func (e *Exporter) writeFares(ctx context.Context, zw *zip.Writer, feedID int64) error {
	fares, err := e.store.FareAttributes(ctx, feedID)
	if err != nil {
		return err
	}
	if len(fares) > 0 {
		fw, err := newFileWriter(zw, "fare_attributes.txt", []string{
			"fare_id", "price", "currency_type", "payment_method",
			"transfers", "agency_id", "transfer_duration",
		})
		if err != nil {
			return err
		}
		for _, fa := range fares {
			transfers := ""
			if fa.Transfers != nil {
				transfers = strconv.Itoa(int(*fa.Transfers))
			}
			duration := ""
			if fa.TransferDuration != nil {
				duration = strconv.Itoa(*fa.TransferDuration)
			}
			if err := fw.write([]string{
				fa.FareID, formatFloat(fa.Price), fa.Currency,
				strconv.Itoa(int(fa.PaymentMethod)), transfers,
				fa.AgencyID, duration,
			}); err != nil {
				return err
			}
		}
		if err := fw.close(); err != nil {
			return err
		}
	}

	rules, err := e.store.FareRules(ctx, feedID)
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		fw, err := newFileWriter(zw, "fare_rules.txt", []string{
			"fare_id", "route_id", "origin_id", "destination_id", "contains_id",
		})
		if err != nil {
			return err
		}
		for _, fr := range rules {
			if err := fw.write([]string{
				fr.FareID, fr.RouteID, fr.OriginID, fr.DestinationID, fr.ContainsID,
			}); err != nil {
				return err
			}
		}
		if err := fw.close(); err != nil {
			return err
		}
	}

	return nil
}

func (e *Exporter) writeFeedInfo(ctx context.Context, zw *zip.Writer, feedID int64) error {
	fi, err := e.store.FeedInfo(ctx, feedID)
	if err != nil {
		return err
	}
	if fi == nil {
		return nil
	}

	fw, err := newFileWriter(zw, "feed_info.txt", []string{
		"feed_publisher_name", "feed_publisher_url", "feed_lang",
		"default_lang", "feed_start_date", "feed_end_date",
		"feed_version", "feed_contact_email", "feed_contact_url",
	})
	if err != nil {
		return err
	}
	if err := fw.write([]string{
		fi.PublisherName, fi.PublisherURL, fi.Lang, fi.DefaultLang,
		fi.StartDate, fi.EndDate, fi.Version, fi.ContactEmail, fi.ContactURL,
	}); err != nil {
		return err
	}
	return fw.close()
}
