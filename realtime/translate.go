package realtime

import (
	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Wire enums are translated to the spec's lowercase names so API
// consumers never see raw protobuf numbers.

var stopStatusNames = map[int32]string{
	0: "incoming_at",
	1: "stopped_at",
	2: "in_transit_to",
}

var congestionNames = map[int32]string{
	0: "unknown_congestion_level",
	1: "running_smoothly",
	2: "stop_and_go",
	3: "congestion",
	4: "severe_congestion",
}

var occupancyNames = map[int32]string{
	0: "empty",
	1: "many_seats_available",
	2: "few_seats_available",
	3: "standing_room_only",
	4: "crushed_standing_room_only",
	5: "full",
	6: "not_accepting_passengers",
	7: "no_data_available",
	8: "not_boardable",
}

var scheduleRelationshipNames = map[int32]string{
	0: "scheduled",
	1: "added",
	2: "unscheduled",
	3: "canceled",
	5: "replacement",
	6: "duplicated",
	7: "deleted",
}

var stopTimeScheduleNames = map[int32]string{
	0: "scheduled",
	1: "skipped",
	2: "no_data",
	3: "unscheduled",
}

var alertCauseNames = map[int32]string{
	1:  "unknown_cause",
	2:  "other_cause",
	3:  "technical_problem",
	4:  "strike",
	5:  "demonstration",
	6:  "accident",
	7:  "holiday",
	8:  "weather",
	9:  "maintenance",
	10: "construction",
	11: "police_activity",
	12: "medical_emergency",
}

var alertEffectNames = map[int32]string{
	1: "no_service",
	2: "reduced_service",
	3: "significant_delays",
	4: "detour",
	5: "additional_service",
	6: "modified_service",
	7: "other_effect",
	8: "unknown_effect",
	9: "stop_moved",
}

var alertSeverityNames = map[int32]string{
	1: "unknown_severity",
	2: "info",
	3: "warning",
	4: "severe",
}

func enumName(names map[int32]string, v int32) string {
	if name, ok := names[v]; ok {
		return name
	}
	return "unknown"
}

type VehiclePosition struct {
	VehicleID       string  `json:"vehicle_id,omitempty"`
	VehicleLabel    string  `json:"vehicle_label,omitempty"`
	TripID          string  `json:"trip_id,omitempty"`
	RouteID         string  `json:"route_id,omitempty"`
	Latitude        float32 `json:"latitude"`
	Longitude       float32 `json:"longitude"`
	Bearing         float32 `json:"bearing,omitempty"`
	Speed           float32 `json:"speed,omitempty"`
	StopID          string  `json:"stop_id,omitempty"`
	CurrentStatus   string  `json:"current_status"`
	CongestionLevel string  `json:"congestion_level,omitempty"`
	Occupancy       string  `json:"occupancy_status,omitempty"`
	Timestamp       uint64  `json:"timestamp,omitempty"`
}

type StopTimeEvent struct {
	StopID               string `json:"stop_id,omitempty"`
	StopSequence         uint32 `json:"stop_sequence,omitempty"`
	ArrivalDelay         *int32 `json:"arrival_delay,omitempty"`
	ArrivalTime          *int64 `json:"arrival_time,omitempty"`
	DepartureDelay       *int32 `json:"departure_delay,omitempty"`
	DepartureTime        *int64 `json:"departure_time,omitempty"`
	ScheduleRelationship string `json:"schedule_relationship"`
}

type TripUpdate struct {
	TripID               string          `json:"trip_id,omitempty"`
	RouteID              string          `json:"route_id,omitempty"`
	StartDate            string          `json:"start_date,omitempty"`
	ScheduleRelationship string          `json:"schedule_relationship"`
	Delay                int32           `json:"delay,omitempty"`
	StopTimeUpdates      []StopTimeEvent `json:"stop_time_updates,omitempty"`
	Timestamp            uint64          `json:"timestamp,omitempty"`
}

type Alert struct {
	Cause       string   `json:"cause"`
	Effect      string   `json:"effect"`
	Severity    string   `json:"severity"`
	Header      string   `json:"header,omitempty"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	RouteIDs    []string `json:"route_ids,omitempty"`
	StopIDs     []string `json:"stop_ids,omitempty"`
	TripIDs     []string `json:"trip_ids,omitempty"`
	Starts      []int64  `json:"active_from,omitempty"`
	Ends        []int64  `json:"active_to,omitempty"`
}

// translateMessage renders one decoded feed for one source,
// decorating every entity with the source's identity.
func translateMessage(msg *gtfsproto.FeedMessage, src Source) SourceResult {
	res := SourceResult{SourceID: src.ID, SourceName: src.Name}

	for _, entity := range msg.GetEntity() {
		if vp := entity.GetVehicle(); vp != nil {
			res.Vehicles = append(res.Vehicles, translateVehicle(vp))
		}
		if tu := entity.GetTripUpdate(); tu != nil {
			res.Trips = append(res.Trips, translateTripUpdate(tu))
		}
		if al := entity.GetAlert(); al != nil {
			res.Alerts = append(res.Alerts, translateAlert(al))
		}
	}

	return res
}

func translateVehicle(vp *gtfsproto.VehiclePosition) VehiclePosition {
	out := VehiclePosition{
		VehicleID:       vp.GetVehicle().GetId(),
		VehicleLabel:    vp.GetVehicle().GetLabel(),
		TripID:          vp.GetTrip().GetTripId(),
		RouteID:         vp.GetTrip().GetRouteId(),
		StopID:          vp.GetStopId(),
		CurrentStatus:   enumName(stopStatusNames, int32(vp.GetCurrentStatus())),
		CongestionLevel: enumName(congestionNames, int32(vp.GetCongestionLevel())),
		Occupancy:       enumName(occupancyNames, int32(vp.GetOccupancyStatus())),
		Timestamp:       vp.GetTimestamp(),
	}
	if pos := vp.GetPosition(); pos != nil {
		out.Latitude = pos.GetLatitude()
		out.Longitude = pos.GetLongitude()
		out.Bearing = pos.GetBearing()
		out.Speed = pos.GetSpeed()
	}
	return out
}

func translateTripUpdate(tu *gtfsproto.TripUpdate) TripUpdate {
	trip := tu.GetTrip()
	out := TripUpdate{
		TripID:               trip.GetTripId(),
		RouteID:              trip.GetRouteId(),
		StartDate:            trip.GetStartDate(),
		ScheduleRelationship: enumName(scheduleRelationshipNames, int32(trip.GetScheduleRelationship())),
		Delay:                tu.GetDelay(),
		Timestamp:            tu.GetTimestamp(),
	}

	for _, stu := range tu.GetStopTimeUpdate() {
		event := StopTimeEvent{
			StopID:               stu.GetStopId(),
			StopSequence:         stu.GetStopSequence(),
			ScheduleRelationship: enumName(stopTimeScheduleNames, int32(stu.GetScheduleRelationship())),
		}
		if arr := stu.GetArrival(); arr != nil {
			if arr.Delay != nil {
				d := arr.GetDelay()
				event.ArrivalDelay = &d
			}
			if arr.Time != nil {
				t := arr.GetTime()
				event.ArrivalTime = &t
			}
		}
		if dep := stu.GetDeparture(); dep != nil {
			if dep.Delay != nil {
				d := dep.GetDelay()
				event.DepartureDelay = &d
			}
			if dep.Time != nil {
				t := dep.GetTime()
				event.DepartureTime = &t
			}
		}
		out.StopTimeUpdates = append(out.StopTimeUpdates, event)
	}

	return out
}

func translateAlert(al *gtfsproto.Alert) Alert {
	out := Alert{
		Cause:       enumName(alertCauseNames, int32(al.GetCause())),
		Effect:      enumName(alertEffectNames, int32(al.GetEffect())),
		Severity:    enumName(alertSeverityNames, int32(al.GetSeverityLevel())),
		Header:      firstTranslation(al.GetHeaderText()),
		Description: firstTranslation(al.GetDescriptionText()),
		URL:         firstTranslation(al.GetUrl()),
	}

	for _, sel := range al.GetInformedEntity() {
		if id := sel.GetRouteId(); id != "" {
			out.RouteIDs = append(out.RouteIDs, id)
		}
		if id := sel.GetStopId(); id != "" {
			out.StopIDs = append(out.StopIDs, id)
		}
		if id := sel.GetTrip().GetTripId(); id != "" {
			out.TripIDs = append(out.TripIDs, id)
		}
	}
	for _, period := range al.GetActivePeriod() {
		out.Starts = append(out.Starts, int64(period.GetStart()))
		out.Ends = append(out.Ends, int64(period.GetEnd()))
	}

	return out
}

func firstTranslation(ts *gtfsproto.TranslatedString) string {
	for _, t := range ts.GetTranslation() {
		if text := t.GetText(); text != "" {
			return text
		}
	}
	return ""
}
