package realtime

import (
	"fmt"
	"math"
	"time"

	"transitdepot.dev/depot/model"
	"transitdepot.dev/depot/storage"
)

// Demo mode synthesizes vehicle positions for sources with no live
// upstream, by walking vehicles along the static feed's shapes at a
// fixed speed. Useful for demos and frontend work against agencies
// whose operators publish no realtime data.

const (
	demoSpeedMS = 8.0 // ~29 km/h

	// One demo vehicle per shape, cycling this often.
	demoLoop = 10 * time.Minute
)

// DemoPositions interpolates one vehicle per shape at the given
// time. Shape points must be in sequence order, as the storage layer
// returns them.
func DemoPositions(points []*model.ShapePoint, now time.Time) []VehiclePosition {
	// Group points per shape, preserving order.
	var order []string
	byShape := map[string][]*model.ShapePoint{}
	for _, p := range points {
		if _, seen := byShape[p.ShapeID]; !seen {
			order = append(order, p.ShapeID)
		}
		byShape[p.ShapeID] = append(byShape[p.ShapeID], p)
	}

	var out []VehiclePosition
	for _, shapeID := range order {
		pts := byShape[shapeID]
		if len(pts) < 2 {
			continue
		}
		if vp, ok := interpolate(shapeID, pts, now); ok {
			out = append(out, vp)
		}
	}
	return out
}

func interpolate(shapeID string, pts []*model.ShapePoint, now time.Time) (VehiclePosition, bool) {
	// Cumulative Haversine lengths along the polyline.
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + storage.HaversineDistance(
			pts[i-1].Lat, pts[i-1].Lon, pts[i].Lat, pts[i].Lon)
	}
	total := cum[len(cum)-1]
	if total <= 0 {
		return VehiclePosition{}, false
	}

	// Position along the loop as a function of wall time, offset
	// per shape so vehicles don't move in lockstep.
	loop := demoLoop.Seconds()
	offset := float64(hashString(shapeID)%1000) / 1000.0 * loop
	elapsed := math.Mod(float64(now.Unix())+offset, loop)
	travelled := math.Mod(elapsed*demoSpeedMS, total)

	// Find the segment containing the travelled distance.
	seg := 1
	for seg < len(cum) && cum[seg] < travelled {
		seg++
	}
	if seg >= len(cum) {
		seg = len(cum) - 1
	}

	segLen := cum[seg] - cum[seg-1]
	frac := 0.0
	if segLen > 0 {
		frac = (travelled - cum[seg-1]) / segLen
	}
	a, b := pts[seg-1], pts[seg]
	lat := a.Lat + (b.Lat-a.Lat)*frac
	lon := a.Lon + (b.Lon-a.Lon)*frac

	return VehiclePosition{
		VehicleID:     fmt.Sprintf("demo-%s", shapeID),
		VehicleLabel:  fmt.Sprintf("Demo %s", shapeID),
		Latitude:      float32(lat),
		Longitude:     float32(lon),
		Bearing:       float32(bearing(a.Lat, a.Lon, b.Lat, b.Lon)),
		Speed:         float32(demoSpeedMS),
		CurrentStatus: "in_transit_to",
		Timestamp:     uint64(now.Unix()),
	}, true
}

func bearing(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	Δλ := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(Δλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(Δλ)
	θ := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(θ+360, 360)
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
