package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"transitdepot.dev/depot/model"
)

func replaceAll(s, old, new string) string {
	return strings.ReplaceAll(s, old, new)
}

// HaversineDistance returns the great-circle distance between two
// points, in meters.
func HaversineDistance(aLat, aLon, bLat, bLon float64) float64 {
	const earthRadiusM = 6371000

	aLatRad := aLat * math.Pi / 180
	aLonRad := aLon * math.Pi / 180
	bLatRad := bLat * math.Pi / 180
	bLonRad := bLon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	a := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return c * earthRadiusM
}

// encodeCustom serializes a custom-field mapping for the JSON
// column. Empty maps are stored as NULL.
func encodeCustom(cf model.CustomFields) (interface{}, error) {
	if len(cf) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(cf)
	if err != nil {
		return nil, fmt.Errorf("encoding custom fields: %w", err)
	}
	return string(buf), nil
}

func decodeCustom(raw sql.NullString) (model.CustomFields, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	cf := model.CustomFields{}
	if err := json.Unmarshal([]byte(raw.String), &cf); err != nil {
		return nil, fmt.Errorf("decoding custom fields: %w", err)
	}
	return cf, nil
}

// placeholders renders "$start, $start+1, ... $start+n-1".
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt8(i *int8) interface{} {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func nullInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func scanNullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
