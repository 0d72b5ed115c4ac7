// Package normalize turns classified payloads into canonical location and
// fault records.
package normalize

import (
	"time"

	"github.com/valyala/fastjson"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/payload"
	"fleet-monitor/aggregator/internal/schema"
)

// MetersPerSecondToMph converts an ECU speed sample to miles per hour.
const MetersPerSecondToMph = 2.2369362920544

var (
	latKeys        = []string{"latitude", "lat"}
	lonKeys        = []string{"longitude", "lon", "lng"}
	headingKeys    = []string{"headingDegrees", "heading"}
	cityKeys       = []string{"city"}
	stateKeys      = []string{"state", "stateCode"}
	addressKeys    = []string{"address", "reverseGeo"}
	eventTimeKeys  = []string{"happenedAtTime", "eventTime", "eventTimestamp"}
	sampleTimeKeys = []string{"ecuSpeedTime", "speedTime"}
	rootTimeKeys   = []string{"time", "timestamp", "createdAt"}

	locationEventKeys = append(append([]string{}, eventTimeKeys...), "time")
)

// Location builds the sparse location record of a location match. Fields the
// payload does not carry stay nil. fallback is used when the payload has no
// usable timestamp at all.
func Location(m schema.Match, fallback time.Time) domain.Location {
	var loc domain.Location
	scopes := []*fastjson.Value{m.Location, m.Envelope, m.Root}

	loc.Lat = firstFloat(scopes, latKeys)
	loc.Lon = firstFloat(scopes, lonKeys)
	loc.HeadingDegrees = firstFloat(scopes, headingKeys)
	loc.SpeedMph = speedMph(scopes)

	addrScopes := make([]*fastjson.Value, 0, len(scopes)*2)
	for _, s := range scopes {
		addrScopes = append(addrScopes, s, payload.Object(s, addressKeys...))
	}
	loc.City = firstString(addrScopes, cityKeys)
	loc.State = firstString(addrScopes, stateKeys)

	ts := eventTime(m, scopes)
	if ts.IsZero() {
		ts = fallback.UTC()
	}
	if !ts.IsZero() {
		loc.Time = &ts
	}
	return loc
}

// speedMph prefers the meters-per-second sample over an mph field.
func speedMph(scopes []*fastjson.Value) *float64 {
	if mps := firstFloat(scopes, schema.SpeedMpsKeys); mps != nil {
		v := *mps * MetersPerSecondToMph
		return &v
	}
	if mph := firstFloat(scopes, schema.SpeedMphKeys); mph != nil {
		return mph
	}
	for _, s := range scopes {
		if f, ok := payload.Float(payload.Object(s, schema.SpeedSampleKey), "value"); ok {
			v := f * MetersPerSecondToMph
			return &v
		}
	}
	return nil
}

// eventTime walks event time, then speed sample time, then payload time. The
// fix time of a location block is its event time.
func eventTime(m schema.Match, scopes []*fastjson.Value) time.Time {
	if t, ok := payload.Time(m.Location, locationEventKeys...); ok {
		return t
	}
	for _, s := range scopes {
		if t, ok := payload.Time(s, eventTimeKeys...); ok {
			return t
		}
	}
	for _, s := range scopes {
		if t, ok := payload.Time(s, sampleTimeKeys...); ok {
			return t
		}
		if t, ok := payload.Time(payload.Object(s, schema.SpeedSampleKey), "time"); ok {
			return t
		}
	}
	if t, ok := payload.Time(m.Root, rootTimeKeys...); ok {
		return t
	}
	return time.Time{}
}

func firstFloat(scopes []*fastjson.Value, keys []string) *float64 {
	for _, s := range scopes {
		if f, ok := payload.Float(s, keys...); ok {
			return &f
		}
	}
	return nil
}

func firstString(scopes []*fastjson.Value, keys []string) *string {
	for _, s := range scopes {
		if v, ok := payload.String(s, keys...); ok {
			return &v
		}
	}
	return nil
}
