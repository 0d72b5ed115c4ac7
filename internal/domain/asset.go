package domain

import "time"

// Identity is the canonical identity of a physical asset.
type Identity struct {
	PrimaryID string `json:"id"`
	VIN       string `json:"vin,omitempty"`
	Serial    string `json:"serial,omitempty"`
}

// Location is a sparse location record. A nil field means "not reported".
// Pointed-to values are never written through once stored, so copies of a
// Location may share them.
type Location struct {
	Time           *time.Time `json:"time"`
	Lat            *float64   `json:"lat"`
	Lon            *float64   `json:"lon"`
	HeadingDegrees *float64   `json:"headingDegrees"`
	City           *string    `json:"city"`
	State          *string    `json:"state"`
	SpeedMph       *float64   `json:"speedMph"`
}

// Empty reports whether no field of the record is set.
func (l Location) Empty() bool {
	return l.Time == nil && l.Lat == nil && l.Lon == nil && l.HeadingDegrees == nil &&
		l.City == nil && l.State == nil && l.SpeedMph == nil
}

// Merge returns l with every field that is set in update overwritten.
func (l Location) Merge(update Location) Location {
	if update.Time != nil {
		l.Time = update.Time
	}
	if update.Lat != nil {
		l.Lat = update.Lat
	}
	if update.Lon != nil {
		l.Lon = update.Lon
	}
	if update.HeadingDegrees != nil {
		l.HeadingDegrees = update.HeadingDegrees
	}
	if update.City != nil {
		l.City = update.City
	}
	if update.State != nil {
		l.State = update.State
	}
	if update.SpeedMph != nil {
		l.SpeedMph = update.SpeedMph
	}
	return l
}

type FaultSnapshot struct {
	ActiveFaults []Fault        `json:"activeFaults"`
	History      *FaultHistory  `json:"history"`
	Counts       SeverityCounts `json:"counts"`
}

type AssetState struct {
	Identity            Identity      `json:"identity"`
	LastLocation        Location      `json:"lastLocation"`
	LastFaultSnapshot   FaultSnapshot `json:"lastFaultSnapshot"`
	LastTopic           string        `json:"lastTopic"`
	LastUpdateTimestamp time.Time     `json:"lastUpdateTimestamp"`
}

func NewAssetState(id Identity) *AssetState {
	return &AssetState{
		Identity: id,
		LastFaultSnapshot: FaultSnapshot{
			ActiveFaults: []Fault{},
			History:      NewFaultHistory(HistoryCapacity),
		},
	}
}

// Clone returns a copy that shares nothing mutable with s.
func (s *AssetState) Clone() AssetState {
	out := *s
	out.LastFaultSnapshot.ActiveFaults = append([]Fault(nil), s.LastFaultSnapshot.ActiveFaults...)
	if out.LastFaultSnapshot.ActiveFaults == nil {
		out.LastFaultSnapshot.ActiveFaults = []Fault{}
	}
	if s.LastFaultSnapshot.History != nil {
		out.LastFaultSnapshot.History = s.LastFaultSnapshot.History.Clone()
	}
	return out
}
