package domain

import "time"

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// FaultMeta carries the raw diagnostic fields a fault was built from.
type FaultMeta struct {
	SPN             *int   `json:"spn,omitempty"`
	FMI             *int   `json:"fmi,omitempty"`
	Source          string `json:"source,omitempty"`
	LampOn          bool   `json:"lampOn"`
	OccurrenceCount *int   `json:"occurrenceCount,omitempty"`
	ClearedBy       string `json:"clearedBy,omitempty"`
}

type Fault struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Description string     `json:"description"`
	Severity    Severity   `json:"severity"`
	Active      bool       `json:"active"`
	Time        time.Time  `json:"time"`
	Meta        *FaultMeta `json:"meta,omitempty"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
	Info     int `json:"info"`
	Unknown  int `json:"unknown"`
}

// CountSeverities tallies faults by severity; unrecognised values count as unknown.
func CountSeverities(faults []Fault) SeverityCounts {
	var c SeverityCounts
	for _, f := range faults {
		switch f.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityWarning:
			c.Warning++
		case SeverityInfo:
			c.Info++
		default:
			c.Unknown++
		}
	}
	return c
}

// FaultEvent is a fault flattened with the identity of the asset it belongs to.
type FaultEvent struct {
	Fault
	AssetID string `json:"assetId"`
	VIN     string `json:"vin,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

func NewFaultEvent(id Identity, f Fault) FaultEvent {
	return FaultEvent{Fault: f, AssetID: id.PrimaryID, VIN: id.VIN, Serial: id.Serial}
}

// ActiveFault is an active fault with the owning asset's location context.
type ActiveFault struct {
	FaultEvent
	Location            Location  `json:"location"`
	LastTopic           string    `json:"lastTopic"`
	LastUpdateTimestamp time.Time `json:"lastUpdateTimestamp"`
}
