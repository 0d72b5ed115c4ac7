// Package publish fans asset state changes out to live subscribers.
package publish

import (
	"encoding/json"
	"sync"

	"fleet-monitor/aggregator/internal/domain"
)

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventUpdate   EventType = "update"
	EventFault    EventType = "fault"
)

// Event is immutable once built and may be shared by every subscriber.
type Event struct {
	Type   EventType
	Assets []domain.AssetState // snapshot
	Asset  *domain.AssetState  // update
	Fault  *domain.FaultEvent  // fault

	once sync.Once
	data []byte
	err  error
}

func NewSnapshot(assets []domain.AssetState) *Event {
	if assets == nil {
		assets = []domain.AssetState{}
	}
	return &Event{Type: EventSnapshot, Assets: assets}
}

func NewUpdate(st domain.AssetState) *Event {
	return &Event{Type: EventUpdate, Asset: &st}
}

func NewFault(fe domain.FaultEvent) *Event {
	return &Event{Type: EventFault, Fault: &fe}
}

// AssetID is the id of the asset an update or fault event concerns.
func (e *Event) AssetID() string {
	switch {
	case e.Asset != nil:
		return e.Asset.Identity.PrimaryID
	case e.Fault != nil:
		return e.Fault.AssetID
	}
	return ""
}

type envelope struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// JSON encodes the event once as {"type": ..., "data": ...}.
func (e *Event) JSON() ([]byte, error) {
	e.once.Do(func() {
		var data any
		switch e.Type {
		case EventSnapshot:
			data = e.Assets
		case EventUpdate:
			data = e.Asset
		case EventFault:
			data = e.Fault
		}
		e.data, e.err = json.Marshal(envelope{Type: e.Type, Data: data})
	})
	return e.data, e.err
}
