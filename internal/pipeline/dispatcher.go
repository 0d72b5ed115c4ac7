package pipeline

import (
	"sync"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/metrics"
	"fleet-monitor/aggregator/internal/publish"
)

// Dispatcher is a hub subscriber that fans events out to the sink writers.
// Sends never block; a full channel drops the event and counts it. A zero
// channel size disables that sink.
type Dispatcher struct {
	StateChan   chan *domain.AssetState
	ArchiveChan chan domain.FaultEvent
	AlertChan   chan domain.FaultEvent

	closeOnce sync.Once
}

func NewDispatcher(stateSize, archiveSize, alertSize int) *Dispatcher {
	d := &Dispatcher{}
	if stateSize > 0 {
		d.StateChan = make(chan *domain.AssetState, stateSize)
	}
	if archiveSize > 0 {
		d.ArchiveChan = make(chan domain.FaultEvent, archiveSize)
	}
	if alertSize > 0 {
		d.AlertChan = make(chan domain.FaultEvent, alertSize)
	}
	return d
}

func (d *Dispatcher) ID() string { return "pipeline" }

// Deliver always returns true so the hub never evicts the pipeline.
func (d *Dispatcher) Deliver(ev *publish.Event) bool {
	switch ev.Type {
	case publish.EventUpdate:
		if d.StateChan != nil {
			select {
			case d.StateChan <- ev.Asset:
			default:
				metrics.SinkChannelDrops.WithLabelValues("state").Inc()
			}
		}

	case publish.EventFault:
		fe := *ev.Fault
		if d.ArchiveChan != nil {
			select {
			case d.ArchiveChan <- fe:
			default:
				metrics.SinkChannelDrops.WithLabelValues("archive").Inc()
			}
		}
		if d.AlertChan != nil && fe.Active && fe.Severity == domain.SeverityCritical {
			select {
			case d.AlertChan <- fe:
			default:
				metrics.SinkChannelDrops.WithLabelValues("alert").Inc()
			}
		}
	}
	return true
}

// Close closes the sink channels so the writers drain and exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		if d.StateChan != nil {
			close(d.StateChan)
		}
		if d.ArchiveChan != nil {
			close(d.ArchiveChan)
		}
		if d.AlertChan != nil {
			close(d.AlertChan)
		}
	})
}
