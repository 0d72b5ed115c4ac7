package domain

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFaultHistory_EvictsOldestWhenFull(t *testing.T) {
	h := NewFaultHistory(3)
	for i := 0; i < 5; i++ {
		h.Append(Fault{ID: fmt.Sprintf("f%d", i)})
	}

	require.Equal(t, 3, h.Len())
	items := h.Items()
	require.Equal(t, []string{"f2", "f3", "f4"}, []string{items[0].ID, items[1].ID, items[2].ID})
}

func TestFaultHistory_CloneIsIndependent(t *testing.T) {
	h := NewFaultHistory(2)
	h.Append(Fault{ID: "a"})
	c := h.Clone()
	h.Append(Fault{ID: "b"})
	h.Append(Fault{ID: "c"})

	require.Len(t, c.Items(), 1)
	require.Equal(t, "a", c.Items()[0].ID)
	require.Equal(t, 2, c.Cap())
}

func TestFaultHistory_JSONRoundTripKeepsOrder(t *testing.T) {
	h := NewFaultHistory(HistoryCapacity)
	h.Append(Fault{ID: "x", Code: "SPN 1 FMI 2"})
	h.Append(Fault{ID: "y", Code: "SPN 3 FMI 4"})

	raw, err := json.Marshal(h)
	require.NoError(t, err)

	var back FaultHistory
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, h.Items(), back.Items())
}

func TestCountSeverities(t *testing.T) {
	c := CountSeverities([]Fault{
		{Severity: SeverityCritical},
		{Severity: SeverityWarning},
		{Severity: SeverityWarning},
		{Severity: SeverityInfo},
		{Severity: "bogus"},
	})
	require.Equal(t, SeverityCounts{Critical: 1, Warning: 2, Info: 1, Unknown: 1}, c)
}

func TestAssetState_CloneDetachesFaults(t *testing.T) {
	s := NewAssetState(Identity{PrimaryID: "a1"})
	s.LastFaultSnapshot.ActiveFaults = append(s.LastFaultSnapshot.ActiveFaults, Fault{Code: "SPN 1 FMI 1"})
	s.LastFaultSnapshot.History.Append(Fault{Code: "SPN 1 FMI 1"})

	c := s.Clone()
	s.LastFaultSnapshot.ActiveFaults[0].Code = "changed"
	s.LastFaultSnapshot.History.Append(Fault{Code: "later"})

	require.Equal(t, "SPN 1 FMI 1", c.LastFaultSnapshot.ActiveFaults[0].Code)
	require.Equal(t, 1, c.LastFaultSnapshot.History.Len())
}

func TestMessage_IsFaultTopic(t *testing.T) {
	require.True(t, Message{Topic: "samsara.Vehicle-Faults"}.IsFaultTopic())
	require.False(t, Message{Topic: "vehicle-locations"}.IsFaultTopic())
}
