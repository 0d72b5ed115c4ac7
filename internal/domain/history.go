package domain

import "encoding/json"

// HistoryCapacity is the number of fault events retained per asset.
const HistoryCapacity = 600

// FaultHistory is a fixed-capacity FIFO ring of fault events. Once full,
// each append evicts the oldest entry.
type FaultHistory struct {
	buf   []Fault
	start int
	size  int
}

func NewFaultHistory(capacity int) *FaultHistory {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &FaultHistory{buf: make([]Fault, capacity)}
}

func (h *FaultHistory) Append(f Fault) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = f
		h.size++
		return
	}
	h.buf[h.start] = f
	h.start = (h.start + 1) % len(h.buf)
}

func (h *FaultHistory) Len() int { return h.size }

func (h *FaultHistory) Cap() int { return len(h.buf) }

// Items returns the retained events oldest first.
func (h *FaultHistory) Items() []Fault {
	out := make([]Fault, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *FaultHistory) Clone() *FaultHistory {
	c := &FaultHistory{buf: make([]Fault, len(h.buf)), size: h.size}
	copy(c.buf, h.Items())
	return c
}

func (h *FaultHistory) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.Items())
}

func (h *FaultHistory) UnmarshalJSON(data []byte) error {
	var items []Fault
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	capacity := HistoryCapacity
	if len(h.buf) > 0 {
		capacity = len(h.buf)
	}
	*h = *NewFaultHistory(capacity)
	for _, f := range items {
		h.Append(f)
	}
	return nil
}
