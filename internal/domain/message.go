package domain

import (
	"strings"
	"time"
)

// Message is one record handed over by the broker.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Key       string
	Headers   map[string]string
	Value     []byte
}

// IsFaultTopic routes a message to the fault path when its topic mentions faults.
func (m Message) IsFaultTopic() bool {
	return strings.Contains(strings.ToLower(m.Topic), "fault")
}
