package kafka

import (
	"encoding/json"
	"time"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string
}

// PacketMessage announces that a registration packet finished upstream
// processing and is ready for dedup. This is the trigger for the decision
// engine's first stage.
type PacketMessage struct {
	RegistrationID string    `json:"registration_id"`
	TransactionID  string    `json:"transaction_id"`
	BioPayloadRef  string    `json:"bio_payload_ref"`
	Timestamp      time.Time `json:"timestamp"`
}

// ParsePacket parses the message value as a registration packet event
func (m *IncomingMessage) ParsePacket() (*PacketMessage, error) {
	var msg PacketMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ResponseCandidate is one candidate in an inbound ABIS reply
type ResponseCandidate struct {
	MatchedRefID string  `json:"matched_ref_id"`
	Score        float64 `json:"score"`
}

// AbisResponseMessage is the asynchronous reply from the ABIS. Replies may
// arrive out of order within a batch and may be redelivered.
type AbisResponseMessage struct {
	RequestID  string              `json:"request_id"`
	BatchID    string              `json:"batch_id,omitempty"`
	Candidates []ResponseCandidate `json:"candidates"`
	Timestamp  time.Time           `json:"timestamp"`
}

// ParseAbisResponse parses the message value as an ABIS response
func (m *IncomingMessage) ParseAbisResponse() (*AbisResponseMessage, error) {
	var msg AbisResponseMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsAbisResponse checks the header-level message type before parsing
func (m *IncomingMessage) IsAbisResponse() bool {
	if msgType := m.Headers["type"]; msgType != "" {
		return msgType == "abis.response"
	}
	var msg AbisResponseMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return false
	}
	return msg.RequestID != ""
}
