package client

import (
	"encoding/json"
	"time"
)

// Event types carried in envelopes. This is a closed set shared with the
// server; consumers switch on it when registering handlers.
const (
	TypeLog               = "log"
	TypeStatusUpdate      = "status_update"
	TypeTestUpdate        = "test_update"
	TypeProgressUpdate    = "progress_update"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat-response"
)

// Envelope is the wire format for every event received on the realtime
// socket. Timestamp is fractional epoch seconds; Channel names the
// subscription the event belongs to.
type Envelope struct {
	Channel   string          `json:"channel,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

// command is the client-to-server message.
type command struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

type heartbeatPayload struct {
	SentAt float64 `json:"sent_at"`
}

// ackPayload is the body of status_update acknowledgements.
type ackPayload struct {
	Channel string `json:"channel,omitempty"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

const (
	ackConnected    = "connected"
	ackSubscribed   = "subscribed"
	ackUnsubscribed = "unsubscribed"
	ackError        = "error"
)

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func stamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromStamp(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
