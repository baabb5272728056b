package model

import "time"

// WebSocket message types
const (
	WSMessageTypeStatusUpdate = "status_update"
	WSMessageTypePing         = "ping"
	WSMessageTypePong         = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// ProgressEvent is an incremental status message for one job
type ProgressEvent struct {
	JobID     string
	Status    string
	Message   string
	Error     string
	Result    map[string]any
	Timestamp time.Time
}

// WSStatusData is the payload of a status update
type WSStatusData struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// WSStatusMessage is the wire form of a ProgressEvent
type WSStatusMessage struct {
	Type      string       `json:"type"`
	Data      WSStatusData `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// Wire converts the event into its wire form
func (e ProgressEvent) Wire() WSStatusMessage {
	return WSStatusMessage{
		Type: WSMessageTypeStatusUpdate,
		Data: WSStatusData{
			Status:  e.Status,
			Message: e.Message,
			Error:   e.Error,
			Result:  e.Result,
		},
		Timestamp: e.Timestamp,
	}
}
