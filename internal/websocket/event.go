// Package websocket pushes download events to browsers over Server-Sent
// Events and WebSocket connections.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shepherd-project/shepherd-fetch/internal/download"
	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// EventType represents the type of pushed event
type EventType string

const (
	EventTypeHeartbeat        EventType = "heartbeat"
	EventTypeSystemStatus     EventType = "systemStatus"
	EventTypeDownloadUpdate   EventType = "download_update"
	EventTypeDownloadProgress EventType = "download_progress"
	EventTypeLog              EventType = "log"
)

// Event represents a pushed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	Message string      `json:"message,omitempty"`
	Level   string      `json:"level,omitempty"`
	Data    interface{} `json:"data,omitempty"`

	// Download events
	TaskID              string  `json:"taskId,omitempty"`
	State               string  `json:"state,omitempty"`
	From                string  `json:"from,omitempty"`
	DownloadedBytes     int64   `json:"downloadedBytes,omitempty"`
	TotalBytes          int64   `json:"totalBytes,omitempty"`
	PartsCompleted      int     `json:"partsCompleted,omitempty"`
	PartsTotal          int     `json:"partsTotal,omitempty"`
	FileName            string  `json:"fileName,omitempty"`
	ErrorMessage        string  `json:"errorMessage,omitempty"`
	ProgressRatio       float64 `json:"progressRatio,omitempty"`
	SpeedBytesPerSecond int64   `json:"speedBytesPerSecond,omitempty"`

	// System status
	ActiveDownloads      int `json:"activeDownloads,omitempty"`
	Connections          int `json:"connections,omitempty"`
	ConfirmedConnections int `json:"confirmedConnections,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent() *Event {
	return NewEvent(EventTypeHeartbeat)
}

// NewSystemStatusEvent creates a system status event
func NewSystemStatusEvent(activeDownloads, connections, confirmedConnections int) *Event {
	event := NewEvent(EventTypeSystemStatus)
	event.ActiveDownloads = activeDownloads
	event.Connections = connections
	event.ConfirmedConnections = confirmedConnections
	return event
}

// NewDownloadEvent converts a download manager event. State changes
// become download_update, periodic ticks download_progress.
func NewDownloadEvent(e download.Event) *Event {
	eventType := EventTypeDownloadUpdate
	if e.Type == download.EventProgressUpdate {
		eventType = EventTypeDownloadProgress
	}

	p := e.Progress
	event := NewEvent(eventType)
	if !e.Timestamp.IsZero() {
		event.Timestamp = e.Timestamp.UnixMilli()
	}
	event.TaskID = e.TaskID
	event.State = p.State.String()
	event.From = e.From
	event.DownloadedBytes = p.DownloadedBytes
	event.TotalBytes = p.TotalBytes
	event.PartsCompleted = p.PartsCompleted
	event.PartsTotal = p.PartsTotal
	event.FileName = p.FileName
	event.ErrorMessage = p.ErrorMessage
	event.ProgressRatio = p.ProgressRatio
	event.SpeedBytesPerSecond = p.SpeedBytesPerSecond
	return event
}

// NewLogEvent wraps a log stream entry
func NewLogEvent(entry logger.StreamLogEntry) *Event {
	event := NewEvent(EventTypeLog)
	event.Timestamp = entry.Timestamp.UnixMilli()
	event.Level = entry.Level
	event.Message = entry.Message
	if len(entry.Fields) > 0 {
		event.Data = entry.Fields
	}
	return event
}
