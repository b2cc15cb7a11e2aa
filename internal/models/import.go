package models

import (
	"encoding/json"
	"time"
)

// FileAttachedEvent is the inbound notification that a tabular file was
// attached to a business event. Either ContextID or DataDocument supplies the
// fileset configuration; Data is a free-form payload usable by enrichment
// references.
type FileAttachedEvent struct {
	EventID      string                 `json:"eventId"`
	ContextID    string                 `json:"contextId,omitempty"`
	DataDocument json.RawMessage        `json:"dataDocument,omitempty"`
	EntityName   string                 `json:"entityName"`
	FileName     string                 `json:"fileName"`
	URL          string                 `json:"url"`
	UserID       string                 `json:"userId"`
	DeviceName   string                 `json:"deviceName"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Metadata is the per-row context attached to every dispatched record.
type Metadata struct {
	LineNumber   int    `json:"lineNumber"`
	NumLines     int    `json:"numLines"`
	ResourceName string `json:"resourceName"`
	FileName     string `json:"fileName"`
	EventID      string `json:"eventId"`
	UserID       string `json:"userId"`
	DeviceName   string `json:"deviceName"`
}

// DispatchMessage is one enriched record wrapped for transport. FilesetVersion
// records which fileset revision produced the message; it is diagnostic only,
// the message itself is self-contained.
type DispatchMessage struct {
	Metadata       Metadata               `json:"metadata"`
	Fields         map[string]interface{} `json:"fields"`
	FilesetVersion string                 `json:"filesetVersion,omitempty"`
}

// EventMessageSource tags every message this service posts back to the
// originating event stream.
const EventMessageSource = "CSVImport"

// Message types for EventMessage. Business-validation failures carry the
// domain-specific type returned by the remote API instead.
const (
	MessageTypeInfo    = "INFO"
	MessageTypeWarning = "WARNING"
)

// EventMessage is a status or diagnostic record posted to the originating
// event's message stream. Time is Unix milliseconds.
type EventMessage struct {
	Time        int64  `json:"time"`
	Source      string `json:"source"`
	MessageType string `json:"messageType"`
	MessageText string `json:"messageText"`
	UserID      string `json:"userId"`
	DeviceName  string `json:"deviceName"`
}

// NewEventMessage builds an EventMessage stamped with the current time.
func NewEventMessage(messageType, messageText, userID, deviceName string) EventMessage {
	return EventMessage{
		Time:        time.Now().UnixMilli(),
		Source:      EventMessageSource,
		MessageType: messageType,
		MessageText: messageText,
		UserID:      userID,
		DeviceName:  deviceName,
	}
}

// Context is a data context holding externally supplied configuration. The
// DataDocument is a JSON document; its CSVImport member is the ordered fileset
// list for the context.
type Context struct {
	ID           string `json:"id"`
	DataDocument string `json:"dataDocument"`
}

// Error represents an API error detail.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the standard error envelope returned by HTTP handlers.
type ErrorResponse struct {
	Success bool  `json:"success"`
	Error   Error `json:"error"`
}
