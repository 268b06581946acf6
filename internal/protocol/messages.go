// Package protocol defines the JSON messages of the execution watch stream
// and the execution view shared by the HTTP, WebSocket and MCP surfaces.
// Stream messages are wrapped in an Envelope for uniform decoding.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scrapeforge/internal/domain"
)

// Subprotocol is negotiated on the execution watch WebSocket.
const Subprotocol = "scrapeforge-v1"

// MessageType identifies the kind of message in the stream.
type MessageType string

const (
	// Server → client
	MsgSnapshot MessageType = "execution.snapshot" // Current state, sent once on connect.
	MsgUpdate   MessageType = "execution.update"   // A status change.
	MsgPing     MessageType = "ping"
	MsgError    MessageType = "error"
)

// Envelope is the top-level wrapper of every stream message.
type Envelope struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"` // Message ID.
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Execution is the external view of an execution record.
type Execution struct {
	ID            string                 `json:"id"`
	ScraperID     string                 `json:"scraper_id"`
	InputURL      string                 `json:"input_url"`
	OutputFormat  domain.OutputFormat    `json:"output_format"`
	Status        domain.ExecutionStatus `json:"status"`
	OutputData    string                 `json:"output_data,omitempty"`
	HasOutputFile bool                   `json:"has_output_file"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ExecutionTime int                    `json:"execution_time"`
	Stdout        string                 `json:"stdout,omitempty"`
	Stderr        string                 `json:"stderr,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// NewExecution converts a record into its external view. The output file
// path stays server side; clients fetch the file through its endpoint.
func NewExecution(e *domain.Execution) Execution {
	return Execution{
		ID:            e.ID.String(),
		ScraperID:     e.ScraperID.String(),
		InputURL:      e.InputURL,
		OutputFormat:  e.OutputFormat,
		Status:        e.Status,
		OutputData:    e.OutputData,
		HasOutputFile: e.OutputFilePath != "",
		ErrorMessage:  e.ErrorMessage,
		ExecutionTime: e.ExecutionTime,
		Stdout:        e.Stdout,
		Stderr:        e.Stderr,
		CreatedAt:     e.CreatedAt,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
	}
}

// ErrorPayload is sent with MsgError before the server closes the stream.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
