package alert

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

const (
	// TimestampLayout is the capture timestamp format carried by events (UTC).
	TimestampLayout = "20060102_150405"

	// DefaultClientID identifies this edge installation to the alert server.
	DefaultClientID = 1
)

// Event is one alert awaiting delivery. Immutable once created.
type Event struct {
	ID         string
	SourceID   int
	Timestamp  string
	Frame      types.Frame
	Detections []types.Detection
}

// NewEvent creates an event for an annotated frame.
func NewEvent(frame types.Frame, detections []types.Detection) Event {
	return Event{
		ID:         uuid.New().String(),
		SourceID:   frame.SourceID,
		Timestamp:  FormatTimestamp(frame.Timestamp),
		Frame:      frame,
		Detections: detections,
	}
}

// FormatTimestamp renders t in TimestampLayout after converting it to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp converts a TimestampLayout string (UTC) to Unix epoch seconds.
func ParseTimestamp(s string) (float64, error) {
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("alert: invalid timestamp %q: %w", s, err)
	}
	return float64(t.Unix()), nil
}

// Payload is the JSON body posted to the alert endpoint.
type Payload struct {
	CameraID  int     `json:"camera_id"`
	DateAlert float64 `json:"datealert"`
	ClientID  int     `json:"client_id"`
	ImageData string  `json:"image_data"`
}

// Encoder compresses a frame into JPEG bytes.
type Encoder interface {
	EncodeJPEG(frame types.Frame) ([]byte, error)
}

// BuildPayload encodes the event image and converts its timestamp.
func BuildPayload(ev Event, enc Encoder, clientID int) (Payload, error) {
	epoch, err := ParseTimestamp(ev.Timestamp)
	if err != nil {
		return Payload{}, err
	}

	jpg, err := enc.EncodeJPEG(ev.Frame)
	if err != nil {
		return Payload{}, fmt.Errorf("alert: encode image: %w", err)
	}

	return Payload{
		CameraID:  ev.SourceID,
		DateAlert: epoch,
		ClientID:  clientID,
		ImageData: base64.StdEncoding.EncodeToString(jpg),
	}, nil
}
