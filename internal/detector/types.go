// Package detector provides landmark detector adapters: a deterministic
// synthetic detector and a WebSocket client for a remote landmark service.
package detector

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("detector not connected")
	ErrEmptyScript  = errors.New("synthetic detector script is empty")
)

// Frame is one captured camera image submitted for landmark detection.
// Timestamp is the offset from the start of the session, the same clock
// the optimizer's frame timestamps use.
type Frame struct {
	Seq       uint64        `json:"seq"`
	Data      []byte        `json:"data"`   // encoded image bytes
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Format    string        `json:"format"` // jpeg, png
	Timestamp time.Duration `json:"timestamp"`
}

// MimeType maps the frame format onto the wire MIME type.
func (f Frame) MimeType() string {
	if f.Format == "png" {
		return "image/png"
	}
	return "image/jpeg"
}
