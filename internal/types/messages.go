package types

import (
	"encoding/json"
	"fmt"
)

// Inbound message types form a closed set. Anything outside the set is a
// recoverable protocol error, not a parse failure.
const (
	MsgNavigate          = "navigate"
	MsgClick             = "click"
	MsgScroll            = "scroll"
	MsgHover             = "hover"
	MsgType              = "type"
	MsgEvaluate          = "evaluate"
	MsgHeartbeat         = "heartbeat"
	MsgScreenshotAndHTML = "request_screenshot_and_html"
	MsgSetViewport       = "set_viewport"
)

// Outbound message types.
const (
	MsgFrame             = "frame"
	MsgNavigation        = "navigation"
	MsgScreenshotHTMLOut = "screenshot_and_html"
	MsgViewportUpdated   = "viewport_updated"
	MsgSessionRecovered  = "session_recovered"
	MsgConnected         = "connected"
	MsgSessionReady      = "session_ready"
	MsgError             = "error"
)

// validInbound is a map of all valid inbound message types for fast lookup.
var validInbound = map[string]bool{
	MsgNavigate:          true,
	MsgClick:             true,
	MsgScroll:            true,
	MsgHover:             true,
	MsgType:              true,
	MsgEvaluate:          true,
	MsgHeartbeat:         true,
	MsgScreenshotAndHTML: true,
	MsgSetViewport:       true,
}

// Viewport holds page dimensions in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultViewport is used when a client does not supply dimensions.
var DefaultViewport = Viewport{Width: 1440, Height: 1880}

// InboundMessage is the decoded form of a client command.
// The Type field selects which payload fields are meaningful.
type InboundMessage struct {
	Type   string  `json:"type"`
	URL    string  `json:"url,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	Text   string  `json:"text,omitempty"`
	Code   string  `json:"code,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

// DecodeInbound parses raw JSON into an InboundMessage.
// A JSON parse failure is a protocol error; an unknown type decodes fine
// and is rejected later by the router so the reply can echo the type.
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message type is required")
	}
	return &msg, nil
}

// Known reports whether the message type belongs to the closed inbound set.
func (m *InboundMessage) Known() bool {
	return validInbound[m.Type]
}

// StatusOK and StatusError are the values of the status field in replies.
const (
	StatusOK    = "success"
	StatusError = "error"
)

// Reply is the generic per-command response envelope.
type Reply struct {
	Type        string   `json:"type"`
	Status      string   `json:"status,omitempty"`
	URL         string   `json:"url,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	DeltaY      *float64 `json:"deltaY,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Result      string   `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
	Message     string   `json:"message,omitempty"`
	Screenshot  string   `json:"screenshot,omitempty"`
	HTML        string   `json:"html,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Recoverable bool     `json:"recoverable,omitempty"`
	ClientID    string   `json:"clientId,omitempty"`
}

// FrameEnvelope carries one screencast frame to the client.
// SessionID is the CDP per-frame identifier, not the auth session.
type FrameEnvelope struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	SessionID int    `json:"sessionId"`
}

// NewFrameEnvelope builds the outbound envelope for a JPEG frame.
func NewFrameEnvelope(data string, sessionID int) *FrameEnvelope {
	return &FrameEnvelope{Type: MsgFrame, Data: data, SessionID: sessionID}
}

// ErrorReply builds the error envelope for a failed command.
func ErrorReply(msgType string, err error) *Reply {
	return &Reply{
		Type:        msgType,
		Status:      StatusError,
		Error:       err.Error(),
		Recoverable: true,
	}
}

// UnknownTypeReply builds the reply for an out-of-set message type.
func UnknownTypeReply(msgType string) *Reply {
	return &Reply{
		Type:    MsgError,
		Status:  StatusError,
		Message: fmt.Sprintf("Unknown message type: %s", msgType),
		Error:   msgType,
	}
}
