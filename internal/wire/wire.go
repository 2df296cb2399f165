// Package wire defines the JSON and event-stream formats exchanged between
// the bridge server and its clients.
package wire

import "time"

// Transport names carried in SessionInfo.
const (
	TransportDirectAttach = "direct_attach"
	TransportSessionRelay = "session_relay"
)

// Session status names carried in SessionInfo.
const (
	StatusConnecting = "connecting"
	StatusOpen       = "open"
	StatusClosed     = "closed"
)

// Error codes returned in ErrorBody.Code.
const (
	CodeSessionNotFound   = "session_not_found"
	CodeTargetUnreachable = "target_unreachable"
	CodeInvalidDimensions = "invalid_dimensions"
	CodeInputTooLarge     = "input_too_large"
	CodeRateLimited       = "rate_limited"
	CodeBadRequest        = "bad_request"
)

// Frame types sent on the output event stream.
const (
	FrameOutput = "output"
	FrameClosed = "closed"
)

type CreateRequest struct {
	Target    string `json:"target"`
	Container string `json:"container"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type SessionInfo struct {
	ID             string    `json:"id"`
	Target         string    `json:"target"`
	Container      string    `json:"container"`
	Transport      string    `json:"transport"`
	Status         string    `json:"status"`
	Alive          bool      `json:"alive"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	RTTMillis      float64   `json:"rtt_ms,omitempty"`
}

type PingResponse struct {
	// ServerTime is unix milliseconds on the server clock.
	ServerTime int64 `json:"server_time"`
}

// Stamp is a server send-timestamp piggybacked on an output frame.
type Stamp struct {
	ID     string `json:"id"`
	SentAt int64  `json:"sent_at"`
}

// Measurement is a client report. A probe report sets RTTMillis; a report
// answering a piggybacked Stamp echoes the stamp ID and SentAt and adds the
// client receive time and processing time.
type Measurement struct {
	ID               string   `json:"id"`
	RTTMillis        *float64 `json:"rtt_ms,omitempty"`
	SentAt           int64    `json:"sent_at,omitempty"`
	ReceivedAt       int64    `json:"received_at,omitempty"`
	ProcessingMillis float64  `json:"processing_ms,omitempty"`
}

// Frame is one event on the Session-Relay output stream.
type Frame struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq,omitempty"`
	Data   []byte `json:"data,omitempty"`
	RTT    *Stamp `json:"rtt,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AttachInfo is the first (text) message of a Direct Attach connection.
type AttachInfo struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
}

// AttachInfoType is the Type of the first Direct Attach message.
const AttachInfoType = "session_info"

// Direct Attach websocket close codes.
const (
	CloseBadRequest        = 4400
	CloseSessionGone       = 4404
	CloseTargetUnreachable = 4502
)

type ErrorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

type HistoryEntry struct {
	SessionID   string     `json:"session_id"`
	Target      string     `json:"target"`
	Container   string     `json:"container"`
	Transport   string     `json:"transport"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	BytesIn     int64      `json:"bytes_in"`
	BytesOut    int64      `json:"bytes_out"`
}

// UnixMillis converts t to the millisecond timestamps used on the wire.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis is the inverse of UnixMillis.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
