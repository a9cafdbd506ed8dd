// Package protocol defines the JSON frame format exchanged between the
// session host and connected preview devices, including validation and
// protocol-version negotiation.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uisync/uisync/internal/ir"
)

// Version is the host's protocol version. Clients are compatible when
// their major number matches.
const Version = "1.0.0"

// Frame types.
const (
	TypeConnect   = "connect"
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeAck       = "ack"
	TypeUpdate    = "update"
	TypeError     = "error"
)

// Stream close codes. 4xxx codes are application-defined; 1000 and 1008
// are the transport's normal-closure and policy-violation codes.
const (
	CloseSessionMismatch    = 4400
	CloseNotAuthenticated   = 4401
	CloseUnknownSession     = 4404
	CloseSessionExpired     = 4410
	CloseUnsupportedVersion = 4426
	CloseNormal             = 1000
	ClosePolicyViolation    = 1008
)

// Error codes carried in error frames.
const (
	CodeUnsupportedVersion = "unsupported-version"
	CodeMalformedFrame     = "malformed-frame"
	CodeSessionExpired     = "session-expired"
	CodeInternal           = "internal"
)

// Severity of an error frame.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
	SeverityFatal   = "fatal"
)

// UpdateKind selects full-snapshot versus incremental delivery.
const (
	UpdateFull        = "full"
	UpdateIncremental = "incremental"
)

// Frame is the envelope every message travels in.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Connect is the client's first frame on a new stream.
type Connect struct {
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
	DeviceName    string `json:"deviceName,omitempty"`
	ClientVersion string `json:"clientVersion"`
}

// Connected acknowledges admission. InitialSchema is nil when the session
// has no pushed IR yet.
type Connected struct {
	ConnectionID  string       `json:"connectionId"`
	InitialSchema *ir.Document `json:"initialSchema"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

// Ack reports whether the device applied an update.
type Ack struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ApplyTimeMs    int64  `json:"applyTimeMs,omitempty"`
}

// Update delivers new IR, either as a full snapshot or a delta.
type Update struct {
	SequenceNumber uint64       `json:"sequenceNumber"`
	Kind           string       `json:"kind"`
	PreserveState  bool         `json:"preserveState"`
	Schema         *ir.Document `json:"schema,omitempty"`
	Delta          *ir.Delta    `json:"delta,omitempty"`
}

// ErrorPayload travels in error frames, in either direction.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Severity    string `json:"severity"`
	Recoverable bool   `json:"recoverable"`
	Details     any    `json:"details,omitempty"`
}

// Encode wraps payload in a frame of the given type.
func Encode(frameType, sessionID string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", frameType, err)
		}
		raw = data
	}
	f := Frame{
		Type:      frameType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Payload:   raw,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", frameType, err)
	}
	return data, nil
}

// Decode parses and validates a frame envelope. The payload stays raw;
// use DecodePayload once the type is known.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Type {
	case TypeConnect, TypeConnected, TypePing, TypePong, TypeAck, TypeUpdate, TypeError:
	case "":
		return Frame{}, fmt.Errorf("frame has no type")
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// DecodePayload unmarshals a frame's payload into out.
func DecodePayload(f Frame, out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", f.Type, err)
	}
	return nil
}

// Validate checks the fields a connect payload must carry.
func (c Connect) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("connect payload missing deviceId")
	}
	if c.Platform == "" {
		return fmt.Errorf("connect payload missing platform")
	}
	if c.ClientVersion == "" {
		return fmt.Errorf("connect payload missing clientVersion")
	}
	return nil
}

// Compatible reports whether a client version can talk to this host.
// Only the major number is compared; minor and patch revisions are
// expected to interoperate.
func Compatible(clientVersion string) bool {
	cm, err := major(clientVersion)
	if err != nil {
		return false
	}
	sm, _ := major(Version)
	return cm == sm
}

func major(version string) (int, error) {
	head, _, _ := strings.Cut(version, ".")
	m, err := strconv.Atoi(head)
	if err != nil {
		return 0, fmt.Errorf("version %q has no numeric major", version)
	}
	return m, nil
}
