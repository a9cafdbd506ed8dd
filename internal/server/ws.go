package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uisync/uisync/internal/protocol"
	"github.com/uisync/uisync/internal/session"
)

const (
	// connectGrace is how long a fresh stream has to send its connect
	// frame before the server hangs up.
	connectGrace = 5 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The host serves local tooling; device clients are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsStream adapts a websocket connection to session.Stream with
// serialized writes.
type wsStream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsStream) WriteFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsStream) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return s.conn.Close()
}

// sendFrame encodes and writes one frame, logging failures.
func (s *wsStream) sendFrame(frameType, sessionID string, payload any) {
	data, err := protocol.Encode(frameType, sessionID, payload)
	if err != nil {
		slog.Error("Failed to encode frame", "type", frameType, "error", err)
		return
	}
	if err := s.WriteFrame(data); err != nil {
		slog.Warn("Failed to write frame", "type", frameType, "error", err)
	}
}

// handleWS admits a device stream: upgrade, handshake within the grace
// window, then a reader loop for pings and acks.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	stream := &wsStream{conn: conn}

	if sessionID == "" {
		stream.Close(protocol.CloseSessionMismatch, "session id missing")
		return
	}
	if _, err := s.registry.Get(sessionID); err != nil {
		s.closeForSessionError(stream, sessionID, err)
		return
	}

	// The first frame must be a connect, within the grace window.
	conn.SetReadDeadline(time.Now().Add(connectGrace))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		stream.Close(protocol.CloseNotAuthenticated, "no connect frame")
		return
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		stream.Close(protocol.ClosePolicyViolation, "malformed frame")
		return
	}
	if frame.Type != protocol.TypeConnect {
		stream.Close(protocol.CloseNotAuthenticated, "expected connect frame")
		return
	}
	if frame.SessionID != "" && frame.SessionID != sessionID {
		stream.Close(protocol.CloseSessionMismatch, "session id mismatch")
		return
	}
	var connect protocol.Connect
	if err := protocol.DecodePayload(frame, &connect); err != nil {
		stream.Close(protocol.ClosePolicyViolation, "malformed connect payload")
		return
	}
	if err := connect.Validate(); err != nil {
		stream.Close(protocol.ClosePolicyViolation, err.Error())
		return
	}
	if !protocol.Compatible(connect.ClientVersion) {
		stream.sendFrame(protocol.TypeError, sessionID, protocol.ErrorPayload{
			Code:     protocol.CodeUnsupportedVersion,
			Message:  "client protocol version " + connect.ClientVersion + " is incompatible with " + protocol.Version,
			Severity: protocol.SeverityFatal,
		})
		stream.Close(protocol.CloseUnsupportedVersion, "unsupported protocol version")
		return
	}

	sess, dev, err := s.registry.Admit(sessionID, connect, stream)
	if err != nil {
		s.closeForSessionError(stream, sessionID, err)
		return
	}

	stream.sendFrame(protocol.TypeConnected, sessionID, protocol.Connected{
		ConnectionID:  dev.ConnectionID,
		InitialSchema: sess.CurrentIR(),
	})
	if err := s.dispatcher.SendSnapshot(sess, dev); err != nil {
		slog.Warn("Snapshot after connect failed",
			"session", sessionID, "connection", dev.ConnectionID, "error", err)
	}

	s.readLoop(sess, dev, stream, conn)
}

func (s *Server) closeForSessionError(stream *wsStream, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrExpired):
		stream.Close(protocol.CloseSessionExpired, "session expired")
	case errors.Is(err, session.ErrNotFound):
		stream.Close(protocol.CloseUnknownSession, "unknown session")
	default:
		slog.Error("Session lookup failed", "session", sessionID, "error", err)
		stream.Close(protocol.ClosePolicyViolation, "session lookup failed")
	}
}

// readLoop drains client frames until the stream dies. Pings refresh
// liveness, acks update dispatch bookkeeping, anything malformed closes
// the stream with a policy violation.
func (s *Server) readLoop(sess *session.Session, dev *session.Device, stream *wsStream, conn *websocket.Conn) {
	defer func() {
		dev.MarkClosed()
		conn.Close()
		s.registry.Drop(sess.ID, dev.ConnectionID)
	}()

	conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Device stream ended",
					"session", sess.ID, "connection", dev.ConnectionID, "error", err)
			}
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			stream.Close(protocol.ClosePolicyViolation, "malformed frame")
			return
		}
		switch frame.Type {
		case protocol.TypePing:
			dev.RecordPing(time.Now())
			stream.sendFrame(protocol.TypePong, sess.ID, protocol.Pong{ServerTime: time.Now().UTC()})
		case protocol.TypeAck:
			var ack protocol.Ack
			if err := protocol.DecodePayload(frame, &ack); err != nil {
				stream.Close(protocol.ClosePolicyViolation, "malformed ack payload")
				return
			}
			s.dispatcher.HandleAck(dev, ack)
			if ack.ApplyTimeMs > 0 {
				s.metrics.RecordApplyTime(time.Duration(ack.ApplyTimeMs) * time.Millisecond)
			}
		case protocol.TypeError:
			var ep protocol.ErrorPayload
			if err := protocol.DecodePayload(frame, &ep); err == nil {
				slog.Warn("Client reported error",
					"session", sess.ID, "connection", dev.ConnectionID,
					"code", ep.Code, "message", ep.Message, "severity", ep.Severity)
			}
		default:
			stream.Close(protocol.ClosePolicyViolation, "unexpected frame type "+frame.Type)
			return
		}
	}
}
