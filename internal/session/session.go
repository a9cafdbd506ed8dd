// Package session tracks live preview sessions and the device streams
// attached to them.
package session

import (
	"sync"
	"time"

	"github.com/uisync/uisync/internal/ir"
)

// Stream is the transport half of a connected device. Writes must be
// safe to interleave with Close; the registry serializes writes per
// device on top of this.
type Stream interface {
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// Device is one connected client within a session.
type Device struct {
	ConnectionID string
	DeviceID     string
	Platform     string
	DeviceName   string
	ConnectedAt  time.Time

	stream Stream

	mu                sync.Mutex
	lastPingAt        time.Time
	lastAckedSequence uint64
	closed            bool
}

// Send writes one frame to the device, serialized against concurrent
// sends to the same device.
func (d *Device) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrStreamClosed
	}
	return d.stream.WriteFrame(data)
}

// CloseStream closes the transport once; later calls are no-ops.
func (d *Device) CloseStream(code int, reason string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.stream.Close(code, reason)
}

// Closed reports whether the stream was shut down.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// MarkClosed records that the transport died without a local close, e.g.
// the reader loop saw EOF.
func (d *Device) MarkClosed() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// RecordPing notes liveness.
func (d *Device) RecordPing(at time.Time) {
	d.mu.Lock()
	d.lastPingAt = at
	d.mu.Unlock()
}

// LastPingAt returns the most recent liveness signal.
func (d *Device) LastPingAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPingAt
}

// RecordAck keeps the highest acknowledged sequence number.
func (d *Device) RecordAck(seq uint64) {
	d.mu.Lock()
	if seq > d.lastAckedSequence {
		d.lastAckedSequence = seq
	}
	d.mu.Unlock()
}

// LastAckedSequence returns the highest acknowledged sequence number.
func (d *Device) LastAckedSequence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAckedSequence
}

// Session is one live preview session. Sequence numbers are strictly
// monotonic per session; currentIR is the last pushed body.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	expiresAt    time.Time
	currentIR    *ir.Document
	nextSequence uint64
	devices      map[string]*Device // by connection id
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Expired reports whether the session is past its deadline.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt())
}

func (s *Session) extend(d time.Duration, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = now.Add(d)
	return s.expiresAt
}

// CurrentIR returns the last pushed body, nil before the first push.
func (s *Session) CurrentIR() *ir.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIR
}

// SetCurrentIR records the body devices are now expected to hold.
func (s *Session) SetCurrentIR(doc *ir.Document) {
	s.mu.Lock()
	s.currentIR = doc
	s.mu.Unlock()
}

// BumpSequence allocates the next sequence number.
func (s *Session) BumpSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSequence++
	return s.nextSequence
}

// Sequence returns the last allocated sequence number.
func (s *Session) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

// Devices returns a snapshot of the attached devices.
func (s *Session) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// DeviceCount returns the number of attached devices.
func (s *Session) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *Session) addDevice(d *Device) {
	s.mu.Lock()
	s.devices[d.ConnectionID] = d
	s.mu.Unlock()
}

func (s *Session) removeDevice(connectionID string) {
	s.mu.Lock()
	delete(s.devices, connectionID)
	s.mu.Unlock()
}
