package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uisync/uisync/internal/protocol"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrExpired      = errors.New("session expired")
	ErrStreamClosed = errors.New("device stream closed")
)

// Options tunes the registry's timers. Zero values select the defaults.
type Options struct {
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	CleanupInterval   time.Duration
}

const (
	defaultSessionTimeout    = 8 * time.Hour
	defaultHeartbeatInterval = 30 * time.Second
	defaultConnectionTimeout = 60 * time.Second
	defaultCleanupInterval   = time.Minute
)

// Registry owns every live session. Heartbeat and expiry sweeps run on
// Run's goroutine; everything else is called from transport handlers.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = defaultConnectionTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// CreateSession allocates a session with a random id and the configured
// timeout.
func (r *Registry) CreateSession() *Session {
	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		expiresAt: now.Add(r.opts.SessionTimeout),
		devices:   make(map[string]*Device),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	slog.Info("Session created", "session", s.ID, "expiresAt", s.ExpiresAt())
	return s
}

// Get returns the session for id, distinguishing unknown from expired.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(r.now()) {
		return nil, ErrExpired
	}
	return s, nil
}

// Delete closes every device stream with normal closure and drops the
// session. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, d := range s.Devices() {
		d.CloseStream(protocol.CloseNormal, "session ended")
		s.removeDevice(d.ConnectionID)
	}
	slog.Info("Session deleted", "session", id)
}

// Extend pushes the session's expiry out by the default timeout from now.
func (r *Registry) Extend(id string) (time.Time, error) {
	s, err := r.Get(id)
	if err != nil {
		return time.Time{}, err
	}
	return s.extend(r.opts.SessionTimeout, r.now()), nil
}

// Admit attaches a device stream to the session after a valid connect.
// The caller has already validated the payload and version.
func (r *Registry) Admit(sessionID string, c protocol.Connect, stream Stream) (*Session, *Device, error) {
	s, err := r.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	now := r.now()
	d := &Device{
		ConnectionID: uuid.NewString(),
		DeviceID:     c.DeviceID,
		Platform:     c.Platform,
		DeviceName:   c.DeviceName,
		ConnectedAt:  now,
		stream:       stream,
		lastPingAt:   now,
	}
	s.addDevice(d)
	slog.Info("Device connected", "session", sessionID,
		"connection", d.ConnectionID, "device", d.DeviceID, "platform", d.Platform)
	return s, d, nil
}

// Drop detaches a device from its session without closing the stream;
// used when the transport already died.
func (r *Registry) Drop(sessionID, connectionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.removeDevice(connectionID)
	slog.Info("Device disconnected", "session", sessionID, "connection", connectionID)
}

// Run drives heartbeat and expiry sweeps until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(r.opts.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.sweepStaleDevices()
		case <-cleanup.C:
			r.sweepExpiredSessions()
		}
	}
}

// Shutdown closes every session; called once on server exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Delete(id)
	}
}

func (r *Registry) sweepStaleDevices() {
	now := r.now()
	for _, s := range r.snapshot() {
		for _, d := range s.Devices() {
			if now.Sub(d.LastPingAt()) <= r.opts.ConnectionTimeout {
				continue
			}
			slog.Warn("Device heartbeat timed out",
				"session", s.ID, "connection", d.ConnectionID,
				"lastPing", d.LastPingAt())
			d.CloseStream(protocol.CloseNormal, "connection timeout")
			s.removeDevice(d.ConnectionID)
		}
	}
}

func (r *Registry) sweepExpiredSessions() {
	now := r.now()
	for _, s := range r.snapshot() {
		if !s.Expired(now) {
			continue
		}
		slog.Info("Session expired", "session", s.ID)
		r.Delete(s.ID)
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// DeviceStats is the per-device slice of the statistics surface.
type DeviceStats struct {
	ConnectionID      string    `json:"connectionId"`
	DeviceID          string    `json:"deviceId"`
	Platform          string    `json:"platform"`
	DeviceName        string    `json:"deviceName,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`
	Healthy           bool      `json:"healthy"`
	LastPingAt        time.Time `json:"lastPingAt"`
	LastAckedSequence uint64    `json:"lastAckedSequence"`
}

// SessionStats summarizes one session.
type SessionStats struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Sequence  uint64        `json:"sequence"`
	Devices   []DeviceStats `json:"devices"`
}

// Stats is the aggregate read-only statistics surface.
type Stats struct {
	Sessions     int            `json:"sessions"`
	TotalDevices int            `json:"totalDevices"`
	PerSession   []SessionStats `json:"perSession"`
}

// Stats reports session and device state. A device is healthy when its
// last ping is within the connection timeout.
func (r *Registry) Stats() Stats {
	now := r.now()
	var out Stats
	for _, s := range r.snapshot() {
		ss := SessionStats{
			ID:        s.ID,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt(),
			Sequence:  s.Sequence(),
		}
		for _, d := range s.Devices() {
			ss.Devices = append(ss.Devices, DeviceStats{
				ConnectionID:      d.ConnectionID,
				DeviceID:          d.DeviceID,
				Platform:          d.Platform,
				DeviceName:        d.DeviceName,
				ConnectedAt:       d.ConnectedAt,
				Healthy:           now.Sub(d.LastPingAt()) <= r.opts.ConnectionTimeout,
				LastPingAt:        d.LastPingAt(),
				LastAckedSequence: d.LastAckedSequence(),
			})
		}
		out.TotalDevices += len(ss.Devices)
		out.PerSession = append(out.PerSession, ss)
	}
	out.Sessions = len(out.PerSession)
	return out
}

// SessionStatsFor returns the stats slice for one session.
func (r *Registry) SessionStatsFor(id string) (SessionStats, error) {
	s, err := r.Get(id)
	if err != nil {
		return SessionStats{}, err
	}
	now := r.now()
	ss := SessionStats{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt(),
		Sequence:  s.Sequence(),
	}
	for _, d := range s.Devices() {
		ss.Devices = append(ss.Devices, DeviceStats{
			ConnectionID:      d.ConnectionID,
			DeviceID:          d.DeviceID,
			Platform:          d.Platform,
			DeviceName:        d.DeviceName,
			ConnectedAt:       d.ConnectedAt,
			Healthy:           now.Sub(d.LastPingAt()) <= r.opts.ConnectionTimeout,
			LastPingAt:        d.LastPingAt(),
			LastAckedSequence: d.LastAckedSequence(),
		})
	}
	return ss, nil
}
