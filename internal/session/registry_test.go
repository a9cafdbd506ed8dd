package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uisync/uisync/internal/protocol"
)

// fakeStream records writes and closes.
type fakeStream struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (f *fakeStream) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeStream) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeStream) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func connectPayload(device string) protocol.Connect {
	return protocol.Connect{DeviceID: device, Platform: "ios", ClientVersion: "1.0.0"}
}

func TestRegistry_CreateSessionDefaults(t *testing.T) {
	r := NewRegistry(Options{})
	base := time.Now()
	r.now = func() time.Time { return base }

	s := r.CreateSession()
	if s.ID == "" {
		t.Fatal("session id must not be empty")
	}
	if got := s.ExpiresAt(); !got.Equal(base.Add(8 * time.Hour)) {
		t.Errorf("expiresAt = %v, want +8h", got)
	}
	if s.Sequence() != 0 || s.DeviceCount() != 0 {
		t.Errorf("fresh session: seq=%d devices=%d", s.Sequence(), s.DeviceCount())
	}

	other := r.CreateSession()
	if other.ID == s.ID {
		t.Error("session ids must be unique")
	}
}

func TestRegistry_GetDistinguishesUnknownFromExpired(t *testing.T) {
	r := NewRegistry(Options{SessionTimeout: time.Hour})
	base := time.Now()
	r.now = func() time.Time { return base }
	s := r.CreateSession()

	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: %v", err)
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Errorf("live session: %v", err)
	}

	r.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := r.Get(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("expired session: %v", err)
	}
}

func TestRegistry_AdmitAndDelete(t *testing.T) {
	r := NewRegistry(Options{})
	s := r.CreateSession()

	st := &fakeStream{}
	got, d, err := r.Admit(s.ID, connectPayload("d1"), st)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != s.ID || d.ConnectionID == "" {
		t.Fatalf("admit: session=%s connection=%q", got.ID, d.ConnectionID)
	}
	if s.DeviceCount() != 1 {
		t.Fatalf("devices = %d", s.DeviceCount())
	}

	r.Delete(s.ID)
	closed, code := st.closedWith()
	if !closed || code != protocol.CloseNormal {
		t.Errorf("stream closed=%v code=%d, want normal closure", closed, code)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}

func TestRegistry_AdmitRejectsExpired(t *testing.T) {
	r := NewRegistry(Options{SessionTimeout: time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }
	s := r.CreateSession()

	r.now = func() time.Time { return base.Add(time.Hour) }
	if _, _, err := r.Admit(s.ID, connectPayload("d1"), &fakeStream{}); !errors.Is(err, ErrExpired) {
		t.Errorf("admit to expired session: %v", err)
	}
}

func TestRegistry_Extend(t *testing.T) {
	r := NewRegistry(Options{SessionTimeout: time.Hour})
	base := time.Now()
	r.now = func() time.Time { return base }
	s := r.CreateSession()

	r.now = func() time.Time { return base.Add(30 * time.Minute) }
	until, err := r.Extend(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := base.Add(90 * time.Minute); !until.Equal(want) {
		t.Errorf("extended until %v, want %v", until, want)
	}
}

func TestRegistry_HeartbeatSweepDropsStaleDevices(t *testing.T) {
	r := NewRegistry(Options{ConnectionTimeout: time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }
	s := r.CreateSession()

	staleStream := &fakeStream{}
	if _, _, err := r.Admit(s.ID, connectPayload("stale"), staleStream); err != nil {
		t.Fatal(err)
	}
	freshStream := &fakeStream{}
	_, fresh, err := r.Admit(s.ID, connectPayload("fresh"), freshStream)
	if err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh.RecordPing(base.Add(90 * time.Second))
	r.sweepStaleDevices()

	if closed, _ := staleStream.closedWith(); !closed {
		t.Error("stale device should be force-closed")
	}
	if closed, _ := freshStream.closedWith(); closed {
		t.Error("fresh device must survive the sweep")
	}
	if s.DeviceCount() != 1 {
		t.Errorf("devices after sweep = %d, want 1", s.DeviceCount())
	}
}

func TestRegistry_CleanupSweepPurgesExpired(t *testing.T) {
	r := NewRegistry(Options{SessionTimeout: time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }
	expired := r.CreateSession()
	st := &fakeStream{}
	if _, _, err := r.Admit(expired.ID, connectPayload("d1"), st); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	r.sweepExpiredSessions()

	if closed, code := st.closedWith(); !closed || code != protocol.CloseNormal {
		t.Errorf("expired session's device: closed=%v code=%d", closed, code)
	}
	if _, err := r.Get(expired.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired session should be purged: %v", err)
	}
}

func TestDevice_AckKeepsMaximum(t *testing.T) {
	d := &Device{stream: &fakeStream{}}
	d.RecordAck(3)
	d.RecordAck(1)
	if d.LastAckedSequence() != 3 {
		t.Errorf("lastAcked = %d, want 3", d.LastAckedSequence())
	}
}

func TestDevice_SendAfterCloseFails(t *testing.T) {
	st := &fakeStream{}
	d := &Device{stream: st}
	d.CloseStream(protocol.CloseNormal, "bye")
	if err := d.Send([]byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("send after close: %v", err)
	}
	// Second close is a no-op.
	d.CloseStream(protocol.ClosePolicyViolation, "again")
	if _, code := st.closedWith(); code != protocol.CloseNormal {
		t.Errorf("close code overwritten to %d", code)
	}
}

func TestSession_SequenceMonotonic(t *testing.T) {
	r := NewRegistry(Options{})
	s := r.CreateSession()
	for want := uint64(1); want <= 3; want++ {
		if got := s.BumpSequence(); got != want {
			t.Fatalf("bump = %d, want %d", got, want)
		}
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(Options{ConnectionTimeout: time.Minute})
	base := time.Now()
	r.now = func() time.Time { return base }
	s := r.CreateSession()
	_, d, err := r.Admit(s.ID, connectPayload("d1"), &fakeStream{})
	if err != nil {
		t.Fatal(err)
	}
	d.RecordAck(7)

	stats := r.Stats()
	if stats.Sessions != 1 || stats.TotalDevices != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ds := stats.PerSession[0].Devices[0]
	if !ds.Healthy || ds.LastAckedSequence != 7 || ds.DeviceID != "d1" {
		t.Errorf("device stats = %+v", ds)
	}
}
