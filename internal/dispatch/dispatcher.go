// Package dispatch batches IR pushes per session and fans update frames
// out to connected devices.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/protocol"
	"github.com/uisync/uisync/internal/session"
)

// Options tunes the dispatcher. Zero values select the defaults.
type Options struct {
	// BatchDelay is how long a push waits for follow-ups before flushing.
	BatchDelay time.Duration
	// MaxIncrementalFraction caps how much of the document may change
	// before a full snapshot is sent instead of a delta.
	MaxIncrementalFraction float64
}

const (
	defaultBatchDelay             = 50 * time.Millisecond
	defaultMaxIncrementalFraction = 0.5
)

// Result reports what a push did.
type Result struct {
	Batched        bool
	DevicesUpdated int
	Kind           ir.UpdateKind
	SequenceNumber uint64
}

type pendingPush struct {
	body          *ir.Document
	preserveState bool
	timer         *time.Timer
}

// Dispatcher owns at most one pending push per session. A burst of pushes
// within the batch delay collapses into a single update frame carrying the
// last body.
type Dispatcher struct {
	registry *session.Registry
	opts     Options

	mu      sync.Mutex
	pending map[string]*pendingPush

	// flushMu serializes sequence allocation through fan-out per session,
	// so frames always leave in sequence order and currentIR matches the
	// highest sequence sent.
	flushMu map[string]*sync.Mutex
}

// New returns a dispatcher over the registry.
func New(registry *session.Registry, opts Options) *Dispatcher {
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	if opts.MaxIncrementalFraction <= 0 {
		opts.MaxIncrementalFraction = defaultMaxIncrementalFraction
	}
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		pending:  make(map[string]*pendingPush),
		flushMu:  make(map[string]*sync.Mutex),
	}
}

// PushUpdate schedules body for delivery to every device in the session.
// A pending push for the same session is overwritten and its timer
// restarted, so only the newest body is ever sent.
func (d *Dispatcher) PushUpdate(sessionID string, body *ir.Document, preserveState bool) (Result, error) {
	if _, err := d.registry.Get(sessionID); err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[sessionID]; ok {
		p.body = body
		p.preserveState = preserveState
		p.timer.Reset(d.opts.BatchDelay)
		return Result{Batched: true}, nil
	}
	p := &pendingPush{body: body, preserveState: preserveState}
	p.timer = time.AfterFunc(d.opts.BatchDelay, func() {
		if _, err := d.flushPending(sessionID); err != nil {
			slog.Error("Batched push failed", "session", sessionID, "error", err)
		}
	})
	d.pending[sessionID] = p
	return Result{Batched: true}, nil
}

// PushUpdateImmediate bypasses batching: any pending push is absorbed and
// the given body flushes now.
func (d *Dispatcher) PushUpdateImmediate(sessionID string, body *ir.Document, preserveState bool) (Result, error) {
	d.mu.Lock()
	if p, ok := d.pending[sessionID]; ok {
		p.timer.Stop()
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()
	return d.flush(sessionID, body, preserveState)
}

// flushPending delivers the pending body for sessionID, if still there.
func (d *Dispatcher) flushPending(sessionID string) (Result, error) {
	d.mu.Lock()
	p, ok := d.pending[sessionID]
	delete(d.pending, sessionID)
	d.mu.Unlock()
	if !ok {
		return Result{}, nil
	}
	return d.flush(sessionID, p.body, p.preserveState)
}

// flush allocates the next sequence number, chooses full versus
// incremental against the session's current body, and fans out.
func (d *Dispatcher) flush(sessionID string, body *ir.Document, preserveState bool) (Result, error) {
	s, err := d.registry.Get(sessionID)
	if err != nil {
		return Result{}, err
	}

	l := d.sessionFlushLock(sessionID)
	l.Lock()
	defer l.Unlock()

	seq := s.BumpSequence()
	prev := s.CurrentIR()

	kind := ir.UpdateFull
	var delta *ir.Delta
	if prev != nil {
		delta = ir.ComputeDelta(prev, body)
		kind = ir.ChooseKind(prev, body, delta, d.opts.MaxIncrementalFraction)
	}
	s.SetCurrentIR(body)

	update := protocol.Update{
		SequenceNumber: seq,
		Kind:           string(kind),
		PreserveState:  preserveState,
	}
	if kind == ir.UpdateFull {
		update.Schema = body
	} else {
		update.Delta = delta
	}
	frame, err := protocol.Encode(protocol.TypeUpdate, sessionID, update)
	if err != nil {
		return Result{}, fmt.Errorf("encoding update %d: %w", seq, err)
	}

	sent := d.fanOut(s, frame)
	slog.Info("Update dispatched", "session", sessionID,
		"sequence", seq, "kind", kind, "devices", sent)
	return Result{DevicesUpdated: sent, Kind: kind, SequenceNumber: seq}, nil
}

// fanOut sends frame to every open device stream. Closed streams are
// skipped; those devices resync with a full snapshot when they reconnect.
func (d *Dispatcher) fanOut(s *session.Session, frame []byte) int {
	sent := 0
	for _, dev := range s.Devices() {
		if dev.Closed() {
			continue
		}
		if err := dev.Send(frame); err != nil {
			slog.Warn("Device send failed, skipping",
				"session", s.ID, "connection", dev.ConnectionID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendSnapshot delivers the session's current body to one device as a
// full update at a freshly allocated sequence number. Used right after
// (re)connection so the device catches up without history. No frame is
// sent when nothing has been pushed yet.
func (d *Dispatcher) SendSnapshot(s *session.Session, dev *session.Device) error {
	l := d.sessionFlushLock(s.ID)
	l.Lock()
	defer l.Unlock()

	body := s.CurrentIR()
	if body == nil {
		return nil
	}
	seq := s.BumpSequence()
	frame, err := protocol.Encode(protocol.TypeUpdate, s.ID, protocol.Update{
		SequenceNumber: seq,
		Kind:           string(ir.UpdateFull),
		PreserveState:  true,
		Schema:         body,
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot %d: %w", seq, err)
	}
	if err := dev.Send(frame); err != nil {
		return fmt.Errorf("sending snapshot to %s: %w", dev.ConnectionID, err)
	}
	slog.Info("Snapshot sent", "session", s.ID,
		"connection", dev.ConnectionID, "sequence", seq)
	return nil
}

// HandleAck records a device's acknowledgement.
func (d *Dispatcher) HandleAck(dev *session.Device, ack protocol.Ack) {
	dev.RecordAck(ack.SequenceNumber)
	if !ack.Success {
		slog.Warn("Device failed to apply update",
			"connection", dev.ConnectionID,
			"sequence", ack.SequenceNumber, "error", ack.Error)
	}
}

// Unacknowledged lists devices that have not acked the session's latest
// sequence number. No automatic resend happens; operators can force a
// full push instead.
func (d *Dispatcher) Unacknowledged(s *session.Session) []*session.Device {
	latest := s.Sequence()
	var out []*session.Device
	for _, dev := range s.Devices() {
		if dev.LastAckedSequence() < latest {
			out = append(out, dev)
		}
	}
	return out
}

func (d *Dispatcher) sessionFlushLock(sessionID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.flushMu[sessionID]
	if !ok {
		l = &sync.Mutex{}
		d.flushMu[sessionID] = l
	}
	return l
}

// Stop cancels every pending push; called on shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, id)
	}
}
