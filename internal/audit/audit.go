package audit

import (
	"context"
	"encoding/json"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Metadata keys that Lift moves into their own Event fields.
const (
	KeyMethodID = "method_id"
	KeyDeviceID = "device_id"
)

// Event is one security-relevant step of a login, an MFA check or a trusted
// device change. MethodID and DeviceID name the MFA method and trusted device
// involved, when there is one. Secrets never go in an Event.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	MethodID  string            `json:"method_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Lift returns e with the method and device ids taken out of Metadata and
// stored in MethodID and DeviceID. Fields already set win. Metadata left
// empty becomes nil. e.Metadata itself is not modified.
func (e Event) Lift() Event {
	if len(e.Metadata) == 0 {
		e.Metadata = nil
		return e
	}
	_, hasMethod := e.Metadata[KeyMethodID]
	_, hasDevice := e.Metadata[KeyDeviceID]
	if !hasMethod && !hasDevice {
		return e
	}

	md := maps.Clone(e.Metadata)
	if e.MethodID == "" {
		e.MethodID = md[KeyMethodID]
	}
	if e.DeviceID == "" {
		e.DeviceID = md[KeyDeviceID]
	}
	delete(md, KeyMethodID)
	delete(md, KeyDeviceID)
	if len(md) == 0 {
		md = nil
	}
	e.Metadata = md
	return e
}

// Sink receives events. Emit is called from the dispatcher goroutine only.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink hands events to a reader, mostly tests and in-process
// consumers. Emit waits for room until ctx ends.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink appends one JSON object per event to an io.Writer, typically
// an audit log file. Events that fail to encode or write are counted.
type JSONWriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	failed atomic.Uint64
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{w: w}
}

func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.w == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		s.failed.Add(1)
	}
}

// Failed reports how many events were lost to encode or write errors.
func (s *JSONWriterSink) Failed() uint64 {
	if s == nil {
		return 0
	}
	return s.failed.Load()
}
