// Package uploadevents is the best-effort publish/subscribe seam between the
// uploader controller's single-threaded event loop and anything that wants
// to observe it without slowing it down — today the CLI's session-log
// writer, potentially a future dashboard.
package uploadevents

import "sync"

// Kind identifies what a published Event carries.
type Kind int

const (
	// KindPhase fires on every controller phase transition. Payload is Phase.
	KindPhase Kind = iota
	// KindDeviceInfo fires when an INFO reply decodes: once per session, and
	// again after a device HWRESET sends the controller back to INFO.
	// Payload is sfu.DeviceInfo.
	KindDeviceInfo
	// KindStartAck fires when the device acknowledges START. Payload is
	// sfu.StartAck.
	KindStartAck
	// KindLogLine fires for each device log line flushed by the parser.
	// Payload is string.
	KindLogLine
	// KindDone fires exactly once, when the session reaches a terminal
	// state. Payload is the terminal ExitReason (an int alias to avoid an
	// import cycle with internal/uploader; the CLI knows how to interpret it).
	KindDone
)

// Phase names a controller state, mirrored here as plain strings so this
// package doesn't depend on internal/uploader.
type Phase string

const (
	PhaseAwaitInfo        Phase = "await_info"
	PhaseAwaitSpeedGet    Phase = "await_speed_get"
	PhaseAwaitSpeedSet    Phase = "await_speed_set"
	PhaseAwaitSpeedConfirm Phase = "await_speed_confirm"
	PhaseErasePending     Phase = "erase_pending"
	PhaseWriting          Phase = "writing"
	PhaseAwaitStart       Phase = "await_start"
	PhaseDone             Phase = "done"
)

// Event is a single published notification. It carries no timestamp;
// callers that want one note their own arrival time.
type Event struct {
	Kind    Kind
	Phase   Phase
	Payload any
}

// Hub is a non-blocking pub/sub broadcaster. A slow or absent subscriber
// never stalls the publisher: Broadcast drops events for subscribers whose
// buffer is full rather than waiting.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	last *Event
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

// Subscribe registers a new listener and returns its channel and a cancel
// function. If an event has already been published, the new subscriber
// immediately receives a copy of the most recent one, so a late-attaching
// status printer isn't stuck showing nothing until the next transition.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, 16)
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
	return ch, cancel
}

// Broadcast publishes event to every current subscriber, dropping it for any
// subscriber whose buffer is currently full.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &event
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
