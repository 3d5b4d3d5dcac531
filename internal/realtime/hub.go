package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"scrape-coordinator/internal/telemetry"
)

// Delivery modes surfaced to observers as connection status.
const (
	ModeLive    = "live"
	ModePolling = "polling"
)

// subscriber is the hub-facing side of one observer connection. Frames are
// pre-encoded so the hub never blocks on a slow socket; a subscriber whose
// buffer is full has its frame dropped (at-least-once delivery is provided by
// the poll fallback and re-subscription, not by unbounded buffering).
type subscriber struct {
	frames chan []byte
	rooms  map[string]struct{}
}

// Hub owns the process-local subscriber registry and routes source events to
// rooms. Safe for concurrent join/leave/broadcast from many connections.
type Hub struct {
	logger   *zap.Logger
	primary  Source
	fallback Source

	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]struct{}
	mode   string
	active Source
}

// NewHub wires a hub with its push source and poll fallback. fallback may
// equal primary when the deployment is poll-only.
func NewHub(logger *zap.Logger, primary, fallback Source) *Hub {
	return &Hub{
		logger:   logger,
		primary:  primary,
		fallback: fallback,
		rooms:    make(map[string]map[*subscriber]struct{}),
		mode:     ModeLive,
		active:   primary,
	}
}

// Run consumes the active source until ctx is done. If the primary (push)
// source fails, the hub degrades to the poll fallback and tells observers via
// a status frame instead of surfacing an error.
func (h *Hub) Run(ctx context.Context) {
	src := h.currentSource()
	for {
		err := src.Run(ctx, h.dispatch)
		if ctx.Err() != nil {
			return
		}
		if src == h.fallback || h.fallback == nil {
			h.logger.Error("realtime source stopped", zap.Error(err))
			return
		}
		h.logger.Warn("push source failed, degrading to poll fallback", zap.Error(err))
		src = h.degrade()
	}
}

func (h *Hub) currentSource() Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

func (h *Hub) degrade() Source {
	h.mu.Lock()
	h.active = h.fallback
	h.mode = ModePolling
	// Re-watch every room the push source covered implicitly.
	for room := range h.rooms {
		h.active.Watch(room)
	}
	frame := encodeFrame(frameStatus(ModePolling))
	for _, s := range h.allSubscribersLocked() {
		h.offer(s, frame)
	}
	h.mu.Unlock()

	telemetry.FanoutPolling.Set(1)
	return h.fallback
}

// Mode returns the current delivery mode.
func (h *Hub) Mode() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// Publish hands a locally produced event to the room's subscribers. Used by
// the poll source and, in single-instance deployments, directly by tests.
func (h *Hub) Publish(ev Event) {
	h.dispatch(ev)
}

func (h *Hub) dispatch(ev Event) {
	frame := encodeFrame(frameEvent(ev))

	// Offers stay under the lock so a concurrent drop cannot close a
	// channel mid-send. Sends are non-blocking, so the hold is short.
	h.mu.RLock()
	for s := range h.rooms[ev.Room] {
		h.offer(s, frame)
	}
	h.mu.RUnlock()
}

func (h *Hub) offer(s *subscriber, frame []byte) {
	select {
	case s.frames <- frame:
	default:
		h.logger.Warn("dropping frame for slow subscriber")
	}
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{
		frames: make(chan []byte, 64),
		rooms:  make(map[string]struct{}),
	}
	telemetry.Subscribers.Inc()
	return s
}

func (h *Hub) join(s *subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*subscriber]struct{})
		h.active.Watch(room)
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *subscriber, room string) {
	delete(s.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
			h.active.Unwatch(room)
		}
	}
}

// drop tears a subscriber down deterministically: every room membership is
// released and the frame channel closed exactly once.
func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	close(s.frames)
	h.mu.Unlock()
	telemetry.Subscribers.Dec()
}

func (h *Hub) allSubscribersLocked() []*subscriber {
	seen := make(map[*subscriber]struct{})
	for _, members := range h.rooms {
		for s := range members {
			seen[s] = struct{}{}
		}
	}
	out := make([]*subscriber, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	return out
}

// frame is the single wire shape pushed to observers.
type frame struct {
	Type   string          `json:"type"`
	Room   string          `json:"room,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Entity json.RawMessage `json:"entity,omitempty"`
	Mode   string          `json:"mode,omitempty"`
}

func frameEvent(ev Event) frame {
	return frame{Type: "event", Room: ev.Room, Kind: ev.Kind, Entity: ev.Entity}
}

func frameStatus(mode string) frame {
	return frame{Type: "status", Mode: mode}
}

func encodeFrame(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
