package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source is the delivery strategy behind the hub: push (change feed) or poll
// (periodic re-query). Both yield the same Event shape, so the observer-facing
// API never changes when the hub degrades.
type Source interface {
	// Run pumps events into emit until ctx is done or the source fails.
	Run(ctx context.Context, emit func(Event)) error
	// Watch and Unwatch scope the source to rooms with live subscribers.
	// Push sources may ignore them; the poll source queries only watched rooms.
	Watch(room string)
	Unwatch(room string)
}

// Channel carrying change events between coordinator instances.
const channel = "scrape:events"

// Publisher pushes committed state deltas onto the change feed. Mutating code
// paths call it after their store write commits; failures are logged by the
// caller and never roll back the write.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// PushSource subscribes to the Redis change feed. Every coordinator instance
// sees every event, so a multi-instance deployment fans out consistently.
type PushSource struct {
	client *redis.Client
}

func NewPushSource(client *redis.Client) *PushSource {
	return &PushSource{client: client}
}

func (s *PushSource) Run(ctx context.Context, emit func(Event)) error {
	sub := s.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Surface subscription failure immediately so the hub can degrade.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("push channel %s closed", channel)
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue // malformed producer payload, skip
			}
			emit(ev)
		}
	}
}

func (s *PushSource) Watch(string)   {}
func (s *PushSource) Unwatch(string) {}

// Snapshot is one poll observation of an entity: its serialized state and a
// version marker (the row's updated_at).
type Snapshot struct {
	Entity  json.RawMessage
	Version time.Time
}

// SnapshotFunc fetches the newest row for a room. Provided by the API layer
// over the store.
type SnapshotFunc func(ctx context.Context, room string) (Snapshot, error)

// PollSource reconstructs change events by re-querying the most recent row of
// each watched entity on a fixed interval. Latency is traded for tolerance of
// push-channel outages; the event shapes are identical to push mode.
type PollSource struct {
	fetch    SnapshotFunc
	interval time.Duration

	mu      sync.Mutex
	watched map[string]time.Time // room -> last seen version
}

func NewPollSource(fetch SnapshotFunc, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSource{
		fetch:    fetch,
		interval: interval,
		watched:  make(map[string]time.Time),
	}
}

func (s *PollSource) Watch(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[room]; !ok {
		s.watched[room] = time.Time{}
	}
}

func (s *PollSource) Unwatch(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, room)
}

func (s *PollSource) Run(ctx context.Context, emit func(Event)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx, emit)
		}
	}
}

func (s *PollSource) sweep(ctx context.Context, emit func(Event)) {
	s.mu.Lock()
	rooms := make(map[string]time.Time, len(s.watched))
	for room, v := range s.watched {
		rooms[room] = v
	}
	s.mu.Unlock()

	for room, lastSeen := range rooms {
		snap, err := s.fetch(ctx, room)
		if err != nil {
			continue // transient store error; next sweep retries
		}
		if !snap.Version.After(lastSeen) {
			continue
		}
		s.mu.Lock()
		if cur, ok := s.watched[room]; ok && snap.Version.After(cur) {
			s.watched[room] = snap.Version
			s.mu.Unlock()
			emit(Event{Room: room, Kind: KindUpdated, Entity: snap.Entity})
			continue
		}
		s.mu.Unlock()
	}
}
