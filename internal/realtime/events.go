// Package realtime fans job and test-run state deltas out to subscribed
// observers. Observers join per-entity rooms over a websocket; deltas arrive
// either from a Redis push channel fed by the coordinator after each committed
// mutation, or from a poll fallback that re-queries the newest row per watched
// entity. Both strategies emit the same event shape.
package realtime

import "encoding/json"

// Event kinds, mirroring row-level change notifications.
const (
	KindInserted = "inserted"
	KindUpdated  = "updated"
	KindDeleted  = "deleted"
)

// Event is the single union type observers receive: the room it belongs to,
// what happened, and the affected entity.
type Event struct {
	Room   string          `json:"room"`
	Kind   string          `json:"kind"`
	Entity json.RawMessage `json:"entity"`
}

// JobRoom names the room scoping one job's events.
func JobRoom(id string) string { return "job:" + id }

// TestRoom names the room scoping one test run's events.
func TestRoom(id string) string { return "test:" + id }
