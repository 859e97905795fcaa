// Package feed carries row-level change signals between the store and every
// coordinator. Delivery is at-least-once and events are hints: a receiver
// re-reads state rather than trusting event contents, so duplicates and
// coalesced drops are harmless as long as some later signal or poll follows.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/genq/errors"
)

// Table names a source of change events.
type Table string

const (
	TableJobs       Table = "jobs"
	TableQueueState Table = "queue_state"
	TableFlags      Table = "system_flags"
)

// Op is the row operation that produced an event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
)

// Event is one "something changed" signal.
type Event struct {
	Seq   int64     `json:"seq,omitempty"`
	Table Table     `json:"table"`
	Op    Op        `json:"op"`
	RowID string    `json:"row_id,omitempty"`
	At    time.Time `json:"at"`
}

// Subscriber delivers events until ctx is done or the transport fails,
// then closes the channel. A closed channel with ctx still live means the
// transport disconnected and the caller should resubscribe.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Publisher sends events to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Encode serializes ev for transports that carry events as text payloads.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode change event")
	}
	return data, nil
}

// Decode parses a payload written by Encode or by a database trigger.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errors.Wrapf(err, "failed to decode change event %q", truncate(data, 120))
	}
	if ev.Table == "" {
		return ev, errors.Newf("change event without table: %q", truncate(data, 120))
	}
	return ev, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
