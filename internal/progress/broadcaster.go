// Package progress fans out import progress snapshots to the clients
// watching an upload.
package progress

import (
	"sync"
	"sync/atomic"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/rs/zerolog"
)

// TopicPrefix is prepended to a file ID to name its progress channel
const TopicPrefix = "upload-progress-"

// Topic returns the channel name of a file, e.g. "upload-progress-<fileId>"
func Topic(fileID string) string {
	return TopicPrefix + fileID
}

// Subscription receives the events published for one file
type Subscription struct {
	ID     string
	FileID string
	events chan models.ProgressEvent
}

// Events returns the delivery channel. It is closed on Unsubscribe or when
// the file's room is closed.
func (s *Subscription) Events() <-chan models.ProgressEvent {
	return s.events
}

type room struct {
	subscribers map[string]*Subscription
	last        *models.ProgressEvent
}

// Stats is a point-in-time view of the broadcaster
type Stats struct {
	Rooms       int   `json:"rooms"`
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Broadcaster routes progress events to the subscribers of a file ID.
// Publish never blocks: each subscriber has a bounded buffer and the oldest
// queued event is dropped when it is full.
type Broadcaster struct {
	mu         sync.Mutex
	rooms      map[string]*room
	bufferSize int
	published  atomic.Int64
	dropped    atomic.Int64
	log        zerolog.Logger
}

// NewBroadcaster creates a broadcaster with per-subscriber buffers of bufferSize
func NewBroadcaster(bufferSize int, log zerolog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broadcaster{
		rooms:      make(map[string]*room),
		bufferSize: bufferSize,
		log:        log.With().Str("component", "progress").Logger(),
	}
}

// Subscribe joins the room of fileID. The room's last event, if any, is
// queued immediately. Subscribing again with the same ID replaces the
// previous subscription.
func (b *Broadcaster) Subscribe(fileID, subscriberID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.room(fileID)
	if old, ok := r.subscribers[subscriberID]; ok {
		close(old.events)
	}

	sub := &Subscription{
		ID:     subscriberID,
		FileID: fileID,
		events: make(chan models.ProgressEvent, b.bufferSize),
	}
	if r.last != nil {
		sub.events <- *r.last
	}
	r.subscribers[subscriberID] = sub

	b.log.Debug().
		Str("file_id", fileID).
		Str("subscriber_id", subscriberID).
		Int("subscribers", len(r.subscribers)).
		Msg("Subscriber joined")

	return sub
}

// Unsubscribe leaves the room and closes the subscription channel
func (b *Broadcaster) Unsubscribe(fileID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[fileID]
	if !ok {
		return
	}
	sub, ok := r.subscribers[subscriberID]
	if !ok {
		return
	}
	close(sub.events)
	delete(r.subscribers, subscriberID)

	// rooms nobody published to are only kept alive by their subscribers
	if len(r.subscribers) == 0 && r.last == nil {
		delete(b.rooms, fileID)
	}
}

// Publish delivers ev to every subscriber of fileID and returns how many
// subscribers it was queued for. The event is retained for late subscribers
// until the room is closed.
func (b *Broadcaster) Publish(fileID string, ev models.ProgressEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.room(fileID)
	retained := ev
	retained.Errors = append([]string(nil), ev.Errors...)
	r.last = &retained

	for _, sub := range r.subscribers {
		b.offer(sub, retained)
	}
	b.published.Add(1)

	return len(r.subscribers)
}

// offer queues ev, discarding the oldest queued event when the buffer is
// full. Only Publish sends and it holds b.mu, so after one receive the
// second send always has room.
func (b *Broadcaster) offer(sub *Subscription, ev models.ProgressEvent) {
	select {
	case sub.events <- ev:
		return
	default:
	}

	select {
	case <-sub.events:
		b.dropped.Add(1)
	default:
	}

	select {
	case sub.events <- ev:
	default:
		b.dropped.Add(1)
	}
}

// Close closes every subscription of fileID and releases the room
func (b *Broadcaster) Close(fileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[fileID]
	if !ok {
		return
	}
	for _, sub := range r.subscribers {
		close(sub.events)
	}
	delete(b.rooms, fileID)

	b.log.Debug().Str("file_id", fileID).Msg("Room closed")
}

// Last returns the retained event of an open room
func (b *Broadcaster) Last(fileID string) (models.ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rooms[fileID]
	if !ok || r.last == nil {
		return models.ProgressEvent{}, false
	}
	return *r.last, true
}

// Stats returns room and delivery counters
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Rooms:     len(b.rooms),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
	for _, r := range b.rooms {
		stats.Subscribers += len(r.subscribers)
	}
	return stats
}

func (b *Broadcaster) room(fileID string) *room {
	r, ok := b.rooms[fileID]
	if !ok {
		r = &room{subscribers: make(map[string]*Subscription)}
		b.rooms[fileID] = r
	}
	return r
}
