// Package fanout drives the tick loop and distributes snapshots: SSE
// streams for local subscribers, plus any registered sinks (uplinks).
// The loop only runs while someone is listening.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/session-observatory/daemon/internal/dashboard"
)

// Sink receives fresh snapshots; uplink targets implement this. A
// registered sink counts as an audience even while its connection is
// down, so it has current state to forward the moment it reconnects.
type Sink interface {
	// Push hands over a new snapshot. Must not block the tick.
	Push(snap *dashboard.Snapshot)
}

// message is one SSE frame ready to write.
type message struct {
	id   string
	data []byte
}

type subscriber struct {
	ch chan message
}

// Ticker builds and distributes snapshots. The builder mutates shared
// state (label store, discoverer, previous-tick maps), so every build —
// the tick loop's and the on-demand ones — holds buildMu.
type Ticker struct {
	build    func(ctx context.Context) *dashboard.Snapshot
	interval time.Duration
	now      func() time.Time

	buildMu sync.Mutex

	mu        sync.RWMutex
	subs      map[*subscriber]bool
	sinks     []Sink
	lastSnap  *dashboard.Snapshot
	lastJSON  []byte
	lastBuilt time.Time
	nextID    uint64
}

func NewTicker(build func(ctx context.Context) *dashboard.Snapshot, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{
		build:    build,
		interval: interval,
		now:      time.Now,
		subs:     make(map[*subscriber]bool),
	}
}

// SetClock replaces the time source, for tests.
func (t *Ticker) SetClock(now func() time.Time) { t.now = now }

// AddSink registers an uplink target.
func (t *Ticker) AddSink(s Sink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
}

// Run drives the loop until the context is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.closeAll()
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick builds one snapshot and pushes it if its serialization changed.
// An idle daemon skips the build entirely.
func (t *Ticker) tick(ctx context.Context) {
	if !t.hasAudience() {
		return
	}

	t.buildMu.Lock()
	snap := t.build(ctx)
	t.buildMu.Unlock()
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[fanout] snapshot marshal failed: %v", err)
		return
	}

	t.mu.Lock()
	t.lastBuilt = t.now()
	if bytes.Equal(data, t.lastJSON) {
		t.mu.Unlock()
		return
	}
	t.lastSnap = snap
	t.lastJSON = data
	t.nextID++
	id := strconv.FormatUint(t.nextID, 10)

	subs := make([]*subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	sinks := append([]Sink(nil), t.sinks...)
	t.mu.Unlock()

	msg := message{id: id, data: data}
	for _, s := range subs {
		select {
		case s.ch <- msg:
		default:
			log.Printf("[fanout] subscriber too slow, dropping")
			t.unsubscribe(s)
		}
	}
	for _, sink := range sinks {
		sink.Push(snap)
	}
}

func (t *Ticker) hasAudience() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs) > 0 || len(t.sinks) > 0
}

// Current returns the latest snapshot. While the loop runs the cached
// tick value serves; on an idle loop a snapshot older than one interval
// is rebuilt on demand, serialized with the tick goroutine.
func (t *Ticker) Current(ctx context.Context) *dashboard.Snapshot {
	t.mu.RLock()
	snap := t.lastSnap
	fresh := snap != nil &&
		(len(t.subs) > 0 || len(t.sinks) > 0 || t.now().Sub(t.lastBuilt) < t.interval)
	t.mu.RUnlock()
	if fresh {
		return snap
	}

	t.buildMu.Lock()
	defer t.buildMu.Unlock()

	// Another caller may have rebuilt while we waited for the lock.
	t.mu.RLock()
	snap = t.lastSnap
	if snap != nil && t.now().Sub(t.lastBuilt) < t.interval {
		t.mu.RUnlock()
		return snap
	}
	t.mu.RUnlock()

	snap = t.build(ctx)
	data, err := json.Marshal(snap)
	if err != nil {
		return snap
	}
	t.mu.Lock()
	t.lastSnap = snap
	t.lastJSON = data
	t.lastBuilt = t.now()
	t.mu.Unlock()
	return snap
}

// subscribe registers an SSE subscriber and returns its channel plus the
// initial full snapshot message.
func (t *Ticker) subscribe(ctx context.Context) (*subscriber, message) {
	snap := t.Current(ctx)
	data, _ := json.Marshal(snap)

	s := &subscriber{ch: make(chan message, 16)}
	t.mu.Lock()
	t.subs[s] = true
	id := strconv.FormatUint(t.nextID, 10)
	t.mu.Unlock()
	return s, message{id: id, data: data}
}

func (t *Ticker) unsubscribe(s *subscriber) {
	t.mu.Lock()
	if t.subs[s] {
		delete(t.subs, s)
		close(s.ch)
	}
	t.mu.Unlock()
}

func (t *Ticker) closeAll() {
	t.mu.Lock()
	for s := range t.subs {
		delete(t.subs, s)
		close(s.ch)
	}
	t.mu.Unlock()
}

// SubscriberCount reports the number of live SSE subscribers.
func (t *Ticker) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
