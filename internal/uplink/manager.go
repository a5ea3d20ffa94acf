package uplink

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/session-observatory/daemon/internal/config"
)

// Manager owns one Client per configured relay target. Targets are read
// once at startup; their connection state is live via Status.
type Manager struct {
	clients []*Client
}

// NewManager builds clients for the given targets. A target missing its
// pylon id gets an ephemeral one so the relay can tell connections apart.
func NewManager(targets []config.RelayTarget) *Manager {
	m := &Manager{}
	for _, t := range targets {
		if t.PylonID == "" {
			t.PylonID = uuid.NewString()
		}
		m.clients = append(m.clients, NewClient(t))
	}
	return m
}

// Clients returns the per-target clients, for fan-out sink registration.
func (m *Manager) Clients() []*Client {
	return m.clients
}

// Run starts every client loop and blocks until the context ends and all
// loops have returned.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range m.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
}

// Status reports every target's connection state, ordered by pylon id.
func (m *Manager) Status() []TargetStatus {
	out := make([]TargetStatus, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PylonID < out[j].PylonID })
	return out
}
