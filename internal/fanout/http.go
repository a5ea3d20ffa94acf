package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/session-observatory/daemon/internal/dashboard"
	"github.com/session-observatory/daemon/internal/feed"
	"github.com/session-observatory/daemon/internal/planhist"
	"github.com/session-observatory/daemon/internal/sessions"
	"github.com/session-observatory/daemon/internal/uplink"
)

// Server exposes the local HTTP surface: the SSE stream plus the REST
// views over the current snapshot and its sub-resources.
type Server struct {
	ticker  *Ticker
	cache   *sessions.Cache
	feedLog *feed.Log
	hist    *planhist.Index
	uplinks *uplink.Manager // nil when no relay targets are configured
}

func NewServer(ticker *Ticker, cache *sessions.Cache, feedLog *feed.Log, hist *planhist.Index, uplinks *uplink.Manager) *Server {
	return &Server{ticker: ticker, cache: cache, feedLog: feedLog, hist: hist, uplinks: uplinks}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/feed", s.handleFeed)
	mux.HandleFunc("GET /api/collisions", s.handleCollisions)
	mux.HandleFunc("GET /api/active", s.handleActive)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/plans", s.handlePlans)
	mux.HandleFunc("GET /api/plans/session/{id}", s.handleSessionPlans)
	mux.HandleFunc("GET /api/uplinks", s.handleUplinks)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleStream is the SSE endpoint: the current snapshot immediately,
// then every change until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub, initial := s.ticker.subscribe(r.Context())
	defer s.ticker.unsubscribe(sub)

	writeEvent(w, initial)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub.ch:
			if !open {
				return
			}
			writeEvent(w, msg)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg message) {
	fmt.Fprintf(w, "id: %s\nevent: state\ndata: %s\n\n", msg.id, msg.data)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ticker.Current(r.Context()))
}

func (s *Server) handleFeed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.feedLog.Snapshot())
}

func (s *Server) handleCollisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ticker.Current(r.Context()).Collisions)
}

// handleActive lists the agents currently attributed to a running
// process.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	snap := s.ticker.Current(r.Context())
	active := make([]dashboard.Agent, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		if a.Active {
			active = append(active, a)
		}
	}
	writeJSON(w, active)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.cache.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, session)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	s.hist.Refresh(false)

	q := planhist.ListQuery{
		ProjectPath: r.URL.Query().Get("projectPath"),
		SessionID:   r.URL.Query().Get("sessionId"),
		Status:      r.URL.Query().Get("status"),
		Cursor:      r.URL.Query().Get("cursor"),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.From = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.To = t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	writeJSON(w, s.hist.List(q))
}

func (s *Server) handleUplinks(w http.ResponseWriter, _ *http.Request) {
	if s.uplinks == nil {
		writeJSON(w, []uplink.TargetStatus{})
		return
	}
	writeJSON(w, s.uplinks.Status())
}

func (s *Server) handleSessionPlans(w http.ResponseWriter, r *http.Request) {
	s.hist.Refresh(false)
	plans, ok := s.hist.ListSession(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, plans)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
