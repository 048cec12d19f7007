// Package inspect is an optional reactor exposing the plant over HTTP:
// registration and peer snapshots as JSON, and a live WebSocket stream of
// reaction statistics.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voltgrid/voltgrid"
)

// statRecord is the wire form of one statistics event.
type statRecord struct {
	Identifier []string  `json:"identifier"`
	ReactionID uint64    `json:"reaction_id"`
	TaskID     uint64    `json:"task_id"`
	Priority   int       `json:"priority"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Worker     int       `json:"worker"`
	Exception  string    `json:"exception,omitempty"`
}

// Reactor serves the introspection surface. Install it like any other
// reactor; the HTTP server runs between Startup and Shutdown.
type Reactor struct {
	addr string

	env *voltgrid.Environment
	srv *http.Server

	mu       sync.RWMutex
	sessions map[uuid.UUID]chan statRecord

	upgrader websocket.Upgrader
}

// New builds an inspect reactor listening on addr.
func New(addr string) *Reactor {
	return &Reactor{
		addr:     addr,
		sessions: make(map[uuid.UUID]chan statRecord),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Setup registers the statistics tap and ties the HTTP server to the plant
// lifecycle.
func (r *Reactor) Setup(env *voltgrid.Environment) error {
	r.env = env

	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/reactions", r.handleReactions)
	router.Get("/peers", r.handlePeers)
	router.Get("/events", r.handleEvents)
	r.srv = &http.Server{Addr: r.addr, Handler: router}

	voltgrid.On(env, r.onStats,
		voltgrid.WithName("Inspect Statistics Tap"),
		voltgrid.WithPriority(voltgrid.PriorityIdle))

	voltgrid.On(env, func(voltgrid.Startup) error {
		go func() {
			if err := r.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.Log().Error("inspect server failed", "err", err)
			}
		}()
		env.Log().Info("inspect listening", "addr", r.addr)
		return nil
	})

	voltgrid.On(env, func(voltgrid.Shutdown) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return r.srv.Shutdown(ctx)
	})

	return nil
}

func (r *Reactor) onStats(st voltgrid.ReactionStatistics) error {
	rec := statRecord{
		Identifier: st.Identifier,
		ReactionID: st.ReactionID,
		TaskID:     st.TaskID,
		Priority:   st.Priority,
		Started:    st.Started,
		Finished:   st.Finished,
		Worker:     st.Worker,
	}
	if st.Exception != nil {
		rec.Exception = st.Exception.Error()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, mailbox := range r.sessions {
		select {
		case mailbox <- rec:
		default:
			// A slow viewer drops records rather than stalling the tap.
		}
	}
	return nil
}

func (r *Reactor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (r *Reactor) handleReactions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.env.Plant().Reactions())
}

func (r *Reactor) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.env.Plant().NetworkPeers())
}

// handleEvents upgrades to WebSocket and pumps statistics records until
// the client goes away.
func (r *Reactor) handleEvents(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.env.Log().Error("ws upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	id := uuid.New()
	mailbox := make(chan statRecord, 256)

	r.mu.Lock()
	r.sessions[id] = mailbox
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	}()

	r.env.Log().Info("inspect viewer connected", "session_id", id)

	for {
		select {
		case <-req.Context().Done():
			return
		case rec := <-mailbox:
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
