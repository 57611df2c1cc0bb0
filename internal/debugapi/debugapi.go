// Package debugapi exposes a small introspection surface over HTTP:
// a JSON status snapshot and a websocket stream of display-state
// transitions, for use by developer tooling (spec.md Non-goals keep
// this out of the D-Bus request surface proper, but an ambient
// debug/introspection endpoint is standard daemon texture).
//
// The route layout and JSON status handler follow the teacher's
// Application.setupRoutes/handleStatus (gorilla/mux, a single status
// struct encoded straight to the response). The broadcast hub's
// mutex-guarded subscriber set mirrors the other_examples
// PauseManager's pattern of holding a lock only around state mutation
// and fanning a change out to listeners afterward.
package debugapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mced/display-core/internal/displaytypes"
)

// Snapshot is the subset of live daemon state the status endpoint and
// websocket stream report.
type Snapshot struct {
	DisplayState  string    `json:"display_state"`
	RendererState string    `json:"renderer_state"`
	CABCMode      string    `json:"cabc_mode,omitempty"`
	PauseClients  int       `json:"pause_clients"`
	ObservedAt    time.Time `json:"observed_at"`
}

// SnapshotFunc returns the current Snapshot; the server calls it fresh
// for every status request rather than caching one itself.
type SnapshotFunc func() Snapshot

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves /status and /stream on a single http.Server.
type Server struct {
	router   *mux.Router
	http     *http.Server
	snapshot SnapshotFunc
	log      logrus.FieldLogger

	mu   sync.Mutex
	subs map[chan Snapshot]struct{}
}

// New constructs a Server listening on addr (e.g. "127.0.0.1:8711").
// snapshot is consulted for /status and for each new /stream
// connection's initial frame.
func New(addr string, snapshot SnapshotFunc, log logrus.FieldLogger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		snapshot: snapshot,
		log:      log.WithField("component", "debugapi"),
		subs:     make(map[chan Snapshot]struct{}),
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	s.http = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start begins serving in a background goroutine. It does not block;
// callers learn of a listen failure through the returned error channel
// closing after at most one send.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.http.Addr).Info("debugapi listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown closes the HTTP server and its listeners immediately.
func (s *Server) Shutdown() error {
	return s.http.Close()
}

// Publish fans out a Snapshot to every connected /stream subscriber,
// dropping it for any subscriber whose send buffer is full rather than
// blocking the publisher (a slow debug client must never back-pressure
// the daemon).
func (s *Server) Publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			s.log.Warn("debugapi: dropping stream frame for slow subscriber")
		}
	}
}

// PublishDisplayState is a convenience wrapper used as a dsm publish
// callback: it re-reads the full Snapshot and fans it out.
func (s *Server) PublishDisplayState(displaytypes.DisplayState) {
	s.Publish(s.snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.log.WithError(err).Error("debugapi: encode status response")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("debugapi: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan Snapshot, 8)
	s.addSub(ch)
	defer s.removeSub(ch)

	if err := conn.WriteJSON(s.snapshot()); err != nil {
		return
	}

	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func (s *Server) addSub(ch chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ch] = struct{}{}
}

func (s *Server) removeSub(ch chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}
