// Package daemon serves one long-lived Router over HTTP with SSE and
// WebSocket push of session lifecycle events.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/cdispatch/internal/logging"
	"github.com/theirongolddev/cdispatch/internal/model"
	"github.com/theirongolddev/cdispatch/internal/process"
	"github.com/theirongolddev/cdispatch/internal/router"
)

// Config controls the daemon runtime behavior.
type Config struct {
	Addr         string
	EventsBuffer int
}

// Store is the read side of the session store served by the API.
type Store interface {
	ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, bool, error)
	GetSessionStats(ctx context.Context, sessionID string) (model.SessionStats, bool, error)
	GetSessionLogs(ctx context.Context, sessionID string) ([]model.SessionLog, error)
	GetQualityChecks(ctx context.Context, sessionID string) ([]model.QualityCheck, error)
	GetAggregatedStats(ctx context.Context, f model.AggregateFilter) (model.AggregatedStats, error)
}

// Event is emitted whenever a supervised session changes status.
type Event struct {
	ID        int64         `json:"id"`
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Session   process.Event `json:"session"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time `json:"started_at"`
	Addr            string    `json:"addr"`
	ActiveSessions  []string  `json:"active_sessions"`
	Capacity        int       `json:"capacity"`
	EventCount      int       `json:"event_count"`
	SubscriberCount int       `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg   Config
	store Store
	log   *logrus.Entry

	mu          sync.RWMutex
	startedAt   time.Time
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a new daemon service with the provided config.
func New(cfg Config, store Store) *Service {
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		log:       logging.NewLogger("daemon"),
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}
}

// Observe records a supervisor status change. Pass it to
// process.WithStatusObserver.
func (s *Service) Observe(pe process.Event) {
	s.publishEvent("session_status", pe)
}

// Run serves the API until ctx is canceled, then terminates live sessions.
func (s *Service) Run(ctx context.Context, r *router.Router) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(r),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.WithField("addr", s.cfg.Addr).Info("daemon listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		serr := server.Shutdown(shutdownCtx)
		if err := r.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("sessions still running at shutdown")
		}
		return serr
	case err := <-errCh:
		return fmt.Errorf("daemon http server: %w", err)
	}
}

// Handler builds the API mux around r.
func (s *Service) Handler(r *router.Router) http.Handler {
	a := &api{svc: s, router: r}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", a.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	mux.HandleFunc("GET /v1/providers", a.handleProviders)
	mux.HandleFunc("GET /v1/stats", a.handleStats)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/logs", a.handleLogs)
	mux.HandleFunc("POST /v1/run", a.handleRun)
	mux.HandleFunc("POST /v1/sessions/{id}/send", a.handleSend)
	mux.HandleFunc("POST /v1/sessions/{id}/terminate", a.handleTerminate)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", a.handlePause)
	mux.HandleFunc("POST /v1/sessions/{id}/unpause", a.handleUnpause)
	mux.HandleFunc("POST /v1/sessions/{id}/wait", a.handleWait)
	return mux
}

// publishEvent assigns the next ID and fans the event out. IDs are assigned
// under the same lock as the append so subscribers see them in order.
func (s *Service) publishEvent(typ string, pe process.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	ev := Event{
		ID:        s.nextEventID,
		Type:      typ,
		Timestamp: pe.Time,
		Session:   pe,
	}
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Service) recentEvents(after int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	writeJSON(w, http.StatusOK, s.recentEvents(after))
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Replay what the client missed when it reconnects with Last-Event-ID.
	if last, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		for _, ev := range s.recentEvents(last) {
			writeSSE(w, ev)
		}
	}
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "id: %d\n", ev.ID)
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

const wsWriteTimeout = 10 * time.Second

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// checkOrigin admits non-browser clients and same-host pages only.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
