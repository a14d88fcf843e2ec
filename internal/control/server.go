// Package control exposes a small HTTP endpoint for a running job: the
// counters of the active pipelines and, when the job uses the in-process
// switch, suspend and resume.
//
// Routes:
//
//	GET  /healthz  → "ok"
//	GET  /status   → JSON snapshot of the active pipelines
//	POST /suspend  → sets the switch (409 without one)
//	POST /resume   → clears the switch (409 without one)
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"docfeed/internal/pipeline"
	"docfeed/internal/suspend"
)

// Reporter is the view of a running orchestrator the server needs.
type Reporter interface {
	Active() []pipeline.Stats
	Suspended() bool
}

// Config controls server startup.
type Config struct {
	Addr string
}

// Server serves the control routes. Attach may be called at any time; a
// scheduled job attaches each run's orchestrator.
type Server struct {
	cfg Config
	mux *http.ServeMux
	sw  *suspend.Switch

	mu  sync.RWMutex
	rep Reporter
}

// NewServer returns a Server. sw may be nil.
func NewServer(cfg Config, sw *suspend.Switch) *Server {
	s := &Server{cfg: cfg, mux: http.NewServeMux(), sw: sw}
	s.routes()
	return s
}

// Attach sets the orchestrator reported by /status.
func (s *Server) Attach(r Reporter) {
	s.mu.Lock()
	s.rep = r
	s.mu.Unlock()
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("control: listening on %s", s.cfg.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /suspend", s.handleSwitch(true))
	s.mux.HandleFunc("POST /resume", s.handleSwitch(false))
}

type taskStatus struct {
	Task        string `json:"task"`
	Rows        int64  `json:"rows"`
	RowErrors   int64  `json:"row_errors"`
	Documents   int64  `json:"documents"`
	Conflicts   int64  `json:"conflicts"`
	Skipped     int64  `json:"skipped"`
	Batches     int64  `json:"batches"`
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
	InFlight    int64  `json:"in_flight"`
	MaxInFlight int64  `json:"max_in_flight"`
	Elapsed     string `json:"elapsed"`
}

type status struct {
	Running   bool         `json:"running"`
	Suspended bool         `json:"suspended"`
	Switch    *bool        `json:"switch,omitempty"`
	Active    []taskStatus `json:"active"`
}

func (s *Server) snapshot(ctx context.Context) status {
	st := status{Active: []taskStatus{}}
	if s.sw != nil {
		on, _ := s.sw.Suspended(ctx)
		st.Switch = &on
	}

	s.mu.RLock()
	rep := s.rep
	s.mu.RUnlock()
	if rep == nil {
		return st
	}

	st.Running = true
	st.Suspended = rep.Suspended()
	for _, ps := range rep.Active() {
		st.Active = append(st.Active, taskStatus{
			Task:        ps.Task,
			Rows:        ps.Rows,
			RowErrors:   ps.RowErrors,
			Documents:   ps.Documents,
			Conflicts:   ps.Conflicts,
			Skipped:     ps.Skipped,
			Batches:     ps.Dispatch.Batches,
			Sent:        ps.Dispatch.Sent,
			Failed:      ps.Dispatch.Failed,
			InFlight:    ps.Dispatch.InFlight,
			MaxInFlight: ps.Dispatch.MaxInFlight,
			Elapsed:     ps.Elapsed.Truncate(time.Millisecond).String(),
		})
	}
	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].Task < st.Active[j].Task })
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
}

func (s *Server) handleSwitch(on bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sw == nil {
			http.Error(w, "suspension is not controlled by this process (suspend.kind is not \"switch\")", http.StatusConflict)
			return
		}
		s.sw.Set(on)
		log.Infof("control: switch suspended=%v from %s", on, r.RemoteAddr)
		writeJSON(w, http.StatusOK, s.snapshot(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("control: encode response: %v", err)
	}
}
