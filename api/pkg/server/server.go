// Package server exposes the control plane: a JSON HTTP API mapping 1:1 to
// backend primitives plus the /ws live-debug broker.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/capture"
	"github.com/dosprobe/dosprobe/api/pkg/config"
	"github.com/dosprobe/dosprobe/api/pkg/system"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// Server is the probe control plane. It owns the single backend slot and
// fans backend events out to WebSocket subscribers.
type Server struct {
	cfg     config.ServerConfig
	holder  *backend.Holder
	factory backend.Factory
	runner  *capture.Runner
	golden  *capture.Golden
	broker  *Broker

	// pumpCancel stops the event pump feeding the broker from the
	// currently seated backend.
	pumpMu     sync.Mutex
	pumpCancel context.CancelFunc
}

// NewServer wires the control plane; no backend is seated until the first
// backend-select call (or an explicit Seat).
func NewServer(cfg config.ServerConfig, factory backend.Factory) *Server {
	runner := &capture.Runner{Dir: cfg.Paths.CapturesDir}
	s := &Server{
		cfg:     cfg,
		holder:  backend.NewHolder(),
		factory: factory,
		runner:  runner,
		golden:  &capture.Golden{Dir: cfg.Paths.GoldenDir, Runner: runner},
		broker:  NewBroker(),
	}
	runner.OnProgress = func(stage, detail string) {
		s.broker.Publish(ChannelCapture, captureProgressMessage{
			Type: "capture:progress", Stage: stage, Detail: detail,
		})
	}
	return s
}

// Seat assigns a backend into the holder, shutting down and unplumbing the
// previous one.
func (s *Server) Seat(ctx context.Context, b backend.Backend) {
	old := s.holder.Swap(b)
	if old != nil {
		if err := old.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("previous backend shutdown failed")
		}
	}

	s.pumpMu.Lock()
	if s.pumpCancel != nil {
		s.pumpCancel()
		s.pumpCancel = nil
	}
	if b != nil {
		pumpCtx, cancel := context.WithCancel(context.Background())
		s.pumpCancel = cancel
		go s.pumpEvents(pumpCtx, b)
	}
	s.pumpMu.Unlock()
}

// pumpEvents forwards one backend's event stream into the broker until the
// backend is unseated.
func (s *Server) pumpEvents(ctx context.Context, b backend.Backend) {
	events, cancel := b.Events().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broker.HandleBackendEvent(ev)
		}
	}
}

// current returns the seated backend or a typed no-backend error.
func (s *Server) current() (backend.Backend, error) {
	b := s.holder.Get()
	if b == nil {
		return nil, types.ErrNoBackend
	}
	return b, nil
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(metricsMiddleware)

	api := router.PathPrefix(system.APISubPath).Subrouter()

	api.HandleFunc("/backend", system.DefaultWrapper(s.getBackendStatus)).Methods(http.MethodGet)
	api.HandleFunc("/backend/select", system.Wrapper(s.selectBackend)).Methods(http.MethodPost)

	api.HandleFunc("/launch/defaults", system.DefaultWrapper(s.getLaunchDefaults)).Methods(http.MethodGet)
	api.HandleFunc("/launch", system.DefaultWrapper(s.launch)).Methods(http.MethodPost)
	api.HandleFunc("/launch", system.DefaultWrapper(s.shutdown)).Methods(http.MethodDelete)

	api.HandleFunc("/registers", system.DefaultWrapper(s.getRegisters)).Methods(http.MethodGet)
	api.HandleFunc("/memory/{addr}/{size}", s.readMemory).Methods(http.MethodGet)
	api.HandleFunc("/memory/{addr}", system.DefaultWrapper(s.writeMemory)).Methods(http.MethodPost)
	api.HandleFunc("/screenshot", s.screenshot).Methods(http.MethodGet)
	api.HandleFunc("/keys", system.DefaultWrapper(s.sendKeys)).Methods(http.MethodPost)

	api.HandleFunc("/breakpoints", system.DefaultWrapper(s.listBreakpoints)).Methods(http.MethodGet)
	api.HandleFunc("/breakpoints", system.DefaultWrapper(s.setBreakpoint)).Methods(http.MethodPost)
	api.HandleFunc("/breakpoints/{id}", system.DefaultWrapper(s.removeBreakpoint)).Methods(http.MethodDelete)

	api.HandleFunc("/execution/pause", system.DefaultWrapper(s.pause)).Methods(http.MethodPost)
	api.HandleFunc("/execution/resume", system.DefaultWrapper(s.resume)).Methods(http.MethodPost)
	api.HandleFunc("/execution/step", system.DefaultWrapper(s.step)).Methods(http.MethodPost)

	api.HandleFunc("/snapshots", system.DefaultWrapper(s.listSnapshots)).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", system.DefaultWrapper(s.snapshotOp)).Methods(http.MethodPost)
	api.HandleFunc("/states", system.DefaultWrapper(s.listSnapshots)).Methods(http.MethodGet)

	api.HandleFunc("/captures", system.DefaultWrapper(s.runCapture)).Methods(http.MethodPost)
	api.HandleFunc("/captures", system.DefaultWrapper(s.listCaptures)).Methods(http.MethodGet)
	api.HandleFunc("/golden/generate", system.DefaultWrapper(s.goldenGenerate)).Methods(http.MethodPost)
	api.HandleFunc("/golden/compare", system.DefaultWrapper(s.goldenCompare)).Methods(http.MethodPost)

	router.HandleFunc("/ws", s.handleWebSocket)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("control plane listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
