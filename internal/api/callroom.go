package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/npezzotti/go-callroom/internal/config"
	"github.com/npezzotti/go-callroom/internal/server"
)

// CallRoomApp is the HTTP surface of the signaling relay: the WebSocket
// upgrade endpoint plus health and debug vars. Authentication happens
// upstream; the fronting session layer passes the verified identity in
// trusted headers.
type CallRoomApp struct {
	log            *log.Logger
	mux            *http.Server
	cs             *server.CallServer
	allowedOrigins []string
}

func NewCallRoomApp(mux *http.ServeMux, logger *log.Logger, cs *server.CallServer, cfg *config.Config) *CallRoomApp {
	s := &CallRoomApp{
		log:            logger,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.health)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *CallRoomApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *CallRoomApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
