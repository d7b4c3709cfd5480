package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/chat-relay/internal/config"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/upload"
)

type ChatRelayApp struct {
	log             *log.Logger
	srv             *http.Server
	cs              *server.ChatServer
	uploads         *upload.Store
	stats           stats.StatsProvider
	signingKey      []byte
	allowedOrigins  []string
	adminHash       []byte
	requireIdentity bool
}

func NewChatRelayApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, uploads *upload.Store, su stats.StatsProvider, cfg *config.Config) *ChatRelayApp {
	s := &ChatRelayApp{
		log:             logger,
		cs:              cs,
		uploads:         uploads,
		stats:           su,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		adminHash:       cfg.AdminPasswordHash,
		requireIdentity: cfg.RequireIdentity,
	}

	su.RegisterMetric(stats.Uploads)

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.identityMiddleware(s.serveWs))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("POST /api/upload", s.uploadFile)
	mux.Handle("GET "+upload.URLPrefix, http.StripPrefix(upload.URLPrefix, uploads.Handler()))
	mux.HandleFunc("GET /api/rooms", s.getRooms)
	mux.HandleFunc("POST /api/rooms", s.adminMiddleware(s.createRoom))
	mux.HandleFunc("DELETE /api/rooms", s.adminMiddleware(s.deleteRoom))
	mux.HandleFunc("GET /api/users", s.getUsers)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = handlers.CombinedLoggingHandler(logger.Writer(), h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatRelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatRelayApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatRelayApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
