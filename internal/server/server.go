package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ButyrinIA/blogclient/internal/config"
	"github.com/ButyrinIA/blogclient/internal/content"
	"github.com/ButyrinIA/blogclient/internal/logger"
	"github.com/ButyrinIA/blogclient/internal/orchestration"
	"github.com/ButyrinIA/blogclient/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps - то, что сервер показывает наружу: оркестрация и два хранилища состояния.
type Deps struct {
	Orchestrator *orchestration.Orchestrator
	Session      *session.Store
	Content      *content.Store
	Gatherer     prometheus.Gatherer
	// Objects отдает объекты по подписанным URL (бэкенд в памяти). Монтируется на ObjectsPrefix.
	Objects       http.Handler
	ObjectsPrefix string
}

// Server - HTTP-интерфейс поверх оркестрации и хранилищ.
type Server struct {
	cfg      *config.Config
	deps     Deps
	handler  http.Handler
	upgrader websocket.Upgrader
	log      zerolog.Logger
	http     *http.Server
}

// New создает сервер и его маршруты.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  logger.Component("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	r.HandleFunc("/auth/signout", s.handleSignOut).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.deps.Objects != nil && s.deps.ObjectsPrefix != "" {
		prefix := "/" + strings.Trim(s.deps.ObjectsPrefix, "/")
		r.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, s.deps.Objects))
	}

	api := r.NewRoute().Subrouter()
	api.Use(s.guard)
	api.HandleFunc("/posts", s.handleListPosts).Methods(http.MethodGet)
	api.HandleFunc("/posts", s.handleCreatePost).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}", s.handleReadPost).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}", s.handleUpdatePost).Methods(http.MethodPut)
	api.HandleFunc("/posts/{id}", s.handleDeletePost).Methods(http.MethodDelete)
	api.HandleFunc("/posts/{id}/comments", s.handleCreateComment).Methods(http.MethodPost)
	api.HandleFunc("/posts/{id}/comments/{commentID}", s.handleUpdateComment).Methods(http.MethodPut)
	api.HandleFunc("/posts/{id}/comments/{commentID}", s.handleDeleteComment).Methods(http.MethodDelete)
	api.HandleFunc("/uploads", s.handleUpload).Methods(http.MethodPost)

	return r
}

// Run слушает порт из конфигурации до вызова Shutdown.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", s.http.Addr).Msg("HTTP сервер запущен")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// guard повторяет защиту маршрутов клиента: пока сессия не инициализирована - 503,
// без личности - 401 с адресом входа.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch s.deps.Session.Guard() {
		case session.GuardPending:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		case session.GuardRedirect:
			writeJSON(w, http.StatusUnauthorized, map[string]string{"redirect": "/signin"})
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Запрос обработан")
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("WebSocket с неразрешенного origin отклонен")
	return false
}
