package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the chi router with every application route.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.HealthHandler)
	r.Get("/healthz", s.HealthzHandler)
	r.Get("/test", s.TestPageHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Get("/", s.RoomsHandler)
		r.Get("/{room}/users", s.RoomUsersHandler)
		r.Get("/{room}/messages", s.RoomMessagesHandler)
	})
	return r
}

// requestLogger logs one line per request once the handler returns.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("HTTP request")
	})
}
