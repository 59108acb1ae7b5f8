package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/ws"
)

type Deps struct {
	Hub    *hub.Hub
	Rooms  RoomCreator
	WS     ws.Options
	Logger *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.WS.Logger = d.Logger.Named("ws")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger.Named("http")))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", CreateRoom(d.Rooms, d.Logger))
		r.Get("/{roomID}", GetRoom(d.Hub, d.Logger))
	})
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d.Hub, d.WS))
	return r
}

// requestLogger logs one line per request. Upgraded websockets log when they close.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("took", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
