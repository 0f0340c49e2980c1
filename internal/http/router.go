package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter はWebSocketエンドポイントと運用者向けAPIのルーターを作成します
// allowedOrigins が空の場合は全てのOriginを許可します（Cookieは送らない前提）
func NewRouter(rooms *handlers.RoomHandler, status *handlers.StatusHandler, ws *handlers.WebSocketHandler, allowedOrigins []string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(logger), middleware.Recoverer)

	corsOpts := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}
	if len(allowedOrigins) > 0 {
		corsOpts.AllowedOrigins = allowedOrigins
		corsOpts.AllowCredentials = true
	}
	r.Use(cors.Handler(corsOpts))

	// WebSocketエンドポイント（/socket は旧クライアント互換）
	r.Get("/ws", ws.HandleWebSocket)
	r.Get("/socket", ws.HandleWebSocket)

	r.Get("/health", status.Health)
	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", status.Stats)
		r.Get("/rooms/{roomId}", rooms.Get)
		r.Get("/rooms/{roomId}/presence", rooms.Presence)
	})

	return r
}

// requestLogger はリクエストごとにメソッド・パス・ステータス・所要時間を記録します
// middleware.WrapResponseWriter はHijackを保持するため、WebSocketのアップグレードを妨げません
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
