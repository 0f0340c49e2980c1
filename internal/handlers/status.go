package handlers

import (
	"net/http"
	"time"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/protocol"
)

// StatsSource はルーム数・接続数を返すインターフェース
type StatsSource interface {
	Stats() models.Stats
}

// StatusHandler は運用者向けの状態参照APIを提供します
type StatusHandler struct {
	stats    StatsSource
	hub      *Hub
	started  time.Time
	presence bool
	now      func() time.Time
}

func NewStatusHandler(stats StatsSource, hub *Hub, started time.Time, presence bool) *StatusHandler {
	return &StatusHandler{stats: stats, hub: hub, started: started, presence: presence, now: time.Now}
}

type healthResponse struct {
	Status    string  `json:"status"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"` // 起動からの経過秒数
	Rooms     int     `json:"rooms"`
	Users     int     `json:"users"`
}

// Health はルーム数・接続数・稼働時間を返します
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	s := h.stats.Stats()
	respondJSON(w, http.StatusOK, healthResponse{
		Status:    "OK",
		Timestamp: protocol.Timestamp(now),
		Uptime:    now.Sub(h.started).Seconds(),
		Rooms:     s.Rooms,
		Users:     s.Connections,
	})
}

// Stats はHealthの内容に加えてトランスポートとプレゼンスの状態を返します
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s := h.stats.Stats()
	presence := "disabled"
	if h.presence {
		presence = "redis"
	}
	sockets := 0
	if h.hub != nil {
		sockets = h.hub.Len()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rooms":       s.Rooms,
		"connections": s.Connections,
		"sockets":     sockets,
		"uptimeSec":   int64(h.now().Sub(h.started).Seconds()),
		"presence":    presence,
	})
}
