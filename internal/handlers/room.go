package handlers

import (
	"log/slog"
	"net/http"

	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/models"
	"github.com/SteamVC/SteamVC_Room/backend/signal-server/internal/repo"
	"github.com/go-chi/chi/v5"
)

// RoomSource はルームの参加者一覧を参照するためのインターフェース
type RoomSource interface {
	Room(roomID string) ([]models.Member, bool)
}

// RoomHandler は運用者向けのルーム参照APIを提供します（読み取り専用）
type RoomHandler struct {
	rooms    RoomSource
	presence repo.PresenceRepo // nilの場合はプレゼンスの参照を無効化
	log      *slog.Logger
}

func NewRoomHandler(rooms RoomSource, presence repo.PresenceRepo, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{rooms: rooms, presence: presence, log: logger}
}

// Get はメモリ上のルームの参加者一覧を返します
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	members, ok := h.rooms.Room(roomId)
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"roomId": roomId, "participants": members})
}

// Presence はプレゼンスストア（Redis）にミラーされたルーム情報を返します
func (h *RoomHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		respondError(w, http.StatusNotFound, "presence disabled")
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok, err := h.presence.GetRoom(r.Context(), roomId)
	if err != nil {
		h.log.Error("get presence room error", "roomId", roomId, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	members, err := h.presence.ListMembers(r.Context(), roomId)
	if err != nil {
		h.log.Error("list presence members error", "roomId", roomId, "err", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room, "participants": members})
}
