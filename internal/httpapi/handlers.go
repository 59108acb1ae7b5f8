package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/planning-poker/internal/engine"
	"github.com/DoyleJ11/planning-poker/internal/hub"
	"github.com/DoyleJ11/planning-poker/internal/store"
	"github.com/DoyleJ11/planning-poker/internal/types"
)

// RoomCreator makes new rooms with server-assigned ids.
type RoomCreator interface {
	Create(ctx context.Context, name, createdBy string) (engine.Room, error)
}

type createRoomRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"createdBy"`
}

type createRoomResponse struct {
	ID string `json:"id"`
}

type roomResponse struct {
	Version int                `json:"version"`
	Room    types.RoomSnapshot `json:"room"`
}

func CreateRoom(st RoomCreator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<14)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, types.CodeBadRequest, "bad json")
			return
		}

		room, err := st.Create(r.Context(), req.Name, req.CreatedBy)
		switch {
		case errors.Is(err, store.ErrInvalidRoom):
			writeError(w, http.StatusBadRequest, types.CodeValidation, err.Error())
			return
		case err != nil:
			log.Error("create room failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "failed to create room")
			return
		}

		log.Info("room created", zap.String("room_id", room.ID), zap.String("created_by", room.CreatedBy))
		writeJSON(w, http.StatusCreated, createRoomResponse{ID: room.ID})
	}
}

// GetRoom serves the live room with every unrevealed vote hidden.
func GetRoom(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "roomID")
		lb, err := h.Get(r.Context(), id)
		if errors.Is(err, hub.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, err.Error())
			return
		}
		if err != nil {
			log.Warn("room lookup failed", zap.String("room_id", id), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "unavailable", "room unavailable")
			return
		}

		v, err := lb.View(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "room unavailable")
			return
		}
		writeJSON(w, http.StatusOK, roomResponse{Version: v.Version, Room: types.Render(v.Room, "")})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorData{Code: code, Message: message})
}
