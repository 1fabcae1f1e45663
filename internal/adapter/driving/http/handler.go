package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Relay   *service.Relay
	Auth    port.Authenticator
	Options ws.Options
}

func NewHandler(relay *service.Relay, auth port.Authenticator, opts ws.Options) *Handler {
	return &Handler{
		Relay:   relay,
		Auth:    auth,
		Options: opts,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)
	r.Get("/presence/{identity}", h.Presence)

	return r
}

type presenceDTO struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// Presence reports whether an identity has a live connection. The caller
// must itself be authenticated.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Auth.Authenticate(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := domain.UserID(chi.URLParam(r, "identity"))
	if id == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, presenceDTO{Identity: id.String(), Online: h.Relay.IsOnline(id)})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": h.Relay.Online()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Writing response")
	}
}
