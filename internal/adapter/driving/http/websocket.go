package http

import (
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to configured origins once a browser client ships.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS authenticates the request, upgrades it and serves the connection
// until it closes. Authentication failures are answered before the upgrade.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := h.Auth.Authenticate(r)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Rejecting unauthenticated upgrade")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := ws.NewClient(id, conn, h.Options)
	l := log.With().Str("identity", id.String()).Logger()
	l.Info().Msg("New client connected")

	h.Relay.Register(client)
	defer func() {
		h.Relay.Unregister(client)
		client.Close()
		l.Info().Uint64("dropped", client.Dropped()).Msg("Client disconnected")
	}()

	err = client.Run(r.Context(), func(env domain.Envelope) {
		if err := h.Relay.Route(client, env); err != nil {
			l.Debug().Err(err).Str("kind", string(env.Kind)).Str("target", env.TargetID.String()).Msg("Envelope not routed")
		}
	})
	if err != nil {
		l.Debug().Err(err).Msg("Connection ended with error")
	}
}
