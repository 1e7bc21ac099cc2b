package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/gochat-relay/internal/server"
)

const healthCheckTimeout = 2 * time.Second

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client, err := server.NewClient(conn, s.cs, s.log)
	if err != nil {
		s.log.Error().Err(err).Msg("new client")
		conn.Close()
		return
	}

	// a credential presented at upgrade time skips the auth frame
	if user, ok := UserFrom(r.Context()); ok {
		if err := client.Login(user); err != nil {
			s.log.Error().Err(err).Msg("login")
			conn.WriteJSON(server.ErrorMessage(0, err))
			conn.Close()
			return
		}
		client.QueueMessage(server.NoErrOK(0, user))
	}

	go client.Write()
	go client.Read()
}
