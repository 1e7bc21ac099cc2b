package api

import (
	"net/http"
	"testing"

	"github.com/npezzotti/gochat-relay/internal/config"
	"github.com/npezzotti/gochat-relay/internal/database"
	"github.com/npezzotti/gochat-relay/internal/server"
	"github.com/npezzotti/gochat-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewGoChatApp(t *testing.T) {
	logger := testutil.TestLogger(t)
	cs := &server.ChatServer{}
	store := &database.MockStore{}
	cfg := &config.Config{
		ServerAddr:     "localhost:8080",
		SigningKey:     []byte("secret"),
		AllowedOrigins: []string{"http://localhost:3000"},
	}

	app := NewGoChatApp(http.NewServeMux(), logger, cs, store, cfg)

	assert.NotNil(t, app, "expected app to be initialized")
	assert.NotNil(t, app.mux, "expected mux to be initialized")
	assert.NotNil(t, app.Handler(), "expected handler to be set")
	assert.Equal(t, store, app.store, "expected store to be set")
	assert.Equal(t, cs, app.cs, "expected chat server to be set")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins, "expected allowed origins to be set")
	assert.Equal(t, cfg.ServerAddr, app.mux.Addr, "expected server address to match config")
}
