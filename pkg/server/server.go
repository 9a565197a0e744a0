// Package server provides the public entry point for initializing the
// Voxhall backend.
//
// This package exists in pkg/ (not internal/) so deployment wrappers can
// compose the server with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/api/handlers"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/conn"
	"github.com/voxhall/voxhall/internal/gateway"
	"github.com/voxhall/voxhall/internal/integrations"
	"github.com/voxhall/voxhall/internal/integrations/agenda"
	"github.com/voxhall/voxhall/internal/policy"
	"github.com/voxhall/voxhall/internal/secrets"
	"github.com/voxhall/voxhall/internal/store"
	"github.com/voxhall/voxhall/internal/telemetry"
	"github.com/voxhall/voxhall/internal/toolreg"
)

// Config is the public configuration for the backend server.
type Config struct {
	Port         int
	Version      string
	DatabaseURL  string
	SecretKey    string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized Voxhall backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory without DATABASE_URL).
	Store store.Store

	// Gateway routes tool calls from live voice sessions.
	Gateway *gateway.Gateway

	// Connections is the live tool server connection registry.
	Connections *conn.Registry

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc tears down connections and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		DatabaseURL:  cfg.Database.URL,
		SecretKey:    cfg.Secrets.Key,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all backend components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the backend with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, pubCfg.DatabaseURL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, err
	}

	codec, err := buildCodec(pubCfg.SecretKey)
	if err != nil {
		return nil, err
	}

	connections := conn.NewRegistry(dataStore, codec)

	tools, err := toolreg.NewRegistry(dataStore, connections,
		[]integrations.Integration{agenda.New(codec)}...)
	if err != nil {
		return nil, fmt.Errorf("init tool registry: %w", err)
	}
	// Tool lists refresh automatically whenever a server connects.
	connections.SetSyncHook(tools.Sync)

	gw := gateway.New(dataStore, connections, tools, policy.NewEngine(dataStore))
	log.Info().Msg("tool gateway initialized")

	h := handlers.New(dataStore, connections, tools, codec)
	router := api.NewRouter(cfg, h, dataStore)

	shutdown := func(ctx context.Context) error {
		connections.Shutdown(ctx)
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Gateway:      gw,
		Connections:  connections,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildStore selects PostgreSQL when a DATABASE_URL is configured and
// falls back to the zero-config in-memory store otherwise.
func buildStore(ctx context.Context, databaseURL string, maxConns int) (store.Store, error) {
	if databaseURL == "" {
		log.Info().Msg("in-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, databaseURL, maxConns)
	if err != nil {
		return nil, fmt.Errorf("init postgres store: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return pg, nil
}

// buildCodec uses the configured key, or an ephemeral one when none is
// set. Ephemeral keys mean stored credentials do not survive a restart.
func buildCodec(hexKey string) (*secrets.Codec, error) {
	if hexKey == "" {
		log.Warn().Msg("no secret key configured, credentials will not survive restarts")
		return secrets.NewEphemeralCodec(), nil
	}
	codec, err := secrets.NewCodec(hexKey)
	if err != nil {
		return nil, fmt.Errorf("init credential codec: %w", err)
	}
	return codec, nil
}
