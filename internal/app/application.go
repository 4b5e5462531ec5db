package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"gridrelay/internal/api"
	"gridrelay/internal/broker"
	"gridrelay/internal/config"
	"gridrelay/internal/database"
	"gridrelay/internal/hub"
	"gridrelay/internal/relay"
	"gridrelay/internal/settlement"
	"gridrelay/internal/websocket"
	pkgdatabase "gridrelay/pkg/database"
)

// Application wires all relay components together.
// Initialization order: Database → Broker/Tracker → Relay → Hub → API → HTTP.
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	broker     *broker.Broker
	tracker    *settlement.Tracker
	eventRelay *relay.Relay
	relayHub   *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	quitOnce sync.Once
	quitCh   chan struct{}
}

// NewApplication creates an application instance with all components
// initialized but not yet started.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	sessionBroker := broker.NewBroker()
	tracker := settlement.NewTracker()

	app := &Application{
		config:    cfg,
		dbManager: dbManager,
		broker:    sessionBroker,
		tracker:   tracker,
		quitCh:    make(chan struct{}),
	}

	app.eventRelay = relay.NewRelay(sessionBroker, tracker, dbManager, relay.Options{
		SettlementTTL:        cfg.Settlement.TTL,
		SweepInterval:        cfg.Settlement.SweepInterval,
		ShutdownPollInterval: cfg.Shutdown.PollInterval,
		ShutdownPollJitter:   cfg.Shutdown.PollJitter,
		Quit:                 app.requestQuit,
	})

	app.relayHub = hub.NewHub(app.eventRelay)
	app.apiServer = api.NewServer(dbManager, sessionBroker)

	wsHandler := websocket.NewHandler(app.relayHub, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", app.apiServer)
	mux.Handle("/health", app.apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start begins application execution: hub first so events can flow, then
// the HTTP server.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting gridrelay on %s", app.httpServer.Addr)

	if err := app.relayHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	app.eventRelay.Start(ctx)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		_ = app.relayHub.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("gridrelay started")
		return nil
	case <-ctx.Done():
		_ = app.relayHub.Stop()
		return ctx.Err()
	}
}

// Stop shuts the application down in reverse dependency order:
// HTTP → Hub → Database.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down gridrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := app.relayHub.Stop(); err != nil {
		log.Printf("Hub shutdown error: %v", err)
	}
	if err := app.dbManager.Close(); err != nil {
		log.Printf("Database shutdown error: %v", err)
	}

	log.Printf("gridrelay shutdown complete")
	return nil
}

// Done closes once the shutdown watchdog has observed an empty session
// registry after end_simulation.
func (app *Application) Done() <-chan struct{} {
	return app.quitCh
}

// GetAddr returns the server address for external connections.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}

func (app *Application) requestQuit() {
	app.quitOnce.Do(func() {
		close(app.quitCh)
	})
}
