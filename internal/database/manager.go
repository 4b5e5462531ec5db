package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "gridrelay/pkg/database"
)

// Manager implements the interfaces.Store audit persistence over SQLite.
// All writes flow through a single goroutine; SQLite allows only one
// writer, and serializing here keeps the relay's hot path from contending
// on the database lock.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the schema, and starts the
// write loop.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.ApplySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine, retrying
// each failed write once after a delay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("Database write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("write operation timeout")
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// RecordMarket upserts a market registration.
func (m *Manager) RecordMarket(ctx context.Context, marketID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO markets (id, registered_at) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET registered_at = excluded.registered_at
		`
		if _, err := db.ExecContext(ctx, query, marketID, time.Now()); err != nil {
			return fmt.Errorf("failed to upsert market: %w", err)
		}
		return nil
	})
}

// RecordParticipant upserts a participant for a market and marks it online.
func (m *Manager) RecordParticipant(ctx context.Context, marketID, participantID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO participants (market_id, participant_id, online, joined_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(market_id, participant_id) DO UPDATE SET online = 1, joined_at = excluded.joined_at
		`
		if _, err := db.ExecContext(ctx, query, marketID, participantID, time.Now()); err != nil {
			return fmt.Errorf("failed to upsert participant: %w", err)
		}
		return nil
	})
}

// SetParticipantOnline flips a participant's online flag.
func (m *Manager) SetParticipantOnline(ctx context.Context, marketID, participantID string, online bool) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `UPDATE participants SET online = ? WHERE market_id = ? AND participant_id = ?`
		if _, err := db.ExecContext(ctx, query, online, marketID, participantID); err != nil {
			return fmt.Errorf("failed to update participant: %w", err)
		}
		return nil
	})
}

// RecordSettlement records the final status of one settlement handshake.
// A replayed commit id keeps its first recorded status.
func (m *Manager) RecordSettlement(ctx context.Context, commitID, marketID, buyerID, sellerID, status string) error {
	return m.executeWrite(func(db *sql.DB) error {
		query := `
			INSERT INTO settlements (commit_id, market_id, buyer_id, seller_id, status, delivered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(commit_id) DO NOTHING
		`
		if _, err := db.ExecContext(ctx, query, commitID, marketID, buyerID, sellerID, status, time.Now()); err != nil {
			return fmt.Errorf("failed to insert settlement: %w", err)
		}
		return nil
	})
}

// SettlementStatus returns the recorded status for a commit id.
func (m *Manager) SettlementStatus(ctx context.Context, commitID string) (string, error) {
	var status string
	row := m.db.QueryRowContext(ctx, `SELECT status FROM settlements WHERE commit_id = ?`, commitID)
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrSettlementNotFound
		}
		return "", fmt.Errorf("failed to query settlement: %w", err)
	}
	return status, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := m.db.QueryContext(ctx, "SELECT COUNT(*) FROM markets LIMIT 1"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the write loop and the database connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
