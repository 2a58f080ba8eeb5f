package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/rwdstudio/cohortengine/pkg/config"
)

// Client represents a local SQLite claims database client. Used for demo
// datasets and offline runs; the production store is PostgreSQL.
type Client struct {
	db *sql.DB
}

// NewClient opens the SQLite database file
func NewClient(cfg *config.Database) (*Client, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite is single-writer; keep the pool at one connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", cfg.Path, err)
	}

	log.Info().Str("path", cfg.Path).Msg("opened sqlite database")
	return &Client{db: db}, nil
}

// DB returns the underlying database connection
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies the connection to the database
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
