package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetDB returns the underlying database connection
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.Host == "" && config.DatabaseURL == "" {
		return nil, fmt.Errorf("database host is required")
	}

	// Defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	// If DATABASE_URL is provided, use it with default config
	if url := os.Getenv("DATABASE_URL"); url != "" {
		config := &Config{
			DatabaseURL:  url,
			MaxIdleConns: 10,
			MaxOpenConns: 25,
			MaxLifetime:  20 * time.Minute,
		}
		return New(config)
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     getEnvWithDefault("POSTGRES_PORT", "5432"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  getEnvWithDefault("POSTGRES_SSL_MODE", "disable"),
	}

	return New(config)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// Ping checks the database connection health
func (d *DB) Ping(ctx context.Context) error {
	return d.client.PingContext(ctx)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Users table extends Supabase auth.users with the credit balance
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL,
			full_name TEXT,
			credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			low_credits_warned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(email)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS google_connections (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			google_email TEXT,
			access_token TEXT,
			refresh_token TEXT,
			token_expiry TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(user_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create google_connections table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sites (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			domain TEXT NOT NULL,
			sitemap_url TEXT,
			indexnow_key TEXT NOT NULL,
			auto_index_google BOOLEAN NOT NULL DEFAULT FALSE,
			auto_index_bing BOOLEAN NOT NULL DEFAULT FALSE,
			last_synced_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, domain)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sites table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS indexed_urls (
			id SERIAL PRIMARY KEY,
			site_id UUID NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			indexing_status TEXT NOT NULL DEFAULT 'none',
			gsc_status TEXT,
			http_status INTEGER,
			submission_method TEXT,
			is_new BOOLEAN NOT NULL DEFAULT FALSE,
			is_changed BOOLEAN NOT NULL DEFAULT FALSE,
			noindex BOOLEAN NOT NULL DEFAULT FALSE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			last_modified TEXT,
			submitted_at TIMESTAMP,
			last_synced_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(site_id, url)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexed_urls table: %w", err)
	}

	// Counters reset implicitly because rows are keyed by UTC calendar date
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS user_daily_quotas (
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			quota_date DATE NOT NULL,
			submissions_used INTEGER NOT NULL DEFAULT 0,
			inspections_used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, quota_date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create user_daily_quotas table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_reports (
			site_id UUID NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
			report_date DATE NOT NULL,
			new_pages INTEGER NOT NULL DEFAULT 0,
			changed_pages INTEGER NOT NULL DEFAULT 0,
			submitted_google INTEGER NOT NULL DEFAULT 0,
			submitted_bing INTEGER NOT NULL DEFAULT 0,
			failed_google INTEGER NOT NULL DEFAULT 0,
			failed_bing INTEGER NOT NULL DEFAULT 0,
			dead_urls INTEGER NOT NULL DEFAULT 0,
			credits_used INTEGER NOT NULL DEFAULT 0,
			credits_remaining INTEGER NOT NULL DEFAULT 0,
			total_urls INTEGER NOT NULL DEFAULT 0,
			total_indexed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (site_id, report_date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create daily_reports table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS indexing_logs (
			id SERIAL PRIMARY KEY,
			site_id UUID NOT NULL,
			url TEXT NOT NULL,
			action TEXT NOT NULL,
			channel TEXT,
			detail TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexing_logs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS index_locks (
			site_id UUID PRIMARY KEY,
			locked_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index_locks table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS job_runs (
			job_name TEXT PRIMARY KEY,
			last_run_at TIMESTAMP,
			last_result TEXT NOT NULL DEFAULT 'never_run',
			summary JSONB,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create job_runs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_indexed_urls_site_status
		ON indexed_urls(site_id, indexing_status)
	`)
	if err != nil {
		return fmt.Errorf("failed to create indexed_urls index: %w", err)
	}

	log.Debug().Msg("Database schema initialised")
	return nil
}
