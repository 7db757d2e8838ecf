package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrSiteNotFound is returned when a site is not found
var ErrSiteNotFound = errors.New("site not found")

// Site represents a domain/property a user wants indexed
type Site struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Domain          string     `json:"domain"`
	SitemapURL      *string    `json:"sitemap_url,omitempty"`
	IndexNowKey     string     `json:"indexnow_key"`
	AutoIndexGoogle bool       `json:"auto_index_google"`
	AutoIndexBing   bool       `json:"auto_index_bing"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SitemapLocation returns the configured sitemap URL, falling back to the
// /sitemap.xml convention when none is stored.
func (s *Site) SitemapLocation() string {
	if s.SitemapURL != nil && *s.SitemapURL != "" {
		return *s.SitemapURL
	}
	return "https://" + s.Domain + "/sitemap.xml"
}

// CreateSite creates a new site for a user
func (db *DB) CreateSite(ctx context.Context, site *Site) error {
	err := db.client.QueryRowContext(ctx, `
		INSERT INTO sites (
			user_id, domain, sitemap_url, indexnow_key,
			auto_index_google, auto_index_bing
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`,
		site.UserID, site.Domain, site.SitemapURL, site.IndexNowKey,
		site.AutoIndexGoogle, site.AutoIndexBing,
	).Scan(&site.ID, &site.CreatedAt, &site.UpdatedAt)
	if err != nil {
		log.Error().Err(err).Str("user_id", site.UserID).Str("domain", site.Domain).Msg("Failed to create site")
		return fmt.Errorf("failed to create site: %w", err)
	}

	return nil
}

// GetSite retrieves a site by ID
func (db *DB) GetSite(ctx context.Context, siteID string) (*Site, error) {
	site := &Site{}

	err := db.client.QueryRowContext(ctx, `
		SELECT id, user_id, domain, sitemap_url, indexnow_key,
		       auto_index_google, auto_index_bing, last_synced_at,
		       created_at, updated_at
		FROM sites
		WHERE id = $1
	`, siteID).Scan(
		&site.ID, &site.UserID, &site.Domain, &site.SitemapURL, &site.IndexNowKey,
		&site.AutoIndexGoogle, &site.AutoIndexBing, &site.LastSyncedAt,
		&site.CreatedAt, &site.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		log.Error().Err(err).Str("site_id", siteID).Msg("Failed to get site")
		return nil, fmt.Errorf("failed to get site: %w", err)
	}

	return site, nil
}

// GetSiteByKey looks a site up by its IndexNow verification key.
func (db *DB) GetSiteByKey(ctx context.Context, key string) (*Site, error) {
	site := &Site{}

	err := db.client.QueryRowContext(ctx, `
		SELECT id, user_id, domain, sitemap_url, indexnow_key,
		       auto_index_google, auto_index_bing, last_synced_at,
		       created_at, updated_at
		FROM sites
		WHERE indexnow_key = $1
	`, key).Scan(
		&site.ID, &site.UserID, &site.Domain, &site.SitemapURL, &site.IndexNowKey,
		&site.AutoIndexGoogle, &site.AutoIndexBing, &site.LastSyncedAt,
		&site.CreatedAt, &site.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSiteNotFound
		}
		return nil, fmt.Errorf("failed to get site by key: %w", err)
	}

	return site, nil
}

// ListSites retrieves all sites for a user
func (db *DB) ListSites(ctx context.Context, userID string) ([]*Site, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT id, user_id, domain, sitemap_url, indexnow_key,
		       auto_index_google, auto_index_bing, last_synced_at,
		       created_at, updated_at
		FROM sites
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to list sites")
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	// Initialise slice to return empty array instead of null in JSON
	sites := make([]*Site, 0)
	for rows.Next() {
		site := &Site{}
		err := rows.Scan(
			&site.ID, &site.UserID, &site.Domain, &site.SitemapURL, &site.IndexNowKey,
			&site.AutoIndexGoogle, &site.AutoIndexBing, &site.LastSyncedAt,
			&site.CreatedAt, &site.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		sites = append(sites, site)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}

	return sites, nil
}

// ListAutoIndexSites retrieves all sites with at least one auto-index
// channel enabled, across all users. Used by the scheduled orchestration run.
func (db *DB) ListAutoIndexSites(ctx context.Context) ([]*Site, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT id, user_id, domain, sitemap_url, indexnow_key,
		       auto_index_google, auto_index_bing, last_synced_at,
		       created_at, updated_at
		FROM sites
		WHERE auto_index_google OR auto_index_bing
		ORDER BY last_synced_at ASC NULLS FIRST
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-index sites: %w", err)
	}
	defer rows.Close()

	sites := make([]*Site, 0)
	for rows.Next() {
		site := &Site{}
		err := rows.Scan(
			&site.ID, &site.UserID, &site.Domain, &site.SitemapURL, &site.IndexNowKey,
			&site.AutoIndexGoogle, &site.AutoIndexBing, &site.LastSyncedAt,
			&site.CreatedAt, &site.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site row: %w", err)
		}
		sites = append(sites, site)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}

	return sites, nil
}

// TouchSiteSynced records a successful sync run for a site
func (db *DB) TouchSiteSynced(ctx context.Context, siteID string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE sites SET last_synced_at = NOW(), updated_at = NOW() WHERE id = $1
	`, siteID)
	if err != nil {
		return fmt.Errorf("failed to update site sync timestamp: %w", err)
	}
	return nil
}

// DeleteSite deletes a site and, via cascade, its URL registry
func (db *DB) DeleteSite(ctx context.Context, siteID, userID string) error {
	result, err := db.client.ExecContext(ctx, `
		DELETE FROM sites WHERE id = $1 AND user_id = $2
	`, siteID, userID)
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Msg("Failed to delete site")
		return fmt.Errorf("failed to delete site: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSiteNotFound
	}

	return nil
}
