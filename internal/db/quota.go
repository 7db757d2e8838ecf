package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DailySubmissionCap is the provider-imposed per-user daily limit for
	// Indexing API publish calls.
	DailySubmissionCap = 200

	// DailyInspectionCap is the per-user daily limit for URL Inspection calls.
	DailyInspectionCap = 2000
)

// DailyQuota is a read-only snapshot of a user's quota usage for one UTC day.
type DailyQuota struct {
	UserID            string `json:"user_id"`
	Date              string `json:"date"`
	SubmissionsUsed   int    `json:"submissions_used"`
	SubmissionCap     int    `json:"submission_cap"`
	InspectionsUsed   int    `json:"inspections_used"`
	InspectionCap     int    `json:"inspection_cap"`
	SubmissionsRemain int    `json:"submissions_remaining"`
}

// quotaDate returns today's quota key. Counters roll over implicitly at UTC midnight.
func quotaDate() string {
	return time.Now().UTC().Format("2006-01-02")
}

// ensureQuotaRow lazily creates today's quota row for the user.
func (db *DB) ensureQuotaRow(ctx context.Context, userID, date string) error {
	_, err := db.client.ExecContext(ctx, `
		INSERT INTO user_daily_quotas (user_id, quota_date)
		VALUES ($1, $2)
		ON CONFLICT (user_id, quota_date) DO NOTHING
	`, userID, date)
	if err != nil {
		return fmt.Errorf("failed to ensure quota row: %w", err)
	}
	return nil
}

// ReserveSubmissionQuota atomically increments today's used-submission counter
// by up to count, clamped to the remaining headroom under the daily cap, and
// returns how many slots were actually granted (0 if none). The grant is a
// single row-locked statement so concurrent callers can never jointly exceed
// the cap.
func (db *DB) ReserveSubmissionQuota(ctx context.Context, userID string, count int) (int, error) {
	return db.reserveQuota(ctx, userID, "submissions_used", count, DailySubmissionCap)
}

// ReserveInspectionQuota reserves slots against the separate inspection cap.
func (db *DB) ReserveInspectionQuota(ctx context.Context, userID string, count int) (int, error) {
	return db.reserveQuota(ctx, userID, "inspections_used", count, DailyInspectionCap)
}

func (db *DB) reserveQuota(ctx context.Context, userID, column string, count, capacity int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	date := quotaDate()
	if err := db.ensureQuotaRow(ctx, userID, date); err != nil {
		return 0, err
	}

	// The subselect locks the row before the UPDATE touches it, so old and
	// new values come from the same statement and granted = new - old is
	// race-free. Sibling CTEs are not safe here: Postgres does not define
	// their execution order against the outer UPDATE.
	query := fmt.Sprintf(`
		UPDATE user_daily_quotas
		SET %[1]s = LEAST(%[1]s + $3, $4)
		FROM (
			SELECT %[1]s AS used FROM user_daily_quotas
			WHERE user_id = $1 AND quota_date = $2
			FOR UPDATE
		) prev
		WHERE user_id = $1 AND quota_date = $2
		RETURNING user_daily_quotas.%[1]s - prev.used
	`, column)

	var granted int
	err := db.client.QueryRowContext(ctx, query, userID, date, count, capacity).Scan(&granted)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("counter", column).Msg("Failed to reserve quota")
		return 0, fmt.Errorf("failed to reserve quota: %w", err)
	}

	return granted, nil
}

// ReleaseSubmissionQuota gives back quota for submissions that ultimately
// failed or were never attempted, floored at zero.
func (db *DB) ReleaseSubmissionQuota(ctx context.Context, userID string, count int) error {
	if count <= 0 {
		return nil
	}

	_, err := db.client.ExecContext(ctx, `
		UPDATE user_daily_quotas
		SET submissions_used = GREATEST(submissions_used - $3, 0)
		WHERE user_id = $1 AND quota_date = $2
	`, userID, quotaDate(), count)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Int("count", count).Msg("Failed to release submission quota")
		return fmt.Errorf("failed to release submission quota: %w", err)
	}

	return nil
}

// GetDailyQuota returns today's quota snapshot for a user. A missing row
// means nothing has been used yet.
func (db *DB) GetDailyQuota(ctx context.Context, userID string) (*DailyQuota, error) {
	quota := &DailyQuota{
		UserID:        userID,
		Date:          quotaDate(),
		SubmissionCap: DailySubmissionCap,
		InspectionCap: DailyInspectionCap,
	}

	err := db.client.QueryRowContext(ctx, `
		SELECT submissions_used, inspections_used
		FROM user_daily_quotas
		WHERE user_id = $1 AND quota_date = $2
	`, userID, quota.Date).Scan(&quota.SubmissionsUsed, &quota.InspectionsUsed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get daily quota: %w", err)
	}

	quota.SubmissionsRemain = DailySubmissionCap - quota.SubmissionsUsed
	return quota, nil
}
