package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DailyReport aggregates one site's indexing activity for one UTC day.
type DailyReport struct {
	SiteID           string    `json:"site_id"`
	ReportDate       string    `json:"report_date"`
	NewPages         int       `json:"new_pages"`
	ChangedPages     int       `json:"changed_pages"`
	SubmittedGoogle  int       `json:"submitted_google"`
	SubmittedBing    int       `json:"submitted_bing"`
	FailedGoogle     int       `json:"failed_google"`
	FailedBing       int       `json:"failed_bing"`
	DeadURLs         int       `json:"dead_urls"`
	CreditsUsed      int       `json:"credits_used"`
	CreditsRemaining int       `json:"credits_remaining"`
	TotalURLs        int       `json:"total_urls"`
	TotalIndexed     int       `json:"total_indexed"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UpsertDailyReport applies a run's delta to the (site, date) report row:
// created on the first run of the day, counters accumulated when the
// orchestrator runs again the same day. Absolute gauges (credits remaining,
// registry totals) are overwritten, not summed. The merge happens inside one
// upsert so concurrent runs for a site cannot lose increments.
func (db *DB) UpsertDailyReport(ctx context.Context, delta *DailyReport) error {
	if delta.ReportDate == "" {
		delta.ReportDate = time.Now().UTC().Format("2006-01-02")
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO daily_reports (
			site_id, report_date, new_pages, changed_pages,
			submitted_google, submitted_bing, failed_google, failed_bing,
			dead_urls, credits_used, credits_remaining, total_urls, total_indexed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (site_id, report_date) DO UPDATE SET
			new_pages = daily_reports.new_pages + EXCLUDED.new_pages,
			changed_pages = daily_reports.changed_pages + EXCLUDED.changed_pages,
			submitted_google = daily_reports.submitted_google + EXCLUDED.submitted_google,
			submitted_bing = daily_reports.submitted_bing + EXCLUDED.submitted_bing,
			failed_google = daily_reports.failed_google + EXCLUDED.failed_google,
			failed_bing = daily_reports.failed_bing + EXCLUDED.failed_bing,
			dead_urls = daily_reports.dead_urls + EXCLUDED.dead_urls,
			credits_used = daily_reports.credits_used + EXCLUDED.credits_used,
			credits_remaining = EXCLUDED.credits_remaining,
			total_urls = EXCLUDED.total_urls,
			total_indexed = EXCLUDED.total_indexed,
			updated_at = NOW()
	`,
		delta.SiteID, delta.ReportDate, delta.NewPages, delta.ChangedPages,
		delta.SubmittedGoogle, delta.SubmittedBing, delta.FailedGoogle, delta.FailedBing,
		delta.DeadURLs, delta.CreditsUsed, delta.CreditsRemaining,
		delta.TotalURLs, delta.TotalIndexed,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily report: %w", err)
	}

	return nil
}

// GetDailyReport returns the report for a (site, date) pair, or nil when
// nothing has been recorded for that day.
func (db *DB) GetDailyReport(ctx context.Context, siteID, reportDate string) (*DailyReport, error) {
	report := &DailyReport{}
	err := db.client.QueryRowContext(ctx, `
		SELECT site_id, report_date::text, new_pages, changed_pages,
		       submitted_google, submitted_bing, failed_google, failed_bing,
		       dead_urls, credits_used, credits_remaining, total_urls, total_indexed,
		       created_at, updated_at
		FROM daily_reports
		WHERE site_id = $1 AND report_date = $2
	`, siteID, reportDate).Scan(
		&report.SiteID, &report.ReportDate, &report.NewPages, &report.ChangedPages,
		&report.SubmittedGoogle, &report.SubmittedBing, &report.FailedGoogle, &report.FailedBing,
		&report.DeadURLs, &report.CreditsUsed, &report.CreditsRemaining,
		&report.TotalURLs, &report.TotalIndexed,
		&report.CreatedAt, &report.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get daily report: %w", err)
	}

	return report, nil
}
