package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

const scanColumns = `
	id, site_id, status, discovery_method, settings, counters,
	error_text, warnings, scanned_urls, started_at, completed_at`

// CreateScan inserts a new scan row.
func (s *Store) CreateScan(ctx context.Context, scan monitor.Scan) error {
	settings, err := marshalJSON(scan.Settings)
	if err != nil {
		return err
	}
	counters, err := marshalJSON(scan.Counters)
	if err != nil {
		return err
	}
	warnings, err := marshalJSON(scan.Warnings)
	if err != nil {
		return err
	}
	scannedURLs, err := marshalJSON(scan.ScannedURLs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO scans (
	id, site_id, status, discovery_method, settings, counters,
	error_text, warnings, scanned_urls, started_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		scan.ID, scan.SiteID, scan.Status, scan.DiscoveryMethod, settings, counters,
		scan.ErrorText, warnings, scannedURLs, scan.StartedAt, scan.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan returns a scan by ID.
func (s *Store) GetScan(ctx context.Context, scanID string) (monitor.Scan, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+scanColumns+` FROM scans WHERE id = $1`, scanID)
	scan, err := scanScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Scan{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Scan{}, fmt.Errorf("get scan: %w", err)
	}
	return scan, nil
}

// UpdateScan replaces the mutable fields of a scan row.
func (s *Store) UpdateScan(ctx context.Context, scan monitor.Scan) error {
	counters, err := marshalJSON(scan.Counters)
	if err != nil {
		return err
	}
	warnings, err := marshalJSON(scan.Warnings)
	if err != nil {
		return err
	}
	scannedURLs, err := marshalJSON(scan.ScannedURLs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scans SET
	status = $2,
	counters = $3,
	error_text = $4,
	warnings = $5,
	scanned_urls = $6,
	completed_at = $7
WHERE id = $1`,
		scan.ID, scan.Status, counters, scan.ErrorText, warnings, scannedURLs, scan.CompletedAt)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// ListScans returns a site's scans, newest first.
func (s *Store) ListScans(ctx context.Context, siteID string, limit int) ([]monitor.Scan, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT`+scanColumns+` FROM scans WHERE site_id = $1 ORDER BY started_at DESC LIMIT $2`,
		siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []monitor.Scan
	for rows.Next() {
		scan, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("list scans: %w", err)
		}
		out = append(out, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return out, nil
}

func scanScan(row pgx.Row) (monitor.Scan, error) {
	var (
		scan                  monitor.Scan
		settings, counters    []byte
		warnings, scannedURLs []byte
	)
	err := row.Scan(
		&scan.ID, &scan.SiteID, &scan.Status, &scan.DiscoveryMethod, &settings, &counters,
		&scan.ErrorText, &warnings, &scannedURLs, &scan.StartedAt, &scan.CompletedAt,
	)
	if err != nil {
		return monitor.Scan{}, err
	}
	if err := unmarshalJSON(settings, &scan.Settings); err != nil {
		return monitor.Scan{}, err
	}
	if err := unmarshalJSON(counters, &scan.Counters); err != nil {
		return monitor.Scan{}, err
	}
	if err := unmarshalJSON(warnings, &scan.Warnings); err != nil {
		return monitor.Scan{}, err
	}
	if err := unmarshalJSON(scannedURLs, &scan.ScannedURLs); err != nil {
		return monitor.Scan{}, err
	}
	return scan, nil
}
