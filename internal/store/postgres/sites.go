package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

const siteColumns = `
	id, owner_id, name, root_url, status,
	discovery, extraction, schedule,
	total_pages, new_pages, changed_pages, removed_pages,
	last_scan, next_scan, archived_at, created_at`

// GetSite returns a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (monitor.Site, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+siteColumns+` FROM sites WHERE id = $1`, siteID)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Site{}, monitor.ErrNotFound
	}
	if err != nil {
		return monitor.Site{}, fmt.Errorf("get site: %w", err)
	}
	return site, nil
}

// UpdateSiteRollup writes the last-completed-scan counters and the
// schedule bookkeeping fields.
func (s *Store) UpdateSiteRollup(ctx context.Context, siteID string, counters monitor.ScanCounters, lastScan, nextScan time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sites SET
	total_pages = $2,
	new_pages = $3,
	changed_pages = $4,
	removed_pages = $5,
	last_scan = $6,
	next_scan = $7
WHERE id = $1`,
		siteID, counters.TotalPages, counters.NewPages, counters.ChangedPages, counters.RemovedPages, lastScan, nextScan)
	if err != nil {
		return fmt.Errorf("update site rollup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// DeleteArchivedSites removes long-archived sites; pages, scans,
// snapshots and jobs go with them via ON DELETE CASCADE.
func (s *Store) DeleteArchivedSites(ctx context.Context, archivedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sites WHERE status = 'archived' AND archived_at < $1`, archivedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete archived sites: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSite(row pgx.Row) (monitor.Site, error) {
	var (
		site                            monitor.Site
		discovery, extraction, schedule []byte
	)
	err := row.Scan(
		&site.ID, &site.OwnerID, &site.Name, &site.RootURL, &site.Status,
		&discovery, &extraction, &schedule,
		&site.TotalPages, &site.NewPages, &site.ChangedPages, &site.RemovedPages,
		&site.LastScan, &site.NextScan, &site.ArchivedAt, &site.CreatedAt,
	)
	if err != nil {
		return monitor.Site{}, err
	}
	if err := unmarshalJSON(discovery, &site.Discovery); err != nil {
		return monitor.Site{}, err
	}
	if err := unmarshalJSON(extraction, &site.Extraction); err != nil {
		return monitor.Site{}, err
	}
	if err := unmarshalJSON(schedule, &site.Schedule); err != nil {
		return monitor.Site{}, err
	}
	return site, nil
}
