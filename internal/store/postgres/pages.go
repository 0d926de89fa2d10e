package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/webmonitor/sitewatch/internal/monitor"
)

// UpsertPage inserts or refreshes the (site_id, url) identity row.
// first_seen is written once at insert and never touched by the
// conflict branch; everything else tracks the latest observation.
func (s *Store) UpsertPage(ctx context.Context, page monitor.Page) (string, error) {
	if page.ID == "" {
		page.ID = s.idGen.NewID()
	}
	now := s.clock.Now()

	var id string
	err := s.pool.QueryRow(ctx, `
INSERT INTO pages (
	id, site_id, url, status, content_hash, title, meta_description,
	canonical_url, response_code, load_time_ms, first_seen, last_seen
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
ON CONFLICT (site_id, url) DO UPDATE SET
	status = EXCLUDED.status,
	content_hash = EXCLUDED.content_hash,
	title = EXCLUDED.title,
	meta_description = EXCLUDED.meta_description,
	canonical_url = EXCLUDED.canonical_url,
	response_code = EXCLUDED.response_code,
	load_time_ms = EXCLUDED.load_time_ms,
	last_seen = EXCLUDED.last_seen
RETURNING id`,
		page.ID, page.SiteID, page.URL, page.Status, page.ContentHash, page.Title,
		page.MetaDescription, page.CanonicalURL, page.ResponseCode, page.LoadTimeMs, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert page: %w", err)
	}
	return id, nil
}

// ListPages returns every page row for a site.
func (s *Store) ListPages(ctx context.Context, siteID string) ([]monitor.Page, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, site_id, url, status, content_hash, title, meta_description,
	canonical_url, response_code, load_time_ms, first_seen, last_seen
FROM pages WHERE site_id = $1 ORDER BY url`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []monitor.Page
	for rows.Next() {
		var p monitor.Page
		if err := rows.Scan(
			&p.ID, &p.SiteID, &p.URL, &p.Status, &p.ContentHash, &p.Title,
			&p.MetaDescription, &p.CanonicalURL, &p.ResponseCode, &p.LoadTimeMs,
			&p.FirstSeen, &p.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return out, nil
}

// MarkPagesRemoved flips active pages last seen before the cutoff to
// removed.
func (s *Store) MarkPagesRemoved(ctx context.Context, siteID string, seenBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE pages SET status = 'removed'
WHERE site_id = $1 AND status = 'active' AND last_seen < $2`,
		siteID, seenBefore)
	if err != nil {
		return 0, fmt.Errorf("mark pages removed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertSnapshots writes a batch of snapshot rows. The conflict
// target makes re-persisting a batch after a worker retry harmless.
func (s *Store) InsertSnapshots(ctx context.Context, snapshots []monitor.PageSnapshot) error {
	for _, snap := range snapshots {
		breadcrumbs, err := marshalJSON(snap.Breadcrumbs)
		if err != nil {
			return err
		}
		headings, err := marshalJSON(snap.Headings)
		if err != nil {
			return err
		}
		customData, err := marshalJSON(snap.CustomData)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
INSERT INTO page_snapshots (
	id, scan_id, page_id, url, title, meta_description, canonical_url,
	breadcrumbs, headings, custom_data, content_hash, response_code,
	load_time_ms, extraction_id, blob_uri, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (scan_id, page_id) DO NOTHING`,
			snap.ID, snap.ScanID, snap.PageID, snap.URL, snap.Title, snap.MetaDescription,
			snap.CanonicalURL, breadcrumbs, headings, customData, snap.ContentHash,
			snap.ResponseCode, snap.LoadTimeMs, snap.ExtractionID, snap.BlobURI, snap.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	return nil
}

// ListSnapshots returns all snapshots for a scan.
func (s *Store) ListSnapshots(ctx context.Context, scanID string) ([]monitor.PageSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, scan_id, page_id, url, title, meta_description, canonical_url,
	breadcrumbs, headings, custom_data, content_hash, response_code,
	load_time_ms, extraction_id, blob_uri, created_at
FROM page_snapshots WHERE scan_id = $1 ORDER BY url`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []monitor.PageSnapshot
	for rows.Next() {
		var (
			snap                             monitor.PageSnapshot
			breadcrumbs, headings, customRaw []byte
		)
		if err := rows.Scan(
			&snap.ID, &snap.ScanID, &snap.PageID, &snap.URL, &snap.Title,
			&snap.MetaDescription, &snap.CanonicalURL, &breadcrumbs, &headings,
			&customRaw, &snap.ContentHash, &snap.ResponseCode, &snap.LoadTimeMs,
			&snap.ExtractionID, &snap.BlobURI, &snap.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		if err := unmarshalJSON(breadcrumbs, &snap.Breadcrumbs); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(headings, &snap.Headings); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(customRaw, &snap.CustomData); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}
