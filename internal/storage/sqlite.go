package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adsets/internal/models"
)

// SQLite stores ads and clusters in a local SQLite database
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// NewSQLite opens (and creates if needed) the database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Current schema version
const schemaVersion = 2

// migrations defines all schema migrations
// Each migration should be idempotent (safe to run multiple times)
var migrations = []struct {
	version     int
	description string
	up          string
}{
	{
		version:     1,
		description: "Initial schema",
		up:          "", // Handled by base schema creation
	},
	{
		version:     2,
		description: "Add merge history",
		up: `
			CREATE TABLE IF NOT EXISTS merge_checks (
				sig_a TEXT NOT NULL,
				sig_b TEXT NOT NULL,
				checked_at TEXT NOT NULL,
				PRIMARY KEY (sig_a, sig_b)
			);
			CREATE TABLE IF NOT EXISTS merge_runs (
				id TEXT PRIMARY KEY,
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL,
				clusters INTEGER NOT NULL,
				compared INTEGER NOT NULL,
				skipped INTEGER NOT NULL,
				merged INTEGER NOT NULL,
				dry_run INTEGER DEFAULT 0
			);
		`,
	},
}

// init creates the database schema
func (s *SQLite) init() error {
	// Create schema_version table first
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	// Create base schema
	schema := `
	CREATE TABLE IF NOT EXISTS ad_sets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_signature TEXT UNIQUE NOT NULL,
		variant_count INTEGER NOT NULL DEFAULT 0,
		representative_ad_id TEXT,
		first_seen TEXT,
		last_seen TEXT,
		is_favorite INTEGER DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ads (
		archive_id TEXT PRIMARY KEY,
		ad_set_id INTEGER NOT NULL REFERENCES ad_sets(id),
		body_text TEXT DEFAULT '',
		creatives TEXT NOT NULL DEFAULT '[]',
		primary_media TEXT,
		start_date TEXT,
		signature TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ads_ad_set_id ON ads(ad_set_id);
	CREATE INDEX IF NOT EXISTS idx_ads_signature ON ads(signature);
	`

	_, err = s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// migrate runs pending schema migrations
func (s *SQLite) migrate() error {
	currentVersion := s.getSchemaVersion()

	for _, m := range migrations {
		if m.version <= currentVersion || m.up == "" {
			continue
		}

		// Execute migration
		if _, err := s.db.Exec(m.up); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}

		s.setSchemaVersion(m.version)
	}

	return nil
}

// getSchemaVersion returns the current schema version
func (s *SQLite) getSchemaVersion() int {
	var version int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// setSchemaVersion records a migration as applied
func (s *SQLite) setSchemaVersion(version int) {
	s.db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
}

// columnExists checks if a column exists in a table
func (s *SQLite) columnExists(table, column string) bool {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?
	`, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isUniqueSignature reports a unique-constraint violation on content_signature
func isUniqueSignature(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: ad_sets.content_signature")
}

type rowScanner interface {
	Scan(dest ...any) error
}

const adColumns = `archive_id, ad_set_id, body_text, creatives, primary_media, start_date, signature, created_at, updated_at`

func scanAd(row rowScanner) (*models.Ad, error) {
	ad := &models.Ad{}
	var body, primary, start, sig sql.NullString
	var creatives, created, updated string
	if err := row.Scan(&ad.ArchiveID, &ad.ClusterID, &body, &creatives, &primary, &start, &sig, &created, &updated); err != nil {
		return nil, err
	}
	ad.BodyText = body.String
	ad.Signature = sig.String

	var err error
	if ad.Creatives, err = decodeCreatives(creatives); err != nil {
		return nil, err
	}
	if ad.PrimaryMedia, err = decodeMedia(primary.String); err != nil {
		return nil, err
	}
	if start.Valid {
		if t, ok := parseTime(start.String); ok {
			ad.StartDate = &t
		}
	}
	ad.CreatedAt, _ = parseTime(created)
	ad.UpdatedAt, _ = parseTime(updated)
	return ad, nil
}

const clusterColumns = `id, content_signature, variant_count, representative_ad_id, first_seen, last_seen, is_favorite, created_at, updated_at`

func scanCluster(row rowScanner) (*models.Cluster, error) {
	c := &models.Cluster{}
	var rep, first, last sql.NullString
	var created, updated string
	var fav int
	if err := row.Scan(&c.ID, &c.ContentSignature, &c.VariantCount, &rep, &first, &last, &fav, &created, &updated); err != nil {
		return nil, err
	}
	c.RepresentativeAdID = rep.String
	c.IsFavorite = fav == 1
	if first.Valid {
		if t, ok := parseTime(first.String); ok {
			c.FirstSeen = &t
		}
	}
	if last.Valid {
		if t, ok := parseTime(last.String); ok {
			c.LastSeen = &t
		}
	}
	c.CreatedAt, _ = parseTime(created)
	c.UpdatedAt, _ = parseTime(updated)
	return c, nil
}

// GetAd returns the ad with the given archive id
func (s *SQLite) GetAd(ctx context.Context, archiveID string) (*models.Ad, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads WHERE archive_id = ?`, archiveID)
	ad, err := scanAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ad %s: %w", archiveID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ad %s: %w", archiveID, err)
	}
	return ad, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAd(ctx context.Context, ex execer, ad *models.Ad) error {
	creatives, err := encodeCreatives(ad.Creatives)
	if err != nil {
		return err
	}
	primary, err := encodeMedia(ad.PrimaryMedia)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = now
	}
	ad.UpdatedAt = now

	_, err = ex.ExecContext(ctx, `
		INSERT INTO ads (archive_id, ad_set_id, body_text, creatives, primary_media, start_date, signature, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(archive_id) DO UPDATE SET
			ad_set_id = excluded.ad_set_id,
			body_text = excluded.body_text,
			creatives = excluded.creatives,
			primary_media = excluded.primary_media,
			start_date = excluded.start_date,
			signature = excluded.signature,
			updated_at = excluded.updated_at
	`,
		ad.ArchiveID,
		ad.ClusterID,
		ad.BodyText,
		creatives,
		primary,
		formatTimePtr(ad.StartDate),
		ad.Signature,
		formatTime(ad.CreatedAt),
		formatTime(ad.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save ad %s: %w", ad.ArchiveID, err)
	}
	return nil
}

// SaveAd inserts or updates an ad; its cluster must already exist
func (s *SQLite) SaveAd(ctx context.Context, ad *models.Ad) error {
	return upsertAd(ctx, s.db, ad)
}

// ListMembers returns the ads of a cluster ordered by archive id
func (s *SQLite) ListMembers(ctx context.Context, clusterID int64) ([]*models.Ad, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+adColumns+` FROM ads WHERE ad_set_id = ? ORDER BY archive_id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var ads []*models.Ad
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ads = append(ads, ad)
	}
	return ads, rows.Err()
}

// GetCluster returns the cluster with the given id
func (s *SQLite) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM ad_sets WHERE id = ?`, id)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster %d: %w", id, err)
	}
	return c, nil
}

// FindClusterBySignature returns the cluster holding exactly this signature
func (s *SQLite) FindClusterBySignature(ctx context.Context, sig string) (*models.Cluster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM ad_sets WHERE content_signature = ?`, sig)
	c, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s: %w", sig, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cluster: %w", err)
	}
	return c, nil
}

// ListClusters returns every cluster ordered by id
func (s *SQLite) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clusterColumns+` FROM ad_sets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// CreateClusterWithAd inserts a cluster and its first member in one
// transaction. ErrDuplicateSignature means another writer created a cluster
// with the same signature first.
func (s *SQLite) CreateClusterWithAd(ctx context.Context, c *models.Cluster, ad *models.Ad) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	fav := 0
	if c.IsFavorite {
		fav = 1
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ad_sets (content_signature, variant_count, representative_ad_id, first_seen, last_seen, is_favorite, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ContentSignature,
		c.VariantCount,
		c.RepresentativeAdID,
		formatTimePtr(c.FirstSeen),
		formatTimePtr(c.LastSeen),
		fav,
		formatTime(now),
		formatTime(now),
	)
	if isUniqueSignature(err) {
		return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read cluster id: %w", err)
	}

	prev := ad.ClusterID
	ad.ClusterID = id
	if err := upsertAd(ctx, tx, ad); err != nil {
		ad.ClusterID = prev
		return err
	}
	if err := tx.Commit(); err != nil {
		ad.ClusterID = prev
		return fmt.Errorf("failed to commit: %w", err)
	}
	c.ID = id
	return nil
}

// UpdateCluster writes the aggregate fields of a cluster
func (s *SQLite) UpdateCluster(ctx context.Context, c *models.Cluster) error {
	c.UpdatedAt = time.Now().UTC()
	fav := 0
	if c.IsFavorite {
		fav = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE ad_sets SET
			content_signature = ?,
			variant_count = ?,
			representative_ad_id = ?,
			first_seen = ?,
			last_seen = ?,
			is_favorite = ?,
			updated_at = ?
		WHERE id = ?
	`,
		c.ContentSignature,
		c.VariantCount,
		c.RepresentativeAdID,
		formatTimePtr(c.FirstSeen),
		formatTimePtr(c.LastSeen),
		fav,
		formatTime(c.UpdatedAt),
		c.ID,
	)
	if isUniqueSignature(err) {
		return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
	}
	if err != nil {
		return fmt.Errorf("failed to update cluster %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cluster %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// DeleteCluster removes an empty cluster
func (s *SQLite) DeleteCluster(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM ad_sets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete cluster %d: %w", id, err)
	}
	return nil
}

// MergeClusters reparents every member of absorbed onto survivor and deletes
// absorbed, atomically
func (s *SQLite) MergeClusters(ctx context.Context, survivor, absorbed int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM ad_sets WHERE id IN (?, ?)", survivor, absorbed).Scan(&n); err != nil {
		return fmt.Errorf("failed to check clusters: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("merge %d into %d: %w", absorbed, survivor, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE ads SET ad_set_id = ?, updated_at = ? WHERE ad_set_id = ?",
		survivor, formatTime(time.Now()), absorbed); err != nil {
		return fmt.Errorf("failed to reparent ads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ad_sets WHERE id = ?", absorbed); err != nil {
		return fmt.Errorf("failed to delete cluster %d: %w", absorbed, err)
	}
	return tx.Commit()
}

// IsKnownDistinct reports whether a pair of signatures was already compared
// and found not similar
func (s *SQLite) IsKnownDistinct(ctx context.Context, sigA, sigB string) (bool, error) {
	a, b := models.PairKey(sigA, sigB)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM merge_checks WHERE sig_a = ? AND sig_b = ?", a, b).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query merge checks: %w", err)
	}
	return count > 0, nil
}

// MarkDistinct records a negative merge verdict for a pair of signatures
func (s *SQLite) MarkDistinct(ctx context.Context, sigA, sigB string) error {
	a, b := models.PairKey(sigA, sigB)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO merge_checks (sig_a, sig_b, checked_at) VALUES (?, ?, ?)
	`, a, b, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record merge check: %w", err)
	}
	return nil
}

// RecordMergeRun records a merge pass in history
func (s *SQLite) RecordMergeRun(ctx context.Context, run *models.MergeRun) error {
	dry := 0
	if run.DryRun {
		dry = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_runs (id, started_at, finished_at, clusters, compared, skipped, merged, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Clusters, run.Compared, run.Skipped, run.Merged, dry)
	if err != nil {
		return fmt.Errorf("failed to record merge run: %w", err)
	}
	return nil
}

// ListMergeRuns returns the most recent merge passes first
func (s *SQLite) ListMergeRuns(ctx context.Context, limit int) ([]*models.MergeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, clusters, compared, skipped, merged, dry_run
		FROM merge_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query merge runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.MergeRun
	for rows.Next() {
		run := &models.MergeRun{}
		var started, finished string
		var dry int
		if err := rows.Scan(&run.ID, &started, &finished, &run.Clusters, &run.Compared, &run.Skipped, &run.Merged, &dry); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		run.StartedAt, _ = parseTime(started)
		run.FinishedAt, _ = parseTime(finished)
		run.DryRun = dry == 1
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Stats returns the number of clusters and ads
func (s *SQLite) Stats(ctx context.Context) (clusters, ads int, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT (SELECT COUNT(*) FROM ad_sets), (SELECT COUNT(*) FROM ads)").Scan(&clusters, &ads)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return clusters, ads, nil
}
