package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"adsets/internal/hash"
	"adsets/internal/models"
)

// adSetRow maps ad_sets.
type adSetRow struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	ContentSignature   string     `gorm:"column:content_signature;type:text;not null;uniqueIndex"`
	VariantCount       int        `gorm:"column:variant_count;type:integer;not null;default:0"`
	RepresentativeAdID *string    `gorm:"column:representative_ad_id;type:text"`
	FirstSeen          *time.Time `gorm:"column:first_seen;type:timestamptz"`
	LastSeen           *time.Time `gorm:"column:last_seen;type:timestamptz"`
	IsFavorite         bool       `gorm:"column:is_favorite;not null;default:false"`
	CreatedAt          time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (adSetRow) TableName() string { return "ad_sets" }

// adRow maps ads.
type adRow struct {
	ArchiveID    string          `gorm:"column:archive_id;type:text;primaryKey"`
	AdSetID      int64           `gorm:"column:ad_set_id;type:bigint;not null;index"`
	BodyText     string          `gorm:"column:body_text;type:text;not null;default:''"`
	Creatives    json.RawMessage `gorm:"column:creatives;type:jsonb;not null"`
	PrimaryMedia json.RawMessage `gorm:"column:primary_media;type:jsonb"`
	StartDate    *time.Time      `gorm:"column:start_date;type:timestamptz"`
	Signature    string          `gorm:"column:signature;type:text;not null;default:'';index"`
	CreatedAt    time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (adRow) TableName() string { return "ads" }

// mergeCheckRow maps merge_checks.
type mergeCheckRow struct {
	SigA      string    `gorm:"column:sig_a;type:text;primaryKey"`
	SigB      string    `gorm:"column:sig_b;type:text;primaryKey"`
	CheckedAt time.Time `gorm:"column:checked_at;type:timestamptz;not null;default:now()"`
}

func (mergeCheckRow) TableName() string { return "merge_checks" }

// mergeRunRow maps merge_runs.
type mergeRunRow struct {
	ID         string    `gorm:"column:id;type:uuid;primaryKey"`
	StartedAt  time.Time `gorm:"column:started_at;type:timestamptz;not null"`
	FinishedAt time.Time `gorm:"column:finished_at;type:timestamptz;not null"`
	Clusters   int       `gorm:"column:clusters;type:integer;not null"`
	Compared   int       `gorm:"column:compared;type:integer;not null"`
	Skipped    int       `gorm:"column:skipped;type:integer;not null"`
	Merged     int       `gorm:"column:merged;type:integer;not null"`
	DryRun     bool      `gorm:"column:dry_run;not null;default:false"`
}

func (mergeRunRow) TableName() string { return "merge_runs" }

const preAutoMigrateSQL = `CREATE EXTENSION IF NOT EXISTS pg_trgm;`

const postAutoMigrateSQL = `
CREATE INDEX IF NOT EXISTS idx_ad_sets_signature_trgm ON ad_sets USING gin (content_signature gin_trgm_ops);
DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_ads_ad_set') THEN
		ALTER TABLE ads ADD CONSTRAINT fk_ads_ad_set FOREIGN KEY (ad_set_id) REFERENCES ad_sets(id);
	END IF;
END $$;
`

// Postgres stores ads and clusters in PostgreSQL and answers candidate
// lookups natively with pg_trgm
type Postgres struct {
	gdb *gorm.DB

	similarity float64
	radius     int
}

// PostgresOption configures a Postgres store
type PostgresOption func(*Postgres)

// WithCandidateSimilarity sets the minimum trigram similarity of a candidate
func WithCandidateSimilarity(f float64) PostgresOption {
	return func(p *Postgres) {
		if f > 0 && f <= 1 {
			p.similarity = f
		}
	}
}

// WithCandidateRadius sets the Hamming radius for hash signatures; negative disables it
func WithCandidateRadius(n int) PostgresOption {
	return func(p *Postgres) {
		p.radius = n
	}
}

// NewPostgres connects to dsn and migrates the schema
func NewPostgres(ctx context.Context, dsn, logLevel string, opts ...PostgresOption) (*Postgres, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(resolveGormLogLevel(logLevel)),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get gorm sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{gdb: gdb, similarity: 0.8, radius: 10}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) autoMigrate(ctx context.Context) error {
	if err := p.gdb.WithContext(ctx).Exec(preAutoMigrateSQL).Error; err != nil {
		return fmt.Errorf("execute pre-auto-migrate SQL: %w", err)
	}
	if err := p.gdb.WithContext(ctx).AutoMigrate(&adSetRow{}, &adRow{}, &mergeCheckRow{}, &mergeRunRow{}); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}
	if err := p.gdb.WithContext(ctx).Exec(strings.TrimSpace(postAutoMigrateSQL)).Error; err != nil {
		return fmt.Errorf("execute post-auto-migrate SQL: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	sqlDB, err := p.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func resolveGormLogLevel(appLogLevel string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(appLogLevel)) {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

func toAdRow(ad *models.Ad) (*adRow, error) {
	creatives, err := encodeCreatives(ad.Creatives)
	if err != nil {
		return nil, err
	}
	row := &adRow{
		ArchiveID: ad.ArchiveID,
		AdSetID:   ad.ClusterID,
		BodyText:  ad.BodyText,
		Creatives: json.RawMessage(creatives),
		StartDate: ad.StartDate,
		Signature: ad.Signature,
		CreatedAt: ad.CreatedAt,
		UpdatedAt: ad.UpdatedAt,
	}
	if ad.PrimaryMedia != nil {
		b, err := json.Marshal(ad.PrimaryMedia)
		if err != nil {
			return nil, fmt.Errorf("failed to encode primary media: %w", err)
		}
		row.PrimaryMedia = b
	}
	return row, nil
}

func (r *adRow) toModel() (*models.Ad, error) {
	ad := &models.Ad{
		ArchiveID: r.ArchiveID,
		ClusterID: r.AdSetID,
		BodyText:  r.BodyText,
		StartDate: r.StartDate,
		Signature: r.Signature,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	var err error
	if ad.Creatives, err = decodeCreatives(string(r.Creatives)); err != nil {
		return nil, err
	}
	if ad.PrimaryMedia, err = decodeMedia(string(r.PrimaryMedia)); err != nil {
		return nil, err
	}
	return ad, nil
}

func toAdSetRow(c *models.Cluster) *adSetRow {
	row := &adSetRow{
		ID:               c.ID,
		ContentSignature: c.ContentSignature,
		VariantCount:     c.VariantCount,
		FirstSeen:        c.FirstSeen,
		LastSeen:         c.LastSeen,
		IsFavorite:       c.IsFavorite,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.RepresentativeAdID != "" {
		rep := c.RepresentativeAdID
		row.RepresentativeAdID = &rep
	}
	return row
}

func (r *adSetRow) toModel() *models.Cluster {
	c := &models.Cluster{
		ID:               r.ID,
		ContentSignature: r.ContentSignature,
		VariantCount:     r.VariantCount,
		FirstSeen:        r.FirstSeen,
		LastSeen:         r.LastSeen,
		IsFavorite:       r.IsFavorite,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.RepresentativeAdID != nil {
		c.RepresentativeAdID = *r.RepresentativeAdID
	}
	return c
}

// GetAd returns the ad with the given archive id
func (p *Postgres) GetAd(ctx context.Context, archiveID string) (*models.Ad, error) {
	var row adRow
	err := p.gdb.WithContext(ctx).Where("archive_id = ?", archiveID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ad %s: %w", archiveID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ad %s: %w", archiveID, err)
	}
	return row.toModel()
}

func saveAd(ctx context.Context, db *gorm.DB, ad *models.Ad) error {
	now := time.Now().UTC()
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = now
	}
	ad.UpdatedAt = now

	row, err := toAdRow(ad)
	if err != nil {
		return err
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "archive_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ad_set_id", "body_text", "creatives", "primary_media", "start_date", "signature", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("save ad %s: %w", ad.ArchiveID, err)
	}
	return nil
}

// SaveAd inserts or updates an ad; its cluster must already exist
func (p *Postgres) SaveAd(ctx context.Context, ad *models.Ad) error {
	return saveAd(ctx, p.gdb, ad)
}

// ListMembers returns the ads of a cluster ordered by archive id
func (p *Postgres) ListMembers(ctx context.Context, clusterID int64) ([]*models.Ad, error) {
	var rows []adRow
	if err := p.gdb.WithContext(ctx).Where("ad_set_id = ?", clusterID).Order("archive_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list members of %d: %w", clusterID, err)
	}
	ads := make([]*models.Ad, 0, len(rows))
	for i := range rows {
		ad, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		ads = append(ads, ad)
	}
	return ads, nil
}

// GetCluster returns the cluster with the given id
func (p *Postgres) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	var row adSetRow
	err := p.gdb.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %d: %w", id, err)
	}
	return row.toModel(), nil
}

// FindClusterBySignature returns the cluster holding exactly this signature
func (p *Postgres) FindClusterBySignature(ctx context.Context, sig string) (*models.Cluster, error) {
	var row adSetRow
	err := p.gdb.WithContext(ctx).Where("content_signature = ?", sig).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("signature %s: %w", sig, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find cluster: %w", err)
	}
	return row.toModel(), nil
}

// ListClusters returns every cluster ordered by id
func (p *Postgres) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	var rows []adSetRow
	if err := p.gdb.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	clusters := make([]*models.Cluster, 0, len(rows))
	for i := range rows {
		clusters = append(clusters, rows[i].toModel())
	}
	return clusters, nil
}

// CreateClusterWithAd inserts a cluster and its first member in one
// transaction. ErrDuplicateSignature means another writer created a cluster
// with the same signature first.
func (p *Postgres) CreateClusterWithAd(ctx context.Context, c *models.Cluster, ad *models.Ad) error {
	prev := ad.ClusterID
	row := toAdSetRow(c)
	row.ID = 0

	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
			}
			return fmt.Errorf("insert cluster: %w", err)
		}
		ad.ClusterID = row.ID
		return saveAd(ctx, tx, ad)
	})
	if err != nil {
		ad.ClusterID = prev
		return err
	}
	c.ID = row.ID
	c.CreatedAt, c.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

// UpdateCluster writes the aggregate fields of a cluster
func (p *Postgres) UpdateCluster(ctx context.Context, c *models.Cluster) error {
	c.UpdatedAt = time.Now().UTC()
	row := toAdSetRow(c)

	res := p.gdb.WithContext(ctx).Model(&adSetRow{}).Where("id = ?", c.ID).Updates(map[string]any{
		"content_signature":    row.ContentSignature,
		"variant_count":        row.VariantCount,
		"representative_ad_id": row.RepresentativeAdID,
		"first_seen":           row.FirstSeen,
		"last_seen":            row.LastSeen,
		"is_favorite":          row.IsFavorite,
		"updated_at":           row.UpdatedAt,
	})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
	}
	if res.Error != nil {
		return fmt.Errorf("update cluster %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cluster %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// DeleteCluster removes an empty cluster
func (p *Postgres) DeleteCluster(ctx context.Context, id int64) error {
	if err := p.gdb.WithContext(ctx).Where("id = ?", id).Delete(&adSetRow{}).Error; err != nil {
		return fmt.Errorf("delete cluster %d: %w", id, err)
	}
	return nil
}

// MergeClusters reparents every member of absorbed onto survivor and deletes
// absorbed. Both rows are locked for the duration of the transaction.
func (p *Postgres) MergeClusters(ctx context.Context, survivor, absorbed int64) error {
	return p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []adSetRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", []int64{survivor, absorbed}).
			Order("id").
			Find(&locked).Error
		if err != nil {
			return fmt.Errorf("lock clusters: %w", err)
		}
		if len(locked) != 2 {
			return fmt.Errorf("merge %d into %d: %w", absorbed, survivor, ErrNotFound)
		}

		err = tx.Model(&adRow{}).Where("ad_set_id = ?", absorbed).Updates(map[string]any{
			"ad_set_id":  survivor,
			"updated_at": time.Now().UTC(),
		}).Error
		if err != nil {
			return fmt.Errorf("reparent ads: %w", err)
		}
		if err := tx.Where("id = ?", absorbed).Delete(&adSetRow{}).Error; err != nil {
			return fmt.Errorf("delete cluster %d: %w", absorbed, err)
		}
		return nil
	})
}

// IsKnownDistinct reports whether a pair of signatures was already compared
// and found not similar
func (p *Postgres) IsKnownDistinct(ctx context.Context, sigA, sigB string) (bool, error) {
	a, b := models.PairKey(sigA, sigB)
	var count int64
	err := p.gdb.WithContext(ctx).Model(&mergeCheckRow{}).Where("sig_a = ? AND sig_b = ?", a, b).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query merge checks: %w", err)
	}
	return count > 0, nil
}

// MarkDistinct records a negative merge verdict for a pair of signatures
func (p *Postgres) MarkDistinct(ctx context.Context, sigA, sigB string) error {
	a, b := models.PairKey(sigA, sigB)
	err := p.gdb.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sig_a"}, {Name: "sig_b"}},
		DoUpdates: clause.AssignmentColumns([]string{"checked_at"}),
	}).Create(&mergeCheckRow{SigA: a, SigB: b, CheckedAt: time.Now().UTC()}).Error
	if err != nil {
		return fmt.Errorf("record merge check: %w", err)
	}
	return nil
}

// RecordMergeRun records a merge pass in history
func (p *Postgres) RecordMergeRun(ctx context.Context, run *models.MergeRun) error {
	err := p.gdb.WithContext(ctx).Create(&mergeRunRow{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Clusters:   run.Clusters,
		Compared:   run.Compared,
		Skipped:    run.Skipped,
		Merged:     run.Merged,
		DryRun:     run.DryRun,
	}).Error
	if err != nil {
		return fmt.Errorf("record merge run: %w", err)
	}
	return nil
}

// ListMergeRuns returns the most recent merge passes first
func (p *Postgres) ListMergeRuns(ctx context.Context, limit int) ([]*models.MergeRun, error) {
	var rows []mergeRunRow
	if err := p.gdb.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list merge runs: %w", err)
	}
	runs := make([]*models.MergeRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, &models.MergeRun{
			ID:         r.ID,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Clusters:   r.Clusters,
			Compared:   r.Compared,
			Skipped:    r.Skipped,
			Merged:     r.Merged,
			DryRun:     r.DryRun,
		})
	}
	return runs, nil
}

// Stats returns the number of clusters and ads
func (p *Postgres) Stats(ctx context.Context) (clusters, ads int, err error) {
	var nc, na int64
	if err := p.gdb.WithContext(ctx).Model(&adSetRow{}).Count(&nc).Error; err != nil {
		return 0, 0, fmt.Errorf("count clusters: %w", err)
	}
	if err := p.gdb.WithContext(ctx).Model(&adRow{}).Count(&na).Error; err != nil {
		return 0, 0, fmt.Errorf("count ads: %w", err)
	}
	return int(nc), int(na), nil
}

const trigramCandidatesSQL = `
SELECT id FROM ad_sets
WHERE similarity(content_signature, @sig) >= @min
ORDER BY similarity(content_signature, @sig) DESC, id ASC
LIMIT @limit
`

// Non-hex signatures never reach the bit casts: the CASE guards each row
// and the query signature is only bound here when it parsed as a hash.
const hashCandidatesSQL = `
SELECT id FROM (
	SELECT id, GREATEST(
		similarity(content_signature, @sig),
		CASE WHEN content_signature ~ '^[0-9a-f]{16}$'
			THEN 1 - bit_count(('x' || content_signature)::bit(64) # ('x' || @sig)::bit(64))::float8 / 64
			ELSE 0
		END
	) AS score,
	similarity(content_signature, @sig) AS trgm,
	CASE WHEN content_signature ~ '^[0-9a-f]{16}$'
		THEN bit_count(('x' || content_signature)::bit(64) # ('x' || @sig)::bit(64))
		ELSE 65
	END AS distance
	FROM ad_sets
) ranked
WHERE trgm >= @min OR distance <= @radius
ORDER BY score DESC, id ASC
LIMIT @limit
`

// FindCandidates ranks stored cluster signatures against sig, most similar
// first; ties are broken by ascending id
func (p *Postgres) FindCandidates(ctx context.Context, sig string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 20
	}
	args := map[string]any{"sig": sig, "min": p.similarity, "limit": limit, "radius": p.radius}

	query := trigramCandidatesSQL
	if _, err := hash.Parse(sig); err == nil && p.radius >= 0 {
		query = hashCandidatesSQL
	}

	var ids []int64
	if err := p.gdb.WithContext(ctx).Raw(query, args).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	return ids, nil
}
