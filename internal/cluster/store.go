package cluster

import (
	"context"

	"adsets/internal/match"
	"adsets/internal/models"
	"adsets/internal/storage"
)

// Store errors, re-exported so callers and fakes need not import storage
var (
	ErrNotFound           = storage.ErrNotFound
	ErrDuplicateSignature = storage.ErrDuplicateSignature
)

// Store is the persistence the engine needs
type Store interface {
	GetAd(ctx context.Context, archiveID string) (*models.Ad, error)
	SaveAd(ctx context.Context, ad *models.Ad) error
	ListMembers(ctx context.Context, clusterID int64) ([]*models.Ad, error)

	GetCluster(ctx context.Context, id int64) (*models.Cluster, error)
	FindClusterBySignature(ctx context.Context, sig string) (*models.Cluster, error)
	ListClusters(ctx context.Context) ([]*models.Cluster, error)
	CreateClusterWithAd(ctx context.Context, c *models.Cluster, ad *models.Ad) error
	UpdateCluster(ctx context.Context, c *models.Cluster) error
	DeleteCluster(ctx context.Context, id int64) error
	MergeClusters(ctx context.Context, survivor, absorbed int64) error

	IsKnownDistinct(ctx context.Context, sigA, sigB string) (bool, error)
	MarkDistinct(ctx context.Context, sigA, sigB string) error
	RecordMergeRun(ctx context.Context, run *models.MergeRun) error
}

// CandidateFinder narrows the clusters worth verifying for a signature
type CandidateFinder interface {
	FindCandidates(ctx context.Context, sig string, limit int) ([]int64, error)
}

// IndexUpdater is implemented by in-process finders that must follow
// cluster signature changes
type IndexUpdater interface {
	Upsert(id int64, sig string)
	Remove(id int64)
}

// Comparator decides whether two ads show the same creative
type Comparator interface {
	ShouldGroup(ctx context.Context, a, b *models.Ad) match.Verdict
}

// SignatureBuilder computes an ad's content signature
type SignatureBuilder interface {
	Build(ctx context.Context, ad *models.Ad) string
}
