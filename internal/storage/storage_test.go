package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"adsets/internal/models"
)

// store is the surface both backends implement
type store interface {
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
	ListMergeRuns(ctx context.Context, limit int) ([]*models.MergeRun, error)
	Stats(ctx context.Context) (clusters, ads int, err error)
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func newAd(id string) *models.Ad {
	return &models.Ad{
		ArchiveID: id,
		BodyText:  "Buy now 50% off summer sale limited time",
		Creatives: []models.Creative{{
			Media: []models.Media{
				{Kind: models.KindVideo, URL: "https://cdn.example.com/" + id + ".mp4", Quality: models.QualityHD},
				{Kind: models.KindImage, URL: "https://cdn.example.com/" + id + ".jpg", Quality: models.QualityThumbnail},
			},
		}},
		PrimaryMedia: &models.Media{Kind: models.KindVideo, URL: "https://cdn.example.com/" + id + ".mp4"},
		StartDate:    date("2024-03-01"),
		Signature:    "ffff0000ffff0000",
	}
}

func newCluster(sig, rep string) *models.Cluster {
	return &models.Cluster{
		ContentSignature:   sig,
		VariantCount:       1,
		RepresentativeAdID: rep,
		FirstSeen:          date("2024-03-01"),
		LastSeen:           date("2024-03-01"),
	}
}

// runStoreContract exercises behaviour both backends must share
func runStoreContract(t *testing.T, s store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		ad := newAd("100")
		c := newCluster("ffff0000ffff0000", "100")
		if err := s.CreateClusterWithAd(ctx, c, ad); err != nil {
			t.Fatalf("CreateClusterWithAd failed: %v", err)
		}
		if c.ID == 0 || ad.ClusterID != c.ID {
			t.Fatalf("ids not assigned: cluster %d, ad cluster %d", c.ID, ad.ClusterID)
		}

		got, err := s.GetAd(ctx, "100")
		if err != nil {
			t.Fatalf("GetAd failed: %v", err)
		}
		if got.ClusterID != c.ID {
			t.Errorf("cluster id = %d, want %d", got.ClusterID, c.ID)
		}
		if got.BodyText != ad.BodyText {
			t.Errorf("body = %q, want %q", got.BodyText, ad.BodyText)
		}
		if len(got.Creatives) != 1 || len(got.Creatives[0].Media) != 2 {
			t.Fatalf("creatives not round-tripped: %+v", got.Creatives)
		}
		if got.Creatives[0].Media[1].Quality != models.QualityThumbnail {
			t.Errorf("quality hint lost: %+v", got.Creatives[0].Media[1])
		}
		if got.PrimaryMedia == nil || got.PrimaryMedia.Kind != models.KindVideo {
			t.Errorf("primary media = %+v", got.PrimaryMedia)
		}
		if got.StartDate == nil || !got.StartDate.Equal(*ad.StartDate) {
			t.Errorf("start date = %v, want %v", got.StartDate, ad.StartDate)
		}
		if got.Signature != "ffff0000ffff0000" {
			t.Errorf("signature = %q", got.Signature)
		}

		byID, err := s.GetCluster(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetCluster failed: %v", err)
		}
		if byID.RepresentativeAdID != "100" || byID.VariantCount != 1 {
			t.Errorf("cluster = %+v", byID)
		}
		bySig, err := s.FindClusterBySignature(ctx, "ffff0000ffff0000")
		if err != nil {
			t.Fatalf("FindClusterBySignature failed: %v", err)
		}
		if bySig.ID != c.ID {
			t.Errorf("found cluster %d, want %d", bySig.ID, c.ID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := s.GetAd(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAd err = %v, want ErrNotFound", err)
		}
		if _, err := s.GetCluster(ctx, 999999); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetCluster err = %v, want ErrNotFound", err)
		}
		if _, err := s.FindClusterBySignature(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindClusterBySignature err = %v, want ErrNotFound", err)
		}
		if err := s.UpdateCluster(ctx, &models.Cluster{ID: 999999, ContentSignature: "x"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateCluster err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DuplicateSignature", func(t *testing.T) {
		first := newAd("200")
		if err := s.CreateClusterWithAd(ctx, newCluster("sig-200", "200"), first); err != nil {
			t.Fatalf("first create failed: %v", err)
		}

		second := newAd("201")
		err := s.CreateClusterWithAd(ctx, newCluster("sig-200", "201"), second)
		if !errors.Is(err, ErrDuplicateSignature) {
			t.Fatalf("err = %v, want ErrDuplicateSignature", err)
		}
		if second.ClusterID != 0 {
			t.Errorf("failed create left cluster id %d on the ad", second.ClusterID)
		}
		if _, err := s.GetAd(ctx, "201"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ad of failed create was persisted: %v", err)
		}

		other := newAd("202")
		oc := newCluster("sig-202", "202")
		if err := s.CreateClusterWithAd(ctx, oc, other); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		oc.ContentSignature = "sig-200"
		if err := s.UpdateCluster(ctx, oc); !errors.Is(err, ErrDuplicateSignature) {
			t.Errorf("UpdateCluster err = %v, want ErrDuplicateSignature", err)
		}
	})

	t.Run("SaveAdUpsert", func(t *testing.T) {
		ad := newAd("300")
		c := newCluster("sig-300", "300")
		if err := s.CreateClusterWithAd(ctx, c, ad); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		ad.BodyText = "new copy"
		ad.StartDate = nil
		if err := s.SaveAd(ctx, ad); err != nil {
			t.Fatalf("SaveAd failed: %v", err)
		}
		got, err := s.GetAd(ctx, "300")
		if err != nil {
			t.Fatalf("GetAd failed: %v", err)
		}
		if got.BodyText != "new copy" {
			t.Errorf("body after upsert = %q", got.BodyText)
		}
		if got.StartDate != nil {
			t.Errorf("start date should be cleared, got %v", got.StartDate)
		}

		variant := newAd("301")
		variant.ClusterID = c.ID
		if err := s.SaveAd(ctx, variant); err != nil {
			t.Fatalf("SaveAd variant failed: %v", err)
		}
		members, err := s.ListMembers(ctx, c.ID)
		if err != nil {
			t.Fatalf("ListMembers failed: %v", err)
		}
		if len(members) != 2 || members[0].ArchiveID != "300" || members[1].ArchiveID != "301" {
			t.Errorf("members = %v", members)
		}
	})

	t.Run("UpdateCluster", func(t *testing.T) {
		ad := newAd("400")
		c := newCluster("sig-400", "400")
		if err := s.CreateClusterWithAd(ctx, c, ad); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		c.VariantCount = 3
		c.ContentSignature = "sig-400b"
		c.FirstSeen = date("2024-01-01")
		c.LastSeen = nil
		if err := s.UpdateCluster(ctx, c); err != nil {
			t.Fatalf("UpdateCluster failed: %v", err)
		}
		got, err := s.GetCluster(ctx, c.ID)
		if err != nil {
			t.Fatalf("GetCluster failed: %v", err)
		}
		if got.VariantCount != 3 || got.ContentSignature != "sig-400b" {
			t.Errorf("cluster = %+v", got)
		}
		if got.FirstSeen == nil || !got.FirstSeen.Equal(*date("2024-01-01")) {
			t.Errorf("first seen = %v", got.FirstSeen)
		}
		if got.LastSeen != nil {
			t.Errorf("last seen = %v, want nil", got.LastSeen)
		}
	})

	t.Run("MergeClusters", func(t *testing.T) {
		a, b := newAd("500"), newAd("501")
		ca, cb := newCluster("sig-500", "500"), newCluster("sig-501", "501")
		if err := s.CreateClusterWithAd(ctx, ca, a); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := s.CreateClusterWithAd(ctx, cb, b); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		if err := s.MergeClusters(ctx, ca.ID, cb.ID); err != nil {
			t.Fatalf("MergeClusters failed: %v", err)
		}
		if _, err := s.GetCluster(ctx, cb.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("absorbed cluster still exists: %v", err)
		}
		members, err := s.ListMembers(ctx, ca.ID)
		if err != nil {
			t.Fatalf("ListMembers failed: %v", err)
		}
		if len(members) != 2 {
			t.Errorf("expected 2 members after merge, got %d", len(members))
		}

		if err := s.MergeClusters(ctx, ca.ID, cb.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second merge err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteCluster", func(t *testing.T) {
		ad := newAd("600")
		c := newCluster("sig-600", "600")
		if err := s.CreateClusterWithAd(ctx, c, ad); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		target := newCluster("sig-601", "601")
		if err := s.CreateClusterWithAd(ctx, target, newAd("601")); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		// Move the only member away, then drop the empty cluster
		ad.ClusterID = target.ID
		if err := s.SaveAd(ctx, ad); err != nil {
			t.Fatalf("SaveAd failed: %v", err)
		}
		if err := s.DeleteCluster(ctx, c.ID); err != nil {
			t.Fatalf("DeleteCluster failed: %v", err)
		}
		if _, err := s.GetCluster(ctx, c.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("deleted cluster still exists: %v", err)
		}
	})

	t.Run("MergeChecks", func(t *testing.T) {
		known, err := s.IsKnownDistinct(ctx, "aaa", "bbb")
		if err != nil {
			t.Fatalf("IsKnownDistinct failed: %v", err)
		}
		if known {
			t.Error("pair should not be known yet")
		}
		if err := s.MarkDistinct(ctx, "bbb", "aaa"); err != nil {
			t.Fatalf("MarkDistinct failed: %v", err)
		}
		// Pair order does not matter
		known, err = s.IsKnownDistinct(ctx, "aaa", "bbb")
		if err != nil {
			t.Fatalf("IsKnownDistinct failed: %v", err)
		}
		if !known {
			t.Error("pair should be known after MarkDistinct")
		}
		if err := s.MarkDistinct(ctx, "aaa", "bbb"); err != nil {
			t.Errorf("MarkDistinct should be idempotent: %v", err)
		}
	})

	t.Run("MergeRuns", func(t *testing.T) {
		start := time.Now().UTC().Truncate(time.Second)
		older := &models.MergeRun{ID: "6f1c2b1e-3d4a-4b5c-8d6e-7f8091a2b3c4", StartedAt: start.Add(-time.Hour), FinishedAt: start.Add(-time.Hour), Clusters: 2}
		newer := &models.MergeRun{ID: "0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d", StartedAt: start, FinishedAt: start.Add(time.Second), Clusters: 5, Compared: 10, Skipped: 1, Merged: 2, DryRun: true}
		for _, r := range []*models.MergeRun{older, newer} {
			if err := s.RecordMergeRun(ctx, r); err != nil {
				t.Fatalf("RecordMergeRun failed: %v", err)
			}
		}
		runs, err := s.ListMergeRuns(ctx, 10)
		if err != nil {
			t.Fatalf("ListMergeRuns failed: %v", err)
		}
		if len(runs) != 2 || runs[0].ID != newer.ID {
			t.Fatalf("runs = %v", runs)
		}
		got := runs[0]
		if got.Compared != 10 || got.Skipped != 1 || got.Merged != 2 || !got.DryRun {
			t.Errorf("run = %+v", got)
		}
	})

	t.Run("ListAndStats", func(t *testing.T) {
		clusters, err := s.ListClusters(ctx)
		if err != nil {
			t.Fatalf("ListClusters failed: %v", err)
		}
		for i := 1; i < len(clusters); i++ {
			if clusters[i-1].ID >= clusters[i].ID {
				t.Errorf("clusters not ordered by id: %d before %d", clusters[i-1].ID, clusters[i].ID)
			}
		}
		nc, na, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if nc != len(clusters) {
			t.Errorf("stats clusters = %d, listed %d", nc, len(clusters))
		}
		if na < nc {
			t.Errorf("fewer ads (%d) than clusters (%d)", na, nc)
		}
	})
}
