package story

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Story{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestRepo_LifecycleUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	s := &Story{ID: "01STORY0000000000000000001", UserID: "u1", Title: "Cuento infantil", Inputs: []byte(`{}`), Status: StatusPending}
	require.NoError(t, repo.Create(ctx, s))

	require.NoError(t, repo.MarkError(ctx, s.ID, "boom"))
	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.GenerationError)
	assert.Equal(t, "boom", *got.GenerationError)

	require.NoError(t, repo.SetStatus(ctx, s.ID, StatusGeneratingStory))
	got, err = repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGeneratingStory, got.Status)
	assert.Nil(t, got.GenerationError)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, repo.SaveGenerated(ctx, s.ID, "T", "S", at))
	got, err = repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGenerated, got.Status)
	assert.Equal(t, "T", got.Title)
	assert.Equal(t, "S", got.StoryText)
	require.NotNil(t, got.GeneratedAt)
	assert.True(t, at.Equal(*got.GeneratedAt))
}

func TestRepo_OwnershipAndListing(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(openTestDB(t))

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"01STORYA000000000000000001", "01STORYB000000000000000002"} {
		require.NoError(t, repo.Create(ctx, &Story{
			ID: id, UserID: "u1", Title: "t", Inputs: []byte(`{}`), Status: StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Create(ctx, &Story{ID: "01STORYC000000000000000003", UserID: "u2", Title: "t", Inputs: []byte(`{}`), Status: StatusPending}))

	_, err := repo.GetOwned(ctx, "01STORYC000000000000000003", "u1")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	list, err := repo.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "01STORYB000000000000000002", list[0].ID)

	n, err := repo.CountCreatedBetween(ctx, "u1", base.Add(-time.Minute), base.Add(30*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
