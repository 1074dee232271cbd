package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/visit-tracker/internal"
	"github.com/koopa0/visit-tracker/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStore_ArchiveProductRoundTrip(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	ctx := context.Background()

	visitDate := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	history := &internal.ProductVisitHistory{
		ProductID:    1,
		VisitDate:    visitDate,
		TotalVisits:  3,
		UniqueVisits: 2,
		UserVisits:   1,
	}
	details := []internal.VisitDetail{
		{
			ProductID: 1,
			ClientIP:  "10.0.0.1",
			Timestamp: visitDate.Add(10 * time.Hour),
			UserAgent: "agent-a",
			SessionID: "sess-1",
			UserID:    42,
		},
		{
			// 匿名訪問，user_id 落地為 NULL
			ProductID: 1,
			ClientIP:  "10.0.0.2",
			Timestamp: visitDate.Add(12 * time.Hour),
		},
	}

	require.NoError(t, store.ArchiveProduct(ctx, history, details))

	summaries, err := store.VisitHistory(ctx, internal.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1), summaries[0].ProductID)
	require.Len(t, summaries[0].DailyStats, 1)
	assert.Equal(t, "2026-08-20", summaries[0].DailyStats[0].Date)
	assert.Equal(t, int64(3), summaries[0].DailyStats[0].TotalVisits)
	assert.Equal(t, int64(2), summaries[0].DailyStats[0].UniqueVisits)
	assert.Equal(t, int64(1), summaries[0].DailyStats[0].UserVisits)

	// 明細按訪問時間降序
	got, err := store.VisitDetails(ctx, 1, internal.DetailFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.2", got[0].ClientIP)
	assert.Equal(t, int64(0), got[0].UserID)
	assert.Equal(t, "10.0.0.1", got[1].ClientIP)
	assert.Equal(t, int64(42), got[1].UserID)
}

func TestHistoryStore_RepeatedArchiveSameDayAddsRows(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	ctx := context.Background()

	visitDate := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	for _, total := range []int64{5, 7} {
		require.NoError(t, store.ArchiveProduct(ctx, &internal.ProductVisitHistory{
			ProductID:   2,
			VisitDate:   visitDate,
			TotalVisits: total,
		}, nil))
	}

	summaries, err := store.VisitHistory(ctx, internal.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	// 同日重複歸檔是追加而非覆蓋
	require.Len(t, summaries[0].DailyStats, 2)
	assert.Equal(t, int64(5), summaries[0].DailyStats[0].TotalVisits)
	assert.Equal(t, int64(7), summaries[0].DailyStats[1].TotalVisits)
}

func TestHistoryStore_VisitHistoryFilters(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		productID int64
		day       int
	}{
		{1, 0}, {1, 5}, {2, 5}, {3, 10},
	}
	for _, row := range rows {
		require.NoError(t, store.ArchiveProduct(ctx, &internal.ProductVisitHistory{
			ProductID:   row.productID,
			VisitDate:   base.AddDate(0, 0, row.day),
			TotalVisits: 1,
		}, nil))
	}

	// 日期範圍過濾
	summaries, err := store.VisitHistory(ctx, internal.HistoryFilter{
		StartDate: base.AddDate(0, 0, 4),
		EndDate:   base.AddDate(0, 0, 6),
	})
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	// 產品過濾
	summaries, err = store.VisitHistory(ctx, internal.HistoryFilter{
		ProductIDs: []int64{1},
	})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(1), summaries[0].ProductID)
	assert.Len(t, summaries[0].DailyStats, 2)
}

func TestHistoryStore_VisitDetailsFilterAndLimit(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	ctx := context.Background()

	base := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	details := make([]internal.VisitDetail, 0, 5)
	for i := range 5 {
		details = append(details, internal.VisitDetail{
			ProductID: 9,
			ClientIP:  "10.0.0.1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, store.ArchiveProduct(ctx, &internal.ProductVisitHistory{
		ProductID:   9,
		VisitDate:   base,
		TotalVisits: 5,
	}, details))

	got, err := store.VisitDetails(ctx, 9, internal.DetailFilter{
		Start: base.Add(1 * time.Hour),
		End:   base.Add(3 * time.Hour),
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.After(got[1].Timestamp))
}

func TestHistoryStore_ArchiveWithArchiverEndToEnd(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	cfg := testutils.DefaultTestConfig()
	tracker := newTestTracker(env, cfg)
	store := internal.NewHistoryStore(env.PostgresPool, env.Logger)
	archiver := internal.NewArchiver(tracker, store, cfg, env.Logger)
	ctx := context.Background()

	require.True(t, tracker.TrackVisit(ctx, 11, "10.0.0.1", "valid-token", internal.VisitInfo{UserAgent: "agent"}))
	require.True(t, tracker.TrackVisit(ctx, 11, "10.0.0.2", "", internal.VisitInfo{}))

	result := archiver.Run(ctx)
	require.Equal(t, internal.ArchiveStatusCompleted, result.Status)
	assert.Equal(t, 1, result.ProductsArchived)
	assert.Equal(t, 2, result.DetailsArchived)

	summaries, err := store.VisitHistory(ctx, internal.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, int64(11), summaries[0].ProductID)
	assert.Equal(t, int64(2), summaries[0].DailyStats[0].TotalVisits)
	assert.Equal(t, int64(1), summaries[0].DailyStats[0].UserVisits)

	got, err := store.VisitDetails(ctx, 11, internal.DetailFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
