package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// drivers opens a fresh store per driver so every behaviour test covers both
var drivers = map[string]func(t *testing.T) LinkStore{
	DriverSQLite: func(t *testing.T) LinkStore {
		store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "links.db"), testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	},
	DriverBadger: func(t *testing.T) LinkStore {
		store, err := NewBadgerStore(context.Background(), t.TempDir(), testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	},
}

func forEachDriver(t *testing.T, fn func(t *testing.T, store LinkStore)) {
	for name, open := range drivers {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func link(path string) models.LinkRecord {
	return models.LinkRecord{
		Link:      "https://t.me/" + path,
		SourceURL: "https://example.com/groups",
		Keyword:   "telegram groups",
	}
}

func TestStore_AddLink(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()

		added, err := store.AddLink(ctx, link("golang"))
		require.NoError(t, err)
		assert.True(t, added)

		has, err := store.HasLink(ctx, "https://t.me/golang")
		require.NoError(t, err)
		assert.True(t, has)

		has, err = store.HasLink(ctx, "https://t.me/rust")
		require.NoError(t, err)
		assert.False(t, has)

		n, err := store.CountLinks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_ReinsertLeavesCountUnchanged(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()

		_, err := store.AddLink(ctx, link("golang"))
		require.NoError(t, err)

		dup := link("golang")
		dup.Keyword = "other keyword"
		dup.SourceURL = "https://other.example/"
		added, err := store.AddLink(ctx, dup)
		require.NoError(t, err)
		assert.False(t, added)

		n, err := store.CountLinks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recs, err := store.ListLinks(ctx, models.LinkFilter{})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "telegram groups", recs[0].Keyword, "first sighting wins")
		assert.Equal(t, "https://example.com/groups", recs[0].SourceURL)
	})
}

func TestStore_NDistinctWithMStoredAddsNMinusM(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()
		const total, preStored = 8, 3

		for i := 0; i < preStored; i++ {
			_, err := store.AddLink(ctx, link(fmt.Sprintf("chan%d", i)))
			require.NoError(t, err)
		}
		before, err := store.CountLinks(ctx)
		require.NoError(t, err)

		added := 0
		for i := 0; i < total; i++ {
			ok, err := store.AddLink(ctx, link(fmt.Sprintf("chan%d", i)))
			require.NoError(t, err)
			if ok {
				added++
			}
		}
		after, err := store.CountLinks(ctx)
		require.NoError(t, err)

		assert.Equal(t, total-preStored, added)
		assert.Equal(t, total-preStored, after-before)
	})
}

func TestStore_ConcurrentAddLinkSameLink(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		addedCount := 0

		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				added, err := store.AddLink(ctx, link("race"))
				assert.NoError(t, err)
				if added {
					mu.Lock()
					addedCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, addedCount)
		n, err := store.CountLinks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_ListLinks(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()
		discovered := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

		for i, path := range []string{"alpha", "beta", "gamma_news"} {
			rec := link(path)
			rec.DiscoveredAt = discovered.Add(time.Duration(i) * time.Minute)
			if path == "gamma_news" {
				rec.Keyword = "telegram news groups"
				rec.SourceURL = "https://news.example/list"
			}
			_, err := store.AddLink(ctx, rec)
			require.NoError(t, err)
		}

		t.Run("newest first", func(t *testing.T) {
			recs, err := store.ListLinks(ctx, models.LinkFilter{})
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "https://t.me/gamma_news", recs[0].Link)
			assert.Equal(t, "https://t.me/alpha", recs[2].Link)
			assert.True(t, recs[0].DiscoveredAt.Equal(discovered.Add(2*time.Minute)), "got %v", recs[0].DiscoveredAt)
			assert.NotZero(t, recs[0].ID)
		})

		t.Run("keyword filter", func(t *testing.T) {
			recs, err := store.ListLinks(ctx, models.LinkFilter{Keyword: "telegram news groups"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "https://t.me/gamma_news", recs[0].Link)
		})

		t.Run("contains matches link or source", func(t *testing.T) {
			recs, err := store.ListLinks(ctx, models.LinkFilter{Contains: "beta"})
			require.NoError(t, err)
			require.Len(t, recs, 1)

			recs, err = store.ListLinks(ctx, models.LinkFilter{Contains: "news.example"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "https://t.me/gamma_news", recs[0].Link)
		})

		t.Run("limit", func(t *testing.T) {
			recs, err := store.ListLinks(ctx, models.LinkFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, recs, 2)
		})

		t.Run("no match is empty not nil", func(t *testing.T) {
			recs, err := store.ListLinks(ctx, models.LinkFilter{Keyword: "missing"})
			require.NoError(t, err)
			assert.NotNil(t, recs)
			assert.Empty(t, recs)
		})
	})
}

func TestStore_CountByKeyword(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := store.AddLink(ctx, link(fmt.Sprintf("a%d", i)))
			require.NoError(t, err)
		}
		rec := link("q1")
		rec.Keyword = models.QueuedKeyword
		_, err := store.AddLink(ctx, rec)
		require.NoError(t, err)

		counts, err := store.CountByKeyword(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.KeywordCount{
			{Keyword: "telegram groups", Count: 3},
			{Keyword: models.QueuedKeyword, Count: 1},
		}, counts)
	})
}

func TestStore_ProcessedURLs(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()
		page := "https://example.com/page"

		ok, err := store.IsURLProcessed(ctx, page)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, store.MarkURLProcessed(ctx, page))
		require.NoError(t, store.MarkURLProcessed(ctx, page), "marking twice is not an error")

		ok, err = store.IsURLProcessed(ctx, page)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_URLQueue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()

		require.NoError(t, store.MarkURLProcessed(ctx, "https://example.com/done"))

		added, err := store.EnqueueURLs(ctx, []string{
			"https://example.com/1",
			"https://example.com/2",
			"https://example.com/done", // already processed
			"https://example.com/1",    // duplicate in batch
		})
		require.NoError(t, err)
		assert.Equal(t, 2, added)

		added, err = store.EnqueueURLs(ctx, []string{"https://example.com/2", "https://example.com/3"})
		require.NoError(t, err)
		assert.Equal(t, 1, added, "already queued URLs are ignored")

		n, err := store.QueueLength(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		urls, err := store.DequeueURLs(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, urls, "oldest first")

		urls, err = store.DequeueURLs(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"https://example.com/3"}, urls)

		urls, err = store.DequeueURLs(ctx, 10)
		require.NoError(t, err)
		assert.NotNil(t, urls)
		assert.Empty(t, urls)

		added, err = store.EnqueueURLs(ctx, []string{"https://example.com/1"})
		require.NoError(t, err)
		assert.Equal(t, 1, added, "a dequeued URL may be queued again")
	})
}

func TestStore_EmptyInputs(t *testing.T) {
	forEachDriver(t, func(t *testing.T, store LinkStore) {
		ctx := context.Background()

		added, err := store.EnqueueURLs(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, added)

		urls, err := store.DequeueURLs(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, urls)

		counts, err := store.CountByKeyword(ctx)
		require.NoError(t, err)
		assert.Empty(t, counts)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	reopeners := map[string]func(path string) (LinkStore, error){
		DriverSQLite: func(path string) (LinkStore, error) {
			return NewSQLiteStore(ctx, filepath.Join(path, "links.db"), testLogger())
		},
		DriverBadger: func(path string) (LinkStore, error) {
			return NewBadgerStore(ctx, path, testLogger())
		},
	}

	for name, open := range reopeners {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			store1, err := open(dir)
			require.NoError(t, err)
			_, err = store1.AddLink(ctx, link("persisted"))
			require.NoError(t, err)
			require.NoError(t, store1.MarkURLProcessed(ctx, "https://example.com/p"))
			_, err = store1.EnqueueURLs(ctx, []string{"https://example.com/q"})
			require.NoError(t, err)
			require.NoError(t, store1.Close())

			store2, err := open(dir)
			require.NoError(t, err)
			t.Cleanup(func() { store2.Close() })

			n, err := store2.CountLinks(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			added, err := store2.AddLink(ctx, link("persisted"))
			require.NoError(t, err)
			assert.False(t, added)

			ok, err := store2.IsURLProcessed(ctx, "https://example.com/p")
			require.NoError(t, err)
			assert.True(t, ok)

			urls, err := store2.DequeueURLs(ctx, 5)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://example.com/q"}, urls)
		})
	}
}

func TestOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "nested", "links.db"), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	store, err = Open(ctx, "BADGER", t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, "postgres", "x", testLogger())
	assert.ErrorIs(t, err, utils.ErrConfigValidation)
}

func TestDBTime_Scan(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	for _, src := range []any{
		want,
		want.Format(time.RFC3339Nano),
		[]byte(want.Format(time.RFC3339Nano)),
		"2024-05-06 07:08:09+00:00",
		"2024-05-06 07:08:09",
		want.Unix(),
	} {
		var ts dbTime
		require.NoError(t, ts.Scan(src), "%T %v", src, src)
		assert.True(t, ts.Equal(want), "%T %v -> %v", src, src, ts.Time)
	}

	var ts dbTime
	assert.Error(t, ts.Scan("yesterday"))
	assert.Error(t, ts.Scan(3.14))
}
