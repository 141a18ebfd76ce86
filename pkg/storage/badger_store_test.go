package storage

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(context.Background(), t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerStore_DequeueUnreadableEntryClearsMembership(t *testing.T) {
	ctx := context.Background()
	store := newTestBadgerStore(t)

	const corrupt = "https://example.com/corrupt"
	added, err := store.EnqueueURLs(ctx, []string{corrupt, "https://example.com/ok"})
	require.NoError(t, err)
	require.Equal(t, 2, added)

	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(queuedKeyPrefix + corrupt))
		if err != nil {
			return err
		}
		qKey, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.Set(qKey, []byte("{not json"))
	}))

	urls, err := store.DequeueURLs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/ok"}, urls)

	err = store.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(queuedKeyPrefix + corrupt))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound, "membership key of the dropped entry is removed")

	added, err = store.EnqueueURLs(ctx, []string{corrupt})
	require.NoError(t, err)
	assert.Equal(t, 1, added, "a dropped entry may be queued again")

	urls, err = store.DequeueURLs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{corrupt}, urls)
}

func TestBadgerStore_CloseStopsGC(t *testing.T) {
	store := newTestBadgerStore(t)

	// The parent context is never cancelled, so only Close can stop GC
	store.StartGC(context.Background(), time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- store.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	select {
	case <-store.gcDone:
	default:
		t.Fatal("GC goroutine still running after Close")
	}
	assert.True(t, store.db.IsClosed())
}

func TestOpen_BadgerCloseStopsGC(t *testing.T) {
	store, err := Open(context.Background(), DriverBadger, t.TempDir(), testLogger())
	require.NoError(t, err)
	bs, ok := store.(*BadgerStore)
	require.True(t, ok)
	require.NotNil(t, bs.gcDone, "Open starts GC for badger")

	require.NoError(t, store.Close())

	select {
	case <-bs.gcDone:
	case <-time.After(time.Second):
		t.Fatal("GC goroutine still running after Close")
	}
}
