package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/log"
	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

const (
	linkKeyPrefix   = "link:"   // link URL -> JSON LinkRecord
	pageKeyPrefix   = "page:"   // processed page URL -> JSON PageEntry
	queueKeyPrefix  = "queue:"  // big-endian sequence -> JSON QueueEntry
	queuedKeyPrefix = "queued:" // queued URL -> sequence key, for membership checks
	linkSeqKey      = "seq:link"
	queueSeqKey     = "seq:queue"
	seqBandwidth    = 100
)

// BadgerStore implements LinkStore using BadgerDB. The path is a directory.
type BadgerStore struct {
	db        *badger.DB
	log       *logrus.Entry
	linkSeq   *badger.Sequence
	queueSeq  *badger.Sequence
	linkCount atomic.Int64 // Cached link count for O(1) CountLinks

	gcStop context.CancelFunc // Set by StartGC; Close stops GC before closing the DB
	gcDone chan struct{}
}

// NewBadgerStore opens (or creates) the Badger database in dir
func NewBadgerStore(ctx context.Context, dir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	logger.Infof("Initializing link database at: %s", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create database directory %s: %v", utils.ErrDatabase, dir, err)
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(log.NewBadgerLogrusAdapter(logger)).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %v", utils.ErrDatabase, dir, err)
	}

	if store.linkSeq, err = store.db.GetSequence([]byte(linkSeqKey), seqBandwidth); err != nil {
		store.db.Close()
		return nil, fmt.Errorf("%w: link sequence: %v", utils.ErrDatabase, err)
	}
	if store.queueSeq, err = store.db.GetSequence([]byte(queueSeqKey), seqBandwidth); err != nil {
		store.linkSeq.Release()
		store.db.Close()
		return nil, fmt.Errorf("%w: queue sequence: %v", utils.ErrDatabase, err)
	}

	count, err := store.countPrefix(ctx, linkKeyPrefix)
	if err != nil {
		logger.Warnf("Failed to count existing links: %v", err)
	} else {
		store.linkCount.Store(int64(count))
		logger.Infof("Loaded existing link count: %d", count)
	}

	logger.Info("Link database initialized successfully (badger).")
	return store, nil
}

// countPrefix performs a one-time key scan (used only during initialization)
func (s *BadgerStore) countPrefix(ctx context.Context, prefix string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Conflicts resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// AddLink implements LinkWriter
func (s *BadgerStore) AddLink(ctx context.Context, rec models.LinkRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec.DiscoveredAt.IsZero() {
		rec.DiscoveredAt = time.Now()
	}
	rec.DiscoveredAt = rec.DiscoveredAt.UTC()
	key := []byte(linkKeyPrefix + rec.Link)

	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		exists, err := keyExists(txn, key)
		if err != nil || exists {
			return err
		}
		id, err := s.linkSeq.Next()
		if err != nil {
			return err
		}
		rec.ID = int64(id) + 1
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(key, val); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in AddLink: %v", err)
		return false, fmt.Errorf("%w: adding link '%s': %v", utils.ErrDatabase, rec.Link, err)
	}
	if added {
		s.linkCount.Add(1)
	}
	return added, nil
}

// HasLink implements LinkReader
func (s *BadgerStore) HasLink(ctx context.Context, link string) (bool, error) {
	return s.has(ctx, linkKeyPrefix+link)
}

// CountLinks implements LinkReader
func (s *BadgerStore) CountLinks(ctx context.Context) (int, error) {
	return int(s.linkCount.Load()), nil
}

// scanLinks decodes every stored link record
func (s *BadgerStore) scanLinks(ctx context.Context, fn func(rec models.LinkRecord)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(linkKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec models.LinkRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					s.log.Warnf("Failed to unmarshal LinkRecord for key '%s': %v. Skipping.", string(item.Key()), err)
					return nil
				}
				fn(rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListLinks implements LinkReader
func (s *BadgerStore) ListLinks(ctx context.Context, filter models.LinkFilter) ([]models.LinkRecord, error) {
	records := []models.LinkRecord{}
	err := s.scanLinks(ctx, func(rec models.LinkRecord) {
		if filter.Keyword != "" && rec.Keyword != filter.Keyword {
			return
		}
		if filter.Contains != "" &&
			!strings.Contains(rec.Link, filter.Contains) &&
			!strings.Contains(rec.SourceURL, filter.Contains) {
			return
		}
		records = append(records, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing links: %v", utils.ErrDatabase, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	if limit := effectiveLimit(filter.Limit); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// CountByKeyword implements LinkReader
func (s *BadgerStore) CountByKeyword(ctx context.Context) ([]models.KeywordCount, error) {
	byKeyword := make(map[string]int)
	if err := s.scanLinks(ctx, func(rec models.LinkRecord) { byKeyword[rec.Keyword]++ }); err != nil {
		return nil, fmt.Errorf("%w: counting links by keyword: %v", utils.ErrDatabase, err)
	}

	counts := make([]models.KeywordCount, 0, len(byKeyword))
	for k, n := range byKeyword {
		counts = append(counts, models.KeywordCount{Keyword: k, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Keyword < counts[j].Keyword
	})
	return counts, nil
}

// MarkURLProcessed implements PageTracker
func (s *BadgerStore) MarkURLProcessed(ctx context.Context, pageURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(pageKeyPrefix + pageURL)
	val, err := json.Marshal(models.PageEntry{URL: pageURL, ProcessedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal PageEntry for key '%s': %v", utils.ErrParsing, string(key), err)
	}

	err = s.dbUpdate(func(txn *badger.Txn) error {
		exists, err := keyExists(txn, key)
		if err != nil || exists {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error in MarkURLProcessed: %v", err)
		return fmt.Errorf("%w: marking page key '%s': %v", utils.ErrDatabase, string(key), err)
	}
	return nil
}

// IsURLProcessed implements PageTracker
func (s *BadgerStore) IsURLProcessed(ctx context.Context, pageURL string) (bool, error) {
	return s.has(ctx, pageKeyPrefix+pageURL)
}

// EnqueueURLs implements URLQueue
func (s *BadgerStore) EnqueueURLs(ctx context.Context, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	added := 0
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = 0
		seen := make(map[string]bool, len(urls))
		for _, u := range urls {
			if seen[u] {
				continue
			}
			seen[u] = true

			queued, err := keyExists(txn, []byte(queuedKeyPrefix+u))
			if err != nil {
				return err
			}
			processed, err := keyExists(txn, []byte(pageKeyPrefix+u))
			if err != nil {
				return err
			}
			if queued || processed {
				continue
			}

			seq, err := s.queueSeq.Next()
			if err != nil {
				return err
			}
			qKey := queueKey(seq)
			val, err := json.Marshal(models.QueueEntry{URL: u, AddedAt: now})
			if err != nil {
				return err
			}
			if err := txn.Set(qKey, val); err != nil {
				return err
			}
			if err := txn.Set([]byte(queuedKeyPrefix+u), qKey); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: enqueueing urls: %v", utils.ErrDatabase, err)
	}
	return added, nil
}

// DequeueURLs implements URLQueue
func (s *BadgerStore) DequeueURLs(ctx context.Context, n int) ([]string, error) {
	urls := []string{}
	if n <= 0 {
		return urls, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := s.dbUpdate(func(txn *badger.Txn) error {
		urls = urls[:0]
		var keys [][]byte
		unreadable := map[string]bool{}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queueKeyPrefix)
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid() && len(urls) < n; it.Next() {
			item := it.Item()
			var entry models.QueueEntry
			err := item.Value(func(val []byte) error { return json.Unmarshal(val, &entry) })
			if err != nil {
				s.log.Warnf("Dropping unreadable queue entry '%x': %v", item.Key(), err)
				unreadable[string(item.Key())] = true
			} else {
				urls = append(urls, entry.URL)
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, u := range urls {
			if err := txn.Delete([]byte(queuedKeyPrefix + u)); err != nil {
				return err
			}
		}
		if len(unreadable) > 0 {
			return deleteQueuedMarkers(txn, unreadable)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dequeueing urls: %v", utils.ErrDatabase, err)
	}
	return urls, nil
}

// deleteQueuedMarkers removes the membership keys pointing at the given queue
// keys. A dropped entry's URL is unknown, so the markers are found by value.
func deleteQueuedMarkers(txn *badger.Txn, queueKeys map[string]bool) error {
	var stale [][]byte
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(queuedKeyPrefix)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			if queueKeys[string(val)] {
				stale = append(stale, item.KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			it.Close()
			return err
		}
	}
	it.Close()

	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// QueueLength implements URLQueue
func (s *BadgerStore) QueueLength(ctx context.Context) (int, error) {
	n, err := s.countPrefix(ctx, queueKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("%w: counting queue: %v", utils.ErrDatabase, err)
	}
	return n, nil
}

// queueKey orders entries by sequence: big-endian keys sort numerically
func queueKey(seq uint64) []byte {
	key := make([]byte, len(queueKeyPrefix)+8)
	copy(key, queueKeyPrefix)
	binary.BigEndian.PutUint64(key[len(queueKeyPrefix):], seq)
	return key
}

func (s *BadgerStore) has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = keyExists(txn, []byte(key))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed getting key '%s': %v", utils.ErrDatabase, key, err)
	}
	return found, nil
}

// StartGC runs RunGC in the background until ctx is cancelled or the store is closed
func (s *BadgerStore) StartGC(ctx context.Context, interval time.Duration) {
	if s.gcStop != nil {
		return
	}
	gcCtx, stop := context.WithCancel(ctx)
	s.gcStop = stop
	s.gcDone = make(chan struct{})
	go func() {
		defer close(s.gcDone)
		s.RunGC(gcCtx, interval)
	}()
}

// RunGC runs BadgerDB's value log garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Debug("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
				s.log.Debug("BadgerDB GC cycle completed.")
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Debugf("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements LinkStore
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		s.log.Info("Link DB already closed or was not initialized.")
		return nil
	}
	if s.gcStop != nil {
		s.gcStop()
		<-s.gcDone
	}
	s.log.Info("Closing link DB...")
	for _, seq := range []*badger.Sequence{s.linkSeq, s.queueSeq} {
		if seq == nil {
			continue
		}
		if err := seq.Release(); err != nil {
			s.log.Warnf("Error releasing sequence: %v", err)
		}
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing link DB: %v", err)
		return err
	}
	s.log.Info("Link DB closed.")
	return nil
}
