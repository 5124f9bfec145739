package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"movie-notifier/pkg/notifier"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// BadgerCache stores schedule snapshots in an embedded BadgerDB.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a BadgerDB at dir with logging disabled.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerCache creates a BadgerDB-backed snapshot cache.
func NewBadgerCache(db *badger.DB) *BadgerCache {
	return &BadgerCache{db: db}
}

func badgerKey(movieID int) []byte {
	return []byte(cacheSnapshotPrefix + strconv.Itoa(movieID))
}

// Get loads the snapshot of a movie. Returns notifier.ErrSnapshotNotFound when absent.
func (c *BadgerCache) Get(ctx context.Context, movieID int) (*notifier.ScheduleSnapshot, error) {
	var snap notifier.ScheduleSnapshot

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(movieID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notifier.ErrSnapshotNotFound
		}
		if err != nil {
			return fmt.Errorf("get snapshot: %w", err)
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Put replaces the snapshot of a movie in one transaction.
func (c *BadgerCache) Put(ctx context.Context, snap *notifier.ScheduleSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	return c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerKey(snap.MovieID), data); err != nil {
			return fmt.Errorf("set snapshot: %w", err)
		}
		return nil
	})
}
