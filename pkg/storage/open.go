package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/utils"
)

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// gcInterval is how often the badger value log is compacted while the store is open
const gcInterval = 10 * time.Minute

// Open returns the LinkStore for driver. For badger, path names a directory and a
// GC goroutine runs until ctx is cancelled or the store is closed.
func Open(ctx context.Context, driver, path string, logger *logrus.Entry) (LinkStore, error) {
	storeLog := logger.WithFields(logrus.Fields{"component": "storage", "driver": driver})
	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		return NewSQLiteStore(ctx, path, storeLog)
	case DriverBadger:
		store, err := NewBadgerStore(ctx, path, storeLog)
		if err != nil {
			return nil, err
		}
		store.StartGC(ctx, gcInterval)
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage driver '%s'", utils.ErrConfigValidation, driver)
	}
}
