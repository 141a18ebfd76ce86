package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/telescraper/pkg/models"
	"github.com/Sriram-PR/telescraper/pkg/utils"
)

// DrainTimeout bounds how long queued notifications keep sending once shutdown starts
const DrainTimeout = 10 * time.Second

// Dispatcher decouples the poller from notification sends: Enqueue never blocks,
// a single Run goroutine delivers items in order.
type Dispatcher struct {
	notifier Notifier
	queue    chan models.LinkRecord
	log      *logrus.Entry

	mu     sync.RWMutex
	closed bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher with a buffer of size items
func NewDispatcher(n Notifier, size int, logger *logrus.Entry) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		notifier: n,
		queue:    make(chan models.LinkRecord, size),
		log:      logger.WithField("component", "dispatcher"),
	}
}

// Enqueue hands rec to the sender. Returns false when the dispatcher is closed
// or its buffer is full.
func (d *Dispatcher) Enqueue(rec models.LinkRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- rec:
		return true
	default:
		d.dropped.Add(1)
		d.log.WithField("link", rec.Link).Warn("Notification queue full, dropping link announcement")
		return false
	}
}

// Close stops intake. Run sends what is already queued, then returns.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Run delivers queued items until Close has been called and the queue is empty,
// or until ctx is cancelled. Send errors are logged, never returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Notification sender started")
	defer func() {
		d.log.WithFields(logrus.Fields{
			"sent":    d.sent.Load(),
			"failed":  d.failed.Load(),
			"dropped": d.dropped.Load(),
		}).Info("Notification sender stopped")
	}()

	for {
		select {
		case rec, ok := <-d.queue:
			if !ok {
				return nil
			}
			if err := d.notifier.Notify(ctx, rec); err != nil {
				if ctx.Err() != nil {
					d.dropped.Add(int64(1 + len(d.queue)))
					return nil
				}
				d.failed.Add(1)
				d.log.WithFields(logrus.Fields{
					"link":     rec.Link,
					"category": utils.CategorizeError(err),
				}).Errorf("Failed to send link notification: %v", err)
				continue
			}
			d.sent.Add(1)
		case <-ctx.Done():
			d.dropped.Add(int64(len(d.queue)))
			return nil
		}
	}
}

// Stats returns the sent, failed and dropped counters
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}
