package fetch

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Pacer spaces out requests with a fixed base delay plus random jitter so the
// request pattern is less predictable to the sites being polled.
type Pacer struct {
	jitter time.Duration
	randFn func(n int64) int64
	log    *logrus.Entry
}

// NewPacer creates a Pacer adding up to jitter on top of every base delay
func NewPacer(jitter time.Duration, log *logrus.Entry) *Pacer {
	if jitter < 0 {
		jitter = 0
	}
	return &Pacer{
		jitter: jitter,
		randFn: rand.Int63n,
		log:    log,
	}
}

// Delay returns base plus a uniform random amount in [0, jitter].
func (p *Pacer) Delay(base time.Duration) time.Duration {
	if base < 0 {
		base = 0
	}
	if p.jitter <= 0 {
		return base
	}
	return base + time.Duration(p.randFn(int64(p.jitter)+1))
}

// Wait sleeps for Delay(base), returning ctx.Err() as soon as ctx is cancelled.
func (p *Pacer) Wait(ctx context.Context, base time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := p.Delay(base)
	if d <= 0 {
		return nil
	}
	p.log.WithField("delay", d.Round(time.Millisecond)).Debug("Waiting")

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
