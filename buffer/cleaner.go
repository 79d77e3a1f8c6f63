package buffer

import (
	"context"
	"time"

	"github.com/devlights/gomy/chans"
)

// Cleaner periodically sweeps the pool for dirty frames and flushes
// them in the background, the role the teacher's deleterFreePages
// loop plays for the allocation page (bufmgr.go), generalized here to
// the whole pool and split across shards so one slow store write
// cannot stall every frame's eviction eligibility.
type Cleaner struct {
	pool   *Pool
	shards int
	period time.Duration
	errors chan error
}

// NewCleaner builds a cleaner that splits the frame array into shards
// sweeps and flushes every period.
func NewCleaner(pool *Pool, shards int, period time.Duration) *Cleaner {
	if shards < 1 {
		shards = 1
	}
	return &Cleaner{pool: pool, shards: shards, period: period, errors: make(chan error, shards)}
}

// Run starts one goroutine per shard and blocks until ctx is canceled.
// Each shard's "finished this pass" pulse is merged through
// gomy/chans.FanIn so the caller can observe a single combined stream
// instead of fanning out a select over every shard itself.
func (c *Cleaner) Run(ctx context.Context) {
	pulses := make([]<-chan struct{}, c.shards)
	for s := 0; s < c.shards; s++ {
		pulses[s] = c.runShard(ctx, s)
	}
	merged := chans.FanIn(pulses...)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-merged:
			if !ok {
				return
			}
		}
	}
}

// Errors surfaces flush failures encountered by any shard.
func (c *Cleaner) Errors() <-chan error { return c.errors }

func (c *Cleaner) runShard(ctx context.Context, shard int) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepShard(shard)
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (c *Cleaner) sweepShard(shard int) {
	frames := c.pool.frames
	for i := shard; i < len(frames); i += c.shards {
		f := &frames[i]
		if f.PageID.IsNil() || !f.Dirty() {
			continue
		}
		if err := c.pool.flush(f); err != nil {
			select {
			case c.errors <- err:
			default:
			}
		}
	}
}
