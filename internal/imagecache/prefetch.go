package imagecache

import (
	"context"
	"time"

	"github.com/ivlev/boxlabel/internal/system"
)

// run is the prefetch loop. Each pass loads at most one batch of missing
// window indices, then adapts batch size and eviction to memory pressure
// and sleeps until woken, timed out or cancelled.
func (c *Cache) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		planned := c.fill(ctx)
		pressure := c.adapt()

		var delay time.Duration
		switch {
		case pressure:
			delay = c.opts.PressureDelay
		case planned > 0:
			delay = c.opts.PrefetchDelay
		default:
			// Window complete; wait for the next SetCenter.
			delay = 0
		}
		if !c.sleep(ctx, delay) {
			return
		}
	}
}

// fill decodes the next batch of the plan and returns the batch length.
// Results from a superseded generation are dropped.
func (c *Cache) fill(ctx context.Context) int {
	gen, todo := c.plan()
	for _, index := range todo {
		if ctx.Err() != nil {
			break
		}

		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			break
		}

		rec, err := c.load(index)
		c.insert(gen, index, rec, err)
	}
	return len(todo)
}

// plan lists up to batchSize window indices that are neither resident nor
// known to fail, nearest the center first and the one ahead before the one
// behind at equal distance.
func (c *Cache) plan() (uint64, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.center < 0 || c.closed {
		return c.generation, nil
	}

	start, end := c.window(c.center)
	todo := make([]int, 0, c.batchSize)
	want := func(i int) bool {
		if i < start || i >= end {
			return false
		}
		if _, ok := c.resident[i]; ok {
			return false
		}
		_, bad := c.failed[i]
		return !bad
	}

	for d := 0; len(todo) < c.batchSize; d++ {
		ahead, behind := c.center+d, c.center-d
		if ahead >= end && behind < start {
			break
		}
		if want(ahead) {
			todo = append(todo, ahead)
		}
		if d > 0 && len(todo) < c.batchSize && want(behind) {
			todo = append(todo, behind)
		}
	}
	return c.generation, todo
}

// insert stores a prefetched result if it still belongs to the current
// window. Failures are recorded regardless so the file is never retried.
func (c *Cache) insert(gen uint64, index int, rec *Record, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if err != nil {
		c.failed[index] = err
		return false
	}
	if gen != c.generation || !c.inKeepRange(index) {
		return false
	}
	if _, ok := c.resident[index]; ok {
		return false
	}
	c.resident[index] = rec
	return true
}

// adapt reacts to memory pressure. Under pressure the eviction buffer drops
// to its floor, the batch shrinks and residents are evicted at once. Without
// it the batch grows back one step per pass.
func (c *Cache) adapt() bool {
	lowHost := false
	if c.opts.Available != nil && c.opts.MinAvailable > 0 {
		if avail, err := c.opts.Available(); err == nil && avail < c.opts.MinAvailable {
			lowHost = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	usage := c.memoryUsageLocked()
	pressure := lowHost || (c.opts.HighWatermark > 0 && usage > c.opts.HighWatermark)

	if pressure {
		c.batchSize = max(c.opts.MinBatch, c.batchSize-5)
		c.evictionBuffer = c.opts.MinEvictionBuffer
		if n := c.evictLocked(); n > 0 {
			c.logger.Printf("[!] Memory pressure (%s resident): evicted %d images, batch size %d",
				system.FormatBytes(usage), n, c.batchSize)
		}
		return true
	}

	c.batchSize = min(c.opts.MaxBatch, c.batchSize+1)
	c.evictionBuffer = c.opts.EvictionBuffer
	return false
}

// sleep waits for delay, a wake-up or cancellation. A zero delay waits for
// a wake-up only. It returns false once ctx is done.
func (c *Cache) sleep(ctx context.Context, delay time.Duration) bool {
	var timeout <-chan time.Time
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	case <-timeout:
		return true
	}
}
