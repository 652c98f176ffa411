package relay

import (
	"sync"
	"time"
)

// CompletionCache is the write-behind queue of payment ids known to have
// completed but not yet flushed to storage. Producers append from lifecycle
// ticks; one flusher at a time drains the queue into a single bulk update.
// The busy flag is the sole flush-exclusivity guard and is read and written
// under the same mutex as the queue.
type CompletionCache struct {
	mu        sync.Mutex
	ids       []string
	inFlight  []string
	lastFlush time.Time
	busy      bool

	flushInterval time.Duration
	maxBatch      int
	now           func() time.Time
}

func NewCompletionCache(flushInterval time.Duration, maxBatch int) *CompletionCache {
	c := &CompletionCache{
		flushInterval: flushInterval,
		maxBatch:      maxBatch,
		now:           time.Now,
	}
	c.lastFlush = c.now()
	return c
}

// Append records a completed payment id for the next flush.
func (c *CompletionCache) Append(paymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, paymentID)
}

// Len reports how many ids await flushing.
func (c *CompletionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Contains reports whether a payment id is still pending a flush, including
// ids in a batch currently being applied. A payment in here is finished in
// this process even though storage still shows it SENDING.
func (c *CompletionCache) Contains(paymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ids {
		if id == paymentID {
			return true
		}
	}
	for _, id := range c.inFlight {
		if id == paymentID {
			return true
		}
	}
	return false
}

// ShouldFlush reports whether a flush is due: the queue is non-empty, no
// flush is in progress, and either the flush interval elapsed or the queue
// outgrew the batch threshold.
func (c *CompletionCache) ShouldFlush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || len(c.ids) == 0 {
		return false
	}
	return c.now().Sub(c.lastFlush) >= c.flushInterval || len(c.ids) > c.maxBatch
}

// Flush drains the whole queue and hands it to apply as one batch. On error
// the drained ids are restored so no completion is lost, and the error
// propagates. The busy flag and last-flush timestamp reset no matter the
// outcome. Concurrent invocations never overlap: the loser returns nil
// without touching the queue.
func (c *CompletionCache) Flush(apply func(paymentIDs []string) error) error {
	c.mu.Lock()
	if c.busy || len(c.ids) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	drained := c.ids
	c.ids = nil
	c.inFlight = drained
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.inFlight = nil
		c.lastFlush = c.now()
		c.mu.Unlock()
	}()

	if err := apply(drained); err != nil {
		c.mu.Lock()
		c.ids = append(drained, c.ids...)
		c.mu.Unlock()
		return err
	}
	return nil
}
