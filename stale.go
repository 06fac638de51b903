package resclient

import (
	"time"
)

// Stale resources are retained but no longer subscribed; they are expected
// to be resubscribed to restore live updates. A RID is in the stale set
// only while it has a cache entry; eviction removes it from both.

// setStaleLocked records a stale RID and, while connected, schedules a
// delayed resubscription. The delay absorbs flapping: a resource staled and
// quickly evicted never causes a spurious resubscribe, because the timer
// re-checks at fire time.
func (c *Client) setStaleLocked(rid string) {
	c.stale[rid] = struct{}{}
	if c.ready {
		time.AfterFunc(c.subscribeStaleDelay, func() {
			c.subscribeToStale(rid)
		})
	}
}

func (c *Client) subscribeToStale(rid string) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if !c.ready {
		return
	}
	if _, ok := c.stale[rid]; !ok {
		return
	}
	ci, ok := c.cache[rid]
	if !ok || ci.subscribed {
		delete(c.stale, rid)
		return
	}
	c.subscribeLocked(ci)
}

// subscribeToAllStaleLocked resubscribes every stale RID. Runs on the
// connect path after the OnConnect hook resolves.
func (c *Client) subscribeToAllStaleLocked() {
	for rid := range c.stale {
		ci, ok := c.cache[rid]
		if !ok || ci.subscribed {
			delete(c.stale, rid)
			continue
		}
		c.subscribeLocked(ci)
	}
}

// handleDisconnect runs once per connection when it dies, whatever the
// cause. Every subscribed resource turns stale; the reference state engine
// evicts what nothing anchors and keeps the rest for recovery.
func (c *Client) handleDisconnect(conn connection, reason error) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	if c.conn != conn {
		return
	}
	c.conn = nil
	c.ready = false
	c.state = StateDisconnected

	if at := c.attempt; at != nil {
		c.attempt = nil
		if reason == nil {
			at.err = newConnectionError(ErrConnectionError)
		} else {
			at.err = newConnectionError(reason)
		}
		close(at.done)
	}

	rejectErr := error(newConnectionError(reasonOr(reason)))
	c.rejectPendingLocked(rejectErr)

	var subscribed []*cacheItem
	for _, ci := range c.cache {
		if ci.subscribed {
			ci.subscribed = false
			c.stale[ci.rid] = struct{}{}
			subscribed = append(subscribed, ci)
		}
	}
	for _, ci := range subscribed {
		c.tryDelete(ci)
	}

	c.emit(c.eventName("close"), reason)
	c.scheduleReconnectLocked()
}

func reasonOr(reason error) error {
	if reason != nil {
		return reason
	}
	return ErrConnectionError
}

// scheduleReconnectLocked arms the reconnect timer. Reconnection happens
// only while tryConnect holds and the cache still has resources worth
// recovering; both are re-checked when the timer fires.
func (c *Client) scheduleReconnectLocked() {
	if !c.tryConnect || len(c.cache) == 0 || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		defer c.unlockAndFlush()
		c.reconnectTimer = nil
		if !c.tryConnect || len(c.cache) == 0 {
			return
		}
		if c.conn != nil || c.attempt != nil {
			return
		}
		c.connectLocked()
	})
}
