// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dedup suppresses replication commands that were already applied
// within a short window, mirroring unified_incremental_service.py's
// recent_commands OrderedDict.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nishisan-dev/redis-fanout/internal/model"
)

// Hash computes a 128-bit fingerprint of a command's concatenated argv by
// running xxhash64 twice over the same bytes with different seeds, folded
// into the low/high halves of the result.
type Hash [2]uint64

func hashCommand(cmd model.Command) Hash {
	h1 := xxhash.New()
	h2 := xxhash.NewWithSeed(0x9e3779b97f4a7c15)
	for _, arg := range cmd {
		h1.Write(arg)
		h1.Write([]byte{0}) // separator so {"a","bc"} != {"ab","c"}
		h2.Write(arg)
		h2.Write([]byte{0})
	}
	return Hash{h1.Sum64(), h2.Sum64()}
}

type entry struct {
	hash   Hash
	seenAt time.Time
}

// Cache is a bounded, time-windowed LRU of recently seen command hashes.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	window   time.Duration
	maxSize  int
	now      func() time.Time
	order    *list.List // front = most recently seen
	elements map[Hash]*list.Element
}

// New returns a Cache that suppresses duplicates seen within window, never
// holding more than maxSize entries (oldest evicted first). now defaults
// to time.Now when nil, overridable in tests for determinism.
func New(window time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		window:   window,
		maxSize:  maxSize,
		now:      now,
		order:    list.New(),
		elements: make(map[Hash]*list.Element),
	}
}

// Seen reports whether cmd was already accepted within the dedup window.
// If it was not (or the prior sighting has aged out), it records cmd as
// seen now and returns false; otherwise it returns true without mutating
// the recency order, per the spec's "drop and increment deduplicated"
// semantics (a suppressed duplicate does not refresh the window).
func (c *Cache) Seen(cmd model.Command) bool {
	h := hashCommand(cmd)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[h]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.window {
			return true
		}
		// Window expired: treat as a fresh command, refresh recency.
		e.seenAt = now
		c.order.MoveToFront(el)
		return false
	}

	el := c.order.PushFront(&entry{hash: h, seenAt: now})
	c.elements[h] = el
	c.evictOverflow()
	return false
}

func (c *Cache) evictOverflow() {
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.order.Remove(back)
		delete(c.elements, back.Value.(*entry).hash)
	}
}

// Len returns the current number of tracked hashes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
