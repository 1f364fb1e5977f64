// ABOUTME: Tests for the request-key window: expiry, capacity and concurrent use

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(ttl time.Duration, maxKeys int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, maxKeys)
	w.now = clock.Now
	return w, clock
}

func TestWindow_Seen(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen("1"), "first sighting is new")
	assert.True(t, w.Seen("1"), "second sighting is a replay")
	assert.False(t, w.Seen("2"))
	assert.Equal(t, 2, w.size())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	w.Seen("old")
	clock.Advance(30 * time.Second)
	w.Seen("young")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, w.size(), "old key expires exactly at ttl")
	assert.False(t, w.Seen("old"), "expired key is accepted again")
	assert.True(t, w.Seen("young"))
}

func TestWindow_Capacity(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 3)

	for _, k := range []string{"a", "b", "c", "d"} {
		assert.False(t, w.Seen(k))
	}

	assert.Equal(t, 3, w.size())
	assert.False(t, w.Seen("a"), "oldest key was evicted")
	assert.True(t, w.Seen("d"))
}

func TestWindow_Defaults(t *testing.T) {
	w := New(0, 0)
	assert.Equal(t, DefaultTTL, w.ttl)
	assert.Equal(t, DefaultMaxKeys, w.maxKeys)
}

func TestWindow_ConcurrentSameKey(t *testing.T) {
	w := New(time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("shared") {
				fresh.Add(1)
			}
			w.Seen(fmt.Sprintf("own-%d", i))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, 51, w.size())
}
