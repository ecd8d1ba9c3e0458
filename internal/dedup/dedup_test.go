package dedup

import (
	"testing"
	"time"

	"github.com/nishisan-dev/redis-fanout/internal/model"
)

func cmdSet(k, v string) model.Command {
	return model.Command{[]byte("SET"), []byte(k), []byte(v)}
}

func TestSeenSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := New(5*time.Second, 1000, clock)

	if c.Seen(cmdSet("y", "1")) {
		t.Fatalf("first sighting must not be reported as seen")
	}
	now = now.Add(1 * time.Second)
	if !c.Seen(cmdSet("y", "1")) {
		t.Fatalf("duplicate within window must be suppressed")
	}
}

func TestSeenAllowsAfterWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := New(5*time.Second, 1000, clock)

	c.Seen(cmdSet("y", "1"))
	now = now.Add(6 * time.Second)
	if c.Seen(cmdSet("y", "1")) {
		t.Fatalf("command after window expiry must not be suppressed")
	}
}

func TestDistinctCommandsNotConflated(t *testing.T) {
	now := time.Now()
	c := New(5*time.Second, 1000, func() time.Time { return now })

	c.Seen(cmdSet("a", "bc"))
	if c.Seen(model.Command{[]byte("SET"), []byte("ab"), []byte("c")}) {
		t.Fatalf("differently-split argv must hash differently")
	}
}

func TestEvictionBoundsSize(t *testing.T) {
	now := time.Now()
	c := New(time.Hour, 10, func() time.Time { return now })

	for i := 0; i < 100; i++ {
		c.Seen(cmdSet(string(rune('a'+i%26)), string(rune(i))))
	}
	if c.Len() > 10 {
		t.Fatalf("cache grew beyond maxSize: %d", c.Len())
	}
}
