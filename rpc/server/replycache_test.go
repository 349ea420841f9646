package server

import (
	"bytes"
	"testing"
	"time"
)

func testReplyCaches(t *testing.T) map[string]func(ttl time.Duration) IReplyCache {
	return map[string]func(ttl time.Duration) IReplyCache{
		"memory": func(ttl time.Duration) IReplyCache {
			return NewMemoryReplyCache(ttl)
		},
		"badger": func(ttl time.Duration) IReplyCache {
			c, err := NewBadgerReplyCache("", ttl)
			if err != nil {
				t.Fatalf("NewBadgerReplyCache failed: %v", err)
			}
			return c
		},
	}
}

func TestReplyCache(t *testing.T) {
	for name, create := range testReplyCaches(t) {
		t.Run(name, func(t *testing.T) {
			c := create(time.Minute)
			defer c.Close()

			cached, inProgress, err := c.Begin("client-a", 1)
			if err != nil || cached != nil || inProgress {
				t.Fatalf("Expected a new entry, got %v %v %v", cached, inProgress, err)
			}
			if _, inProgress, _ := c.Begin("client-a", 1); !inProgress {
				t.Fatalf("Expected the second Begin to report in progress")
			}
			if c.Len() != 0 {
				t.Errorf("Expected in progress entries not to count, got %d", c.Len())
			}

			seg := []byte("reply")
			if err := c.Complete("client-a", 1, &CachedReply{Status: -2, Transno: 7, Segments: [][]byte{seg}}); err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			seg[0] = 'X'

			cached, inProgress, err = c.Begin("client-a", 1)
			if err != nil || inProgress || cached == nil {
				t.Fatalf("Expected a cached reply, got %v %v %v", cached, inProgress, err)
			}
			if cached.Status != -2 || cached.Transno != 7 || len(cached.Segments) != 1 || !bytes.Equal(cached.Segments[0], []byte("reply")) {
				t.Errorf("Unexpected cached reply %+v", cached)
			}
			if c.Len() != 1 {
				t.Errorf("Expected 1 cached reply, got %d", c.Len())
			}

			// other clients and xids are independent
			if cached, inProgress, _ := c.Begin("client-b", 1); cached != nil || inProgress {
				t.Errorf("Expected client-b x1 to be new")
			}
			c.Abort("client-b", 1)
			if cached, inProgress, _ := c.Begin("client-b", 1); cached != nil || inProgress {
				t.Errorf("Expected an aborted entry to be new again")
			}

			if err := c.Forget("client-a"); err != nil {
				t.Fatalf("Forget failed: %v", err)
			}
			if cached, inProgress, _ := c.Begin("client-a", 1); cached != nil || inProgress {
				t.Errorf("Expected the entry to be forgotten")
			}
		})
	}
}

func TestReplyCacheEmptyReply(t *testing.T) {
	for name, create := range testReplyCaches(t) {
		t.Run(name, func(t *testing.T) {
			c := create(time.Minute)
			defer c.Close()

			c.Begin("client-a", 5)
			if err := c.Complete("client-a", 5, &CachedReply{Transno: 3}); err != nil {
				t.Fatalf("Complete failed: %v", err)
			}
			cached, _, err := c.Begin("client-a", 5)
			if err != nil || cached == nil || cached.Transno != 3 || len(cached.Segments) != 0 {
				t.Errorf("Unexpected cached reply %+v (%v)", cached, err)
			}
		})
	}
}

func TestMemoryReplyCacheExpiry(t *testing.T) {
	c := NewMemoryReplyCache(20 * time.Millisecond)
	c.Begin("client-a", 1)
	c.Complete("client-a", 1, &CachedReply{})
	c.Begin("client-a", 2) // stays in progress

	time.Sleep(50 * time.Millisecond)
	if cached, inProgress, _ := c.Begin("client-a", 1); cached != nil || inProgress {
		t.Errorf("Expected the completed entry to expire")
	}
	if _, inProgress, _ := c.Begin("client-a", 2); !inProgress {
		t.Errorf("Expected the in progress entry not to expire")
	}
}

func TestBadgerReplyCachePersists(t *testing.T) {
	dir := t.TempDir()
	c, err := NewBadgerReplyCache(dir, time.Hour)
	if err != nil {
		t.Fatalf("NewBadgerReplyCache failed: %v", err)
	}
	c.Begin("client-a", 9)
	if err := c.Complete("client-a", 9, &CachedReply{Transno: 4, Segments: [][]byte{[]byte("a"), []byte("bc")}}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c, err = NewBadgerReplyCache(dir, time.Hour)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer c.Close()
	cached, _, err := c.Begin("client-a", 9)
	if err != nil || cached == nil {
		t.Fatalf("Expected the reply to survive a restart, got %v (%v)", cached, err)
	}
	if cached.Transno != 4 || len(cached.Segments) != 2 || string(cached.Segments[1]) != "bc" {
		t.Errorf("Unexpected cached reply %+v", cached)
	}
}
