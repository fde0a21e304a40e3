package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("zero capacity uses default", func(t *testing.T) {
		c := New(0, 0)
		if c.capacity != 1024 {
			t.Errorf("expected default capacity 1024, got %d", c.capacity)
		}
	})

	t.Run("ttl starts cleanup goroutine", func(t *testing.T) {
		c := New(10, 100*time.Millisecond)
		if c.cleanupStop == nil {
			t.Error("expected cleanup goroutine to be started")
		}
		c.Close()
		c.Close()
	})

	t.Run("no ttl no cleanup goroutine", func(t *testing.T) {
		c := New(10, 0)
		if c.cleanupStop != nil {
			t.Error("expected no cleanup goroutine when ttl is 0")
		}
	})
}

func TestGetSet(t *testing.T) {
	c := New(10, 0)
	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	if !ok || val != "value1" {
		t.Fatalf("expected value1, got %v ok=%v", val, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss")
	}
	c.Set("key1", "value2")
	if val, _ := c.Get("key1"); val != "value2" {
		t.Fatalf("expected update, got %v", val)
	}
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Size != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLRUEvictionCallsHandler(t *testing.T) {
	var evicted []string
	c := NewWithOptions(Options{
		Capacity: 2,
		OnEvict:  func(key string, value any) { evicted = append(evicted, key) },
	})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted, got %v", evicted)
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a retained")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction")
	}
}

func TestDeleteAndPurge(t *testing.T) {
	var evicted []string
	c := NewWithOptions(Options{
		Capacity: 8,
		OnEvict:  func(key string, value any) { evicted = append(evicted, key) },
	})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	if !c.Delete("a") {
		t.Fatalf("expected delete to report presence")
	}
	if c.Delete("a") {
		t.Fatalf("expected second delete to report absence")
	}
	c.Purge()
	if c.Size() != 0 {
		t.Fatalf("expected empty cache")
	}
	if len(evicted) != 3 {
		t.Fatalf("expected 3 callbacks, got %v", evicted)
	}
}

func TestClearSkipsHandler(t *testing.T) {
	called := false
	c := NewWithOptions(Options{OnEvict: func(string, any) { called = true }})
	c.Set("a", 1)
	c.Clear()
	if called {
		t.Fatalf("clear must not invoke handler")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected cleared")
	}
}

func TestTTLExpiration(t *testing.T) {
	c := New(10, 20*time.Millisecond)
	defer c.Close()
	c.Set("k", "v")
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected expired entry")
	}
	if c.Stats().Expired != 1 {
		t.Fatalf("expected expired count 1")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(64, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%16)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	if c.Size() > 64 {
		t.Fatalf("capacity exceeded: %d", c.Size())
	}
}
