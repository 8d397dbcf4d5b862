package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory(0)

	if _, ok, _ := m.Get("k", time.Minute); ok {
		t.Fatal("hit on empty store")
	}

	if err := m.Set("k", 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := m.Get("k", time.Minute)
	if err != nil || !ok || v != 42 {
		t.Fatalf("Get = %v, %v, %v", v, ok, err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(0)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Set("k", "v")
	now = now.Add(2 * time.Second)

	if _, ok, _ := m.Get("k", time.Second); ok {
		t.Error("expired entry served")
	}
	if v, ok, _ := m.Get("k", time.Minute); !ok || v != "v" {
		t.Error("entry within longer ttl not served")
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	m := NewMemory(2)
	m.Set("a", 1)
	m.Set("b", 2)

	// touch "a" so "b" becomes least recently used
	if _, ok, _ := m.Get("a", time.Minute); !ok {
		t.Fatal("a missing before eviction")
	}

	m.Set("c", 3)
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if _, ok, _ := m.Get("b", time.Minute); ok {
		t.Error("lru entry b not evicted")
	}
	if _, ok, _ := m.Get("a", time.Minute); !ok {
		t.Error("recently used entry a evicted")
	}
}

func TestFilesystemRoundTrip(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}

	if err := fs.Set("key-1", map[string]any{"n": 7.0}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := fs.Get("key-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", v, ok, err)
	}
	if v.(map[string]any)["n"] != 7.0 {
		t.Errorf("value = %v", v)
	}
}

func TestFilesystemExpiry(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	now := time.Now()
	fs.now = func() time.Time { return now }

	fs.Set("k", "v")
	now = now.Add(time.Hour)

	if _, ok, _ := fs.Get("k", time.Minute); ok {
		t.Error("expired entry served")
	}
}

func TestFilesystemCorruptFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFilesystem(dir)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	fs.Set("k", "v")

	// clobber every payload file
	matches, _ := filepath.Glob(filepath.Join(dir, "*", "*", "*"))
	if len(matches) == 0 {
		t.Fatal("no payload files written")
	}
	for _, p := range matches {
		if err := os.WriteFile(p, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok, err := fs.Get("k", time.Minute); ok || err != nil {
		t.Errorf("corrupt read = hit=%v err=%v, want miss without error", ok, err)
	}
}

func TestFilesystemUnencodableValue(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	err = fs.Set("k", make(chan int))
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("Set(chan) err = %v, want *cache.Error", err)
	}
}

func TestInFlightLeaderAndJoiners(t *testing.T) {
	reg := NewInFlight()

	leader, created := reg.Register("k")
	if !created {
		t.Fatal("first register was not leader")
	}

	const followers = 4
	var joins int64
	var wg sync.WaitGroup
	results := make([]any, followers)
	for i := 0; i < followers; i++ {
		f, created := reg.Register("k")
		if created {
			t.Fatal("follower became leader")
		}
		atomic.AddInt64(&joins, 1)
		wg.Add(1)
		go func(i int, f *Flight) {
			defer wg.Done()
			v, err := f.Wait(context.Background())
			if err != nil {
				t.Errorf("Wait: %v", err)
			}
			results[i] = v
		}(i, f)
	}

	leader.Resolve("value")
	reg.Forget("k")
	wg.Wait()

	if joins != followers {
		t.Errorf("joins = %d, want %d", joins, followers)
	}
	for i, v := range results {
		if v != "value" {
			t.Errorf("follower %d got %v", i, v)
		}
	}

	// after Forget a new leader can register
	if _, created := reg.Register("k"); !created {
		t.Error("register after Forget did not create a new flight")
	}
}

func TestFlightFailurePropagates(t *testing.T) {
	reg := NewInFlight()
	leader, _ := reg.Register("k")
	f, _ := reg.Register("k")

	want := errors.New("task blew up")
	leader.Fail(want)

	if _, err := f.Wait(context.Background()); !errors.Is(err, want) {
		t.Errorf("Wait err = %v, want %v", err, want)
	}
}

func TestFlightWaitCancellation(t *testing.T) {
	reg := NewInFlight()
	_, _ = reg.Register("k")
	f, _ := reg.Register("k")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait err = %v, want context.Canceled", err)
	}
}
