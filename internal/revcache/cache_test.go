package revcache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := New("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return cache, s
}

func TestSetAndGet(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	payload := []byte(`{"root":{"type":"root","children":[]}}`)

	if err := cache.Set(ctx, "rev-1", payload); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := cache.Get(ctx, "rev-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Get = %s, want %s", got, payload)
	}
}

func TestGetMiss(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	_, err := cache.Get(context.Background(), "absent")
	if !errors.Is(err, ErrMiss) {
		t.Errorf("Get = %v, want ErrMiss", err)
	}
}

func TestSlidingExpiry(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "rev-1", []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// An idle entry drops off after the sliding window
	s.FastForward(slidingTTL + time.Second)
	if _, err := cache.Get(ctx, "rev-1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after idle window = %v, want ErrMiss", err)
	}
}

func TestGetRenewsSlidingWindow(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "rev-1", []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Hits inside the window keep renewing the entry
	for i := 0; i < 3; i++ {
		s.FastForward(slidingTTL - time.Second)
		if _, err := cache.Get(ctx, "rev-1"); err != nil {
			t.Fatalf("Get after renewal %d failed: %v", i, err)
		}
	}
}

func TestAbsoluteLifetime(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "rev-1", []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Hammering the key cannot keep it past the absolute lifetime. The
	// miniredis clock and wall clock diverge here, so age the entry
	// directly instead of fast-forwarding.
	stale := entry{Payload: []byte(`{}`), StoredAt: time.Now().Add(-absoluteTTL - time.Second)}
	data, _ := json.Marshal(stale)
	if err := s.Set("rev:rev-1", string(data)); err != nil {
		t.Fatalf("seed stale entry: %v", err)
	}

	if _, err := cache.Get(ctx, "rev-1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get past absolute lifetime = %v, want ErrMiss", err)
	}
}

func TestInvalidate(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "rev-1", []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := cache.Invalidate(ctx, "rev-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := cache.Get(ctx, "rev-1"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after invalidate = %v, want ErrMiss", err)
	}
}

func TestInvalidateAbsent(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	if err := cache.Invalidate(context.Background(), "absent"); err != nil {
		t.Errorf("Invalidate for absent key failed: %v", err)
	}
}
