package configcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type payorSettings struct {
	BaseURL    string `json:"base_url"`
	ProviderID string `json:"provider_id"`
}

func TestMemoryCache_SetGet(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	in := payorSettings{BaseURL: "http://payor.example.com", ProviderID: "prov-1"}
	if err := cache.Set(ctx, "settings", in, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out payorSettings
	if err := cache.Get(ctx, "settings", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestMemoryCache_MissOnUnknownKey(t *testing.T) {
	cache := NewMemoryCache()

	var out payorSettings
	err := cache.Get(context.Background(), "nope", &out)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	current := time.Now()
	cache.now = func() time.Time { return current }

	if err := cache.Set(ctx, "settings", payorSettings{ProviderID: "p"}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out payorSettings
	if err := cache.Get(ctx, "settings", &out); err != nil {
		t.Fatalf("expected fresh entry, got %v", err)
	}

	// Advance past the TTL
	current = current.Add(61 * time.Minute)
	err := cache.Get(ctx, "settings", &out)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	cache.Set(ctx, "settings", payorSettings{ProviderID: "p"}, time.Hour)
	if err := cache.Delete(ctx, "settings"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var out payorSettings
	if err := cache.Get(ctx, "settings", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	if _, err := NewRedisCache("not-a-url"); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestRedisCache_PingUnreachable(t *testing.T) {
	// Port 1 is never a Redis server; Ping must surface the dial failure so
	// callers can fall back to the in-memory cache.
	rc, err := NewRedisCache("redis://127.0.0.1:1/0")
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx); err == nil {
		t.Fatal("expected ping to an unreachable server to fail")
	}
}
