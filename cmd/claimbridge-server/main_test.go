package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/claimbridge/claimbridge/internal/config"
	"github.com/claimbridge/claimbridge/internal/platform/configcache"
)

// ---------------------------------------------------------------------------
// payorClientConfig tests
// ---------------------------------------------------------------------------

func TestPayorClientConfig_MapsAllFields(t *testing.T) {
	cfg := &config.Config{
		PayorBaseURL:  "https://payor.example.com",
		PayorEmail:    "billing@clinic.example.com",
		PayorPassword: "s3cret",
		PayorAPIKey:   "key-123",
		ProviderID:    "prov-9",
		ProviderName:  "Example Clinic",
	}

	pc := payorClientConfig(cfg)

	if pc.BaseURL != cfg.PayorBaseURL {
		t.Errorf("BaseURL = %q, want %q", pc.BaseURL, cfg.PayorBaseURL)
	}
	if pc.Email != cfg.PayorEmail {
		t.Errorf("Email = %q, want %q", pc.Email, cfg.PayorEmail)
	}
	if pc.Password != cfg.PayorPassword {
		t.Errorf("Password = %q, want %q", pc.Password, cfg.PayorPassword)
	}
	if pc.APIKey != cfg.PayorAPIKey {
		t.Errorf("APIKey = %q, want %q", pc.APIKey, cfg.PayorAPIKey)
	}
	if pc.ProviderID != cfg.ProviderID {
		t.Errorf("ProviderID = %q, want %q", pc.ProviderID, cfg.ProviderID)
	}
	if pc.ProviderName != cfg.ProviderName {
		t.Errorf("ProviderName = %q, want %q", pc.ProviderName, cfg.ProviderName)
	}
}

func TestPayorClientConfig_EmptyConfig(t *testing.T) {
	pc := payorClientConfig(&config.Config{})
	if pc.BaseURL != "" || pc.APIKey != "" {
		t.Errorf("expected zero-value payor config, got %+v", pc)
	}
}

func TestPoolConfig_MapsConnectionSizes(t *testing.T) {
	cfg := &config.Config{DBMaxConns: 30, DBMinConns: 3}
	pc := poolConfig(cfg)
	if pc.MaxConns != 30 || pc.MinConns != 3 {
		t.Errorf("pool config = %+v, want MaxConns 30 MinConns 3", pc)
	}
}

// ---------------------------------------------------------------------------
// newConfigCache tests
// ---------------------------------------------------------------------------

func TestNewConfigCache_EmptyURLUsesMemory(t *testing.T) {
	cache := newConfigCache("", zerolog.Nop())
	if _, ok := cache.(*configcache.MemoryCache); !ok {
		t.Errorf("expected *configcache.MemoryCache, got %T", cache)
	}
}

func TestNewConfigCache_UnreachableRedisFallsBack(t *testing.T) {
	// Port 1 is never a Redis server; the constructor's ping must fail and
	// the fallback cache must be returned instead of an error.
	cache := newConfigCache("redis://127.0.0.1:1/0", zerolog.Nop())
	if _, ok := cache.(*configcache.MemoryCache); !ok {
		t.Errorf("expected fallback to *configcache.MemoryCache, got %T", cache)
	}
}

func TestNewConfigCache_MalformedURLFallsBack(t *testing.T) {
	cache := newConfigCache("not-a-redis-url", zerolog.Nop())
	if _, ok := cache.(*configcache.MemoryCache); !ok {
		t.Errorf("expected fallback to *configcache.MemoryCache, got %T", cache)
	}
}
