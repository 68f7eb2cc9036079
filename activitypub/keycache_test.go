package activitypub

import (
	"testing"
	"time"
)

func TestKeyCacheGetSet(t *testing.T) {
	cache := NewKeyCache(time.Hour)

	if _, ok := cache.Get("missing"); ok {
		t.Error("Get on empty cache should miss")
	}

	cache.Set("https://a.test/u/x#main-key", "PEM")
	pem, ok := cache.Get("https://a.test/u/x#main-key")
	if !ok || pem != "PEM" {
		t.Errorf("Get = (%q, %v), want (PEM, true)", pem, ok)
	}
}

func TestKeyCacheExpiry(t *testing.T) {
	cache := NewKeyCache(10 * time.Millisecond)
	cache.Set("key", "PEM")

	time.Sleep(25 * time.Millisecond)
	if _, ok := cache.Get("key"); ok {
		t.Error("expired entry should miss")
	}
}

func TestKeyCacheInvalidate(t *testing.T) {
	cache := NewKeyCache(time.Hour)
	cache.Set("key", "PEM")
	cache.Invalidate("key")

	if _, ok := cache.Get("key"); ok {
		t.Error("invalidated entry should miss")
	}
}

func TestKeyCacheDefaultTTL(t *testing.T) {
	cache := NewKeyCache(0)
	if cache.ttl != DefaultKeyTTL {
		t.Errorf("ttl = %v, want %v", cache.ttl, DefaultKeyTTL)
	}
}
