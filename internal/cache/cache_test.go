package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestNoopProviderAlwaysMisses(t *testing.T) {
	var p Provider = NoopProvider{}
	ctx := context.Background()
	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

type mapProvider map[string][]byte

func (m mapProvider) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m mapProvider) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m[key] = value
	return nil
}

func (m mapProvider) Del(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func (mapProvider) Close() error { return nil }

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	p := mapProvider{}

	var out []string
	if err := GetJSON(ctx, p, "dir", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := SetJSON(ctx, p, "dir", []string{"Station1", "Station2"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := GetJSON(ctx, p, "dir", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(out) != 2 || out[1] != "Station2" {
		t.Fatalf("unexpected decode: %v", out)
	}

	p["dir"] = []byte("{not json")
	if err := GetJSON(ctx, p, "dir", &out); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
}

func TestNewRedisProviderRequiresAddr(t *testing.T) {
	if _, err := NewRedisProvider(RedisConfig{}); err == nil {
		t.Fatalf("expected error without addr")
	}
}

func TestNormaliseDurations(t *testing.T) {
	cfg := RedisConfig{ReadTimeout: time.Second}
	normaliseDurations(&cfg)
	if cfg.DialTimeout != 2*time.Second || cfg.ReadTimeout != time.Second || cfg.MaxRetries != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

// TestRedisProviderRoundTrip runs against a live server when MIRADOR_TWIN_TEST_REDIS is set.
func TestRedisProviderRoundTrip(t *testing.T) {
	addr := os.Getenv("MIRADOR_TWIN_TEST_REDIS")
	if addr == "" {
		t.Skip("MIRADOR_TWIN_TEST_REDIS not set")
	}
	p, err := NewRedisProvider(RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	key := "twin-enricher:test:" + time.Now().Format(time.RFC3339Nano)
	if _, err := p.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := SetJSON(ctx, p, key, map[string]int{"twins": 2}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got map[string]int
	if err := GetJSON(ctx, p, key, &got); err != nil || got["twins"] != 2 {
		t.Fatalf("get: %v %v", got, err)
	}
	if err := p.Del(ctx, key); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, key); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after del, got %v", err)
	}
}
