package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderSetGet(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	if err := p.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := p.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestMemoryProviderMiss(t *testing.T) {
	p := NewMemoryProvider()
	if _, err := p.Get(context.Background(), "absent"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryProviderSetNX(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	ok, err := p.SetNX(ctx, "token", []byte("a"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX must win, got ok=%v err=%v", ok, err)
	}
	ok, err = p.SetNX(ctx, "token", []byte("b"), 0)
	if err != nil || ok {
		t.Fatalf("second SetNX must lose, got ok=%v err=%v", ok, err)
	}

	got, _ := p.Get(ctx, "token")
	if string(got) != "a" {
		t.Errorf("losing SetNX must not overwrite, got %q", got)
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	if err := p.Set(ctx, "ttl", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := p.Get(ctx, "ttl"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}

	// An expired key is free for SetNX again.
	if err := p.Set(ctx, "ttl2", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	ok, err := p.SetNX(ctx, "ttl2", []byte("w"), 0)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry must win, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryProviderDel(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	_ = p.Set(ctx, "k", []byte("v"), 0)
	if err := p.Del(ctx, "k"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
