package tee

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCertChainCacheRoundTrip(t *testing.T) {
	cache, err := OpenCertChainCache(filepath.Join(t.TempDir(), "certs.db"))
	if err != nil {
		t.Fatalf("OpenCertChainCache: %v", err)
	}
	defer cache.Close()

	ctx := t.Context()
	tcb := [4]uint8{1, 2, 3, 4}

	if _, ok, err := cache.Get(ctx, "chip1", tcb); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("expected cache miss before Put")
	}

	want := &CertChain{VCEK: []byte("vcek"), ASK: []byte("ask"), ARK: []byte("ark")}
	if err := cache.Put(ctx, "chip1", tcb, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := cache.Get(ctx, "chip1", tcb)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if string(got.VCEK) != "vcek" || string(got.ASK) != "ask" || string(got.ARK) != "ark" {
		t.Errorf("Get() = %+v, want vcek/ask/ark", got)
	}

	// a different TCB is a distinct cache key
	if _, ok, err := cache.Get(ctx, "chip1", [4]uint8{9, 9, 9, 9}); err != nil {
		t.Fatalf("Get: %v", err)
	} else if ok {
		t.Fatal("expected miss for different TCB")
	}

	overwrite := &CertChain{VCEK: []byte("vcek2"), ASK: []byte("ask"), ARK: []byte("ark")}
	if err := cache.Put(ctx, "chip1", tcb, overwrite); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _, err = cache.Get(ctx, "chip1", tcb)
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got.VCEK) != "vcek2" {
		t.Errorf("Get().VCEK = %q after overwrite, want %q", got.VCEK, "vcek2")
	}
}

func TestOpenCertChainCacheIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certs.db")

	cache1, err := OpenCertChainCache(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := cache1.Put(context.Background(), "chip1", [4]uint8{1, 1, 1, 1}, &CertChain{VCEK: []byte("v"), ASK: []byte("a"), ARK: []byte("r")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cache1.Close()

	cache2, err := OpenCertChainCache(path)
	if err != nil {
		t.Fatalf("second open (re-running migrations): %v", err)
	}
	defer cache2.Close()

	if _, ok, err := cache2.Get(context.Background(), "chip1", [4]uint8{1, 1, 1, 1}); err != nil {
		t.Fatalf("Get: %v", err)
	} else if !ok {
		t.Fatal("expected data to survive reopen")
	}
}
