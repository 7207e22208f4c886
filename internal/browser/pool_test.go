package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/resolvarr/resolvarr/internal/config"
	"github.com/resolvarr/resolvarr/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Headless:           true,
		BrowserPoolSize:    2,
		BrowserPoolTimeout: 10 * time.Second,
		MaxMemoryMB:        1024,
	}
}

// skipShort skips tests that need a real browser binary.
func skipShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

func TestNewPool(t *testing.T) {
	skipShort(t)

	cfg := testConfig()
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if pool.Size() != cfg.BrowserPoolSize {
		t.Errorf("Size = %d, want %d", pool.Size(), cfg.BrowserPoolSize)
	}
	if pool.Available() != cfg.BrowserPoolSize {
		t.Errorf("Available = %d, want %d", pool.Available(), cfg.BrowserPoolSize)
	}
}

func TestPoolAcquireRelease(t *testing.T) {
	skipShort(t)

	pool, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	browser, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if pool.Available() != 1 {
		t.Errorf("Available after acquire = %d, want 1", pool.Available())
	}

	pool.Release(browser)
	if pool.Available() != 2 {
		t.Errorf("Available after release = %d, want 2", pool.Available())
	}

	stats := pool.Stats()
	if stats.Acquired != 1 || stats.Released != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	skipShort(t)

	cfg := testConfig()
	cfg.BrowserPoolSize = 1
	cfg.BrowserPoolTimeout = 200 * time.Millisecond

	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	browser, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer pool.Release(browser)

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, types.ErrBrowserPoolTimeout) {
		t.Errorf("second Acquire err = %v, want pool timeout", err)
	}
}

func TestPoolConcurrentAcquire(t *testing.T) {
	skipShort(t)

	pool, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := pool.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			time.Sleep(20 * time.Millisecond)
			pool.Release(b)
		}()
	}
	wg.Wait()

	if pool.Available() != 2 {
		t.Errorf("Available after churn = %d, want 2", pool.Available())
	}
}

func TestPoolCloseIdempotent(t *testing.T) {
	skipShort(t)

	pool, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := pool.Acquire(context.Background()); !errors.Is(err, types.ErrBrowserPoolClosed) {
		t.Errorf("Acquire after close err = %v", err)
	}
}
