// Package testutil provides shared test helpers for databases, content
// stores and time.
package testutil

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/inkwell/internal/contentstore"
	"github.com/starford/inkwell/internal/index"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "inkwell-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// CountingBackend is an in-memory content backend that counts calls and can
// be told to fail.
type CountingBackend struct {
	*contentstore.MemoryBackend
	Puts    atomic.Int32
	Gets    atomic.Int32
	Deletes atomic.Int32

	mu     sync.Mutex
	putErr error
	delErr error
}

func NewCountingBackend() *CountingBackend {
	return &CountingBackend{MemoryBackend: contentstore.NewMemoryBackend()}
}

// FailPuts makes every Put return err until called again with nil.
func (b *CountingBackend) FailPuts(err error) {
	b.mu.Lock()
	b.putErr = err
	b.mu.Unlock()
}

// FailDeletes makes every Delete return err until called again with nil.
func (b *CountingBackend) FailDeletes(err error) {
	b.mu.Lock()
	b.delErr = err
	b.mu.Unlock()
}

// Writes returns the number of Put and Delete calls so far.
func (b *CountingBackend) Writes() int {
	return int(b.Puts.Load() + b.Deletes.Load())
}

func (b *CountingBackend) Put(ctx context.Context, key string, data []byte) error {
	b.Puts.Add(1)
	b.mu.Lock()
	err := b.putErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBackend.Put(ctx, key, data)
}

func (b *CountingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.Gets.Add(1)
	return b.MemoryBackend.Get(ctx, key)
}

func (b *CountingBackend) Delete(ctx context.Context, key string) error {
	b.Deletes.Add(1)
	b.mu.Lock()
	err := b.delErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBackend.Delete(ctx, key)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
