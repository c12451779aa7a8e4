package storage_test

import (
	"testing"
	"time"

	"github.com/SirClappington/itemq/internal/clock"
	"github.com/SirClappington/itemq/internal/storage"
	"github.com/SirClappington/itemq/internal/storage/storagetest"
)

func TestMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk *clock.Fake, ttl time.Duration) storage.Store {
		return storage.NewMemory(storage.WithClock(clk.Now), storage.WithLeaseTTL(ttl))
	})
}
