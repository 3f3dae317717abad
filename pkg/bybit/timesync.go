package bybit

import (
	"context"
	"log"
	"sync"
	"time"
)

// timeSync tracks the offset between the venue clock and the local clock so
// signed request timestamps stay inside the recv window.
type timeSync struct {
	serverTime func() (int64, error)
	interval   time.Duration

	mu     sync.RWMutex
	offset int64 // ms, server - local
}

func newTimeSync(serverTime func() (int64, error)) *timeSync {
	return &timeSync{
		serverTime: serverTime,
		interval:   30 * time.Minute,
	}
}

func (ts *timeSync) start(ctx context.Context) {
	if err := ts.sync(); err != nil {
		log.Printf("[bybit] initial time sync: %v", err)
	}
	go func() {
		ticker := time.NewTicker(ts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.sync(); err != nil {
					log.Printf("[bybit] time sync: %v", err)
				}
			}
		}
	}()
}

func (ts *timeSync) sync() error {
	before := time.Now().UnixMilli()
	server, err := ts.serverTime()
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()

	// Assume symmetric network latency.
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.mu.Unlock()
	return nil
}

func (ts *timeSync) nowMilli() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}
