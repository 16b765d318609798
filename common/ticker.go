package common

import (
	"sync"
	"time"
)

// Ticker invokes the callback on a fixed interval until stopped. Restarting
// with a new interval replaces the running loop.
type Ticker struct {
	mu      sync.Mutex
	quit    chan bool
	started bool
}

func (t *Ticker) Start(duration time.Duration, callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()

	t.started = true
	t.quit = make(chan bool)

	ticker := time.NewTicker(duration)
	quit := t.quit
	go func() {
		for {
			select {
			case <-ticker.C:
				callback()
			case <-quit:
				ticker.Stop()
				return
			}
		}
	}()
}

func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Ticker) stopLocked() {
	if t.started {
		select {
		case t.quit <- true:
		default:
		}
		close(t.quit)
	}
	t.started = false
}
