package common

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	subject := Timer{}
	var count int32

	subject.Start(time.Millisecond*100, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(time.Millisecond * 300)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Wrong number of invocations: %v", count)
	}
}

func TestTimerStop(t *testing.T) {
	subject := Timer{}
	var count int32

	subject.Start(time.Millisecond*100, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(time.Millisecond * 50)
	subject.Stop()
	time.Sleep(time.Millisecond * 100)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Wrong number of invocations: %v", count)
	}
}

func TestTimerRestartCancelsPrevious(t *testing.T) {
	subject := Timer{}
	var first, second int32

	subject.Start(time.Millisecond*100, func() {
		atomic.AddInt32(&first, 1)
	})
	time.Sleep(time.Millisecond * 50)
	subject.Start(time.Millisecond*100, func() {
		atomic.AddInt32(&second, 1)
	})
	time.Sleep(time.Millisecond * 200)

	if atomic.LoadInt32(&first) != 0 {
		t.Errorf("cancelled timer fired %v times", first)
	}
	if atomic.LoadInt32(&second) != 1 {
		t.Errorf("Wrong number of invocations: %v", second)
	}
}

func TestTimerStopAfterStop(t *testing.T) {
	subject := Timer{}
	var count int32

	subject.Start(time.Millisecond*100, func() {
		atomic.AddInt32(&count, 1)
	})

	time.Sleep(time.Millisecond * 50)
	subject.Stop()
	subject.Stop()
	time.Sleep(time.Millisecond * 100)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Wrong number of invocations after Stop: %v", count)
	}
}

func TestTimerAt(t *testing.T) {
	subject := Timer{}
	var count int32

	subject.At(time.Now().Add(time.Millisecond*100), func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(time.Millisecond * 250)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Wrong number of invocations: %v", count)
	}
}

func TestTicker(t *testing.T) {
	subject := Ticker{}
	var count int32

	subject.Start(time.Millisecond*50, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(time.Millisecond * 180)
	subject.Stop()

	got := atomic.LoadInt32(&count)
	if got < 2 || got > 4 {
		t.Errorf("Wrong number of invocations: %v", got)
	}
}

func TestTickerStop(t *testing.T) {
	subject := Ticker{}
	var count int32

	subject.Start(time.Millisecond*50, func() {
		atomic.AddInt32(&count, 1)
	})
	time.Sleep(time.Millisecond * 120)
	subject.Stop()
	snapshot := atomic.LoadInt32(&count)
	time.Sleep(time.Millisecond * 150)

	if atomic.LoadInt32(&count) != snapshot {
		t.Errorf("ticker kept firing after Stop")
	}
}
