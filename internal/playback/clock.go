package playback

import (
	"sync"
	"time"
)

// Clock provides the local wall clock.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides a settable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewTestClock creates a test clock at the given epoch milliseconds.
func NewTestClock(ms int64) *TestClock {
	return &TestClock{CurrentTime: time.UnixMilli(ms)}
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CurrentTime
}

// Set moves the test time to the given epoch milliseconds.
func (t *TestClock) Set(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = time.UnixMilli(ms)
}

// Advance moves the test time forward.
func (t *TestClock) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = t.CurrentTime.Add(d)
}
