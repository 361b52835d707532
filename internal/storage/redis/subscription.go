package redis

import (
	"encoding/json"
	"sync"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// subscription decodes change notifications from a Redis channel
type subscription struct {
	ps     *redis.PubSub
	events chan storage.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run() {
	defer close(s.events)

	for msg := range s.ps.Channel() {
		var e storage.Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			continue
		}

		select {
		case s.events <- e:
		case <-s.done:
			return
		}
	}
}

// Events returns the channel of decoded changes. It is closed after Close.
func (s *subscription) Events() <-chan storage.Event {
	return s.events
}

// Close stops delivery and releases the Redis connection
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
