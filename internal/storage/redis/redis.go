package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	keys          keys
	clockStore    *clockStore
	presenceStore *presenceStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig, prefix string) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	// Create Redis client
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, prefix), nil
}

func newStore(client *redis.Client, prefix string) *Store {
	k := keys{prefix: prefix}
	pub := &publisher{client: client, channel: k.events()}

	return &Store{
		client:        client,
		keys:          k,
		clockStore:    &clockStore{client: client, keys: k, pub: pub},
		presenceStore: &presenceStore{client: client, keys: k, pub: pub},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Clock returns the ClockStore implementation
func (s *Store) Clock() storage.ClockStore {
	return s.clockStore
}

// Presence returns the PresenceStore implementation
func (s *Store) Presence() storage.PresenceStore {
	return s.presenceStore
}

// Subscribe opens a subscription to the change channel. The subscription is
// confirmed by Redis before Subscribe returns, so no change committed after
// this call is missed.
func (s *Store) Subscribe(ctx context.Context) (storage.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.keys.events())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.keys.events(), err)
	}

	sub := &subscription{
		ps:     ps,
		events: make(chan storage.Event, 64),
		done:   make(chan struct{}),
	}
	go sub.run()

	return sub, nil
}
