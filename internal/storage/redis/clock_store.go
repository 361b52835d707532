package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

var setClockValue = redis.NewScript(setClockValueScript)

// clockStore implements storage.ClockStore using Redis
type clockStore struct {
	client *redis.Client
	keys   keys
	pub    *publisher
}

// Get reads both clock values in one round trip
func (s *clockStore) Get(ctx context.Context) (storage.GlobalClock, error) {
	pipe := s.client.Pipeline()
	refCmd := pipe.HGetAll(ctx, s.keys.clock(storage.PathGlobalTimestamp))
	loopCmd := pipe.HGetAll(ctx, s.keys.clock(storage.PathLoopEnabled))

	if _, err := pipe.Exec(ctx); err != nil {
		return storage.GlobalClock{}, fmt.Errorf("failed to read clock: %w", err)
	}

	var clock storage.GlobalClock

	raw, version, ok, err := parseClockValue(refCmd.Val())
	if err != nil {
		return storage.GlobalClock{}, fmt.Errorf("invalid %s: %w", storage.PathGlobalTimestamp, err)
	}
	if ok {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return storage.GlobalClock{}, fmt.Errorf("invalid %s value: %w", storage.PathGlobalTimestamp, err)
		}
		clock = clock.WithReference(ts, version)
	}

	raw, version, ok, err = parseClockValue(loopCmd.Val())
	if err != nil {
		return storage.GlobalClock{}, fmt.Errorf("invalid %s: %w", storage.PathLoopEnabled, err)
	}
	if ok {
		// Absent reads as false, anything unparseable likewise.
		enabled, _ := strconv.ParseBool(raw)
		clock.LoopEnabled = enabled
		clock.LoopVersion = version
	}

	return clock, nil
}

// SetReference overwrites the shared loop start
func (s *clockStore) SetReference(ctx context.Context, ts int64) (int64, error) {
	return s.set(ctx, storage.PathGlobalTimestamp, strconv.FormatInt(ts, 10), ts)
}

// SetLoop overwrites the loop flag
func (s *clockStore) SetLoop(ctx context.Context, enabled bool) (int64, error) {
	return s.set(ctx, storage.PathLoopEnabled, strconv.FormatBool(enabled), enabled)
}

func (s *clockStore) set(ctx context.Context, path, raw string, value any) (int64, error) {
	version, err := setClockValue.Run(ctx, s.client,
		[]string{s.keys.clock(path), s.keys.seq()},
		raw,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}

	e, err := storage.NewEvent(path, version, value)
	if err != nil {
		return version, err
	}
	if err := s.pub.publish(ctx, e); err != nil {
		return version, err
	}

	return version, nil
}
