package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// keys builds the Redis key layout under a shared prefix
type keys struct {
	prefix string
}

func (k keys) clock(path string) string { return k.prefix + ":clock:" + path }
func (k keys) user(id string) string    { return k.userPrefix() + id }
func (k keys) userPrefix() string       { return k.prefix + ":user:" }
func (k keys) users() string            { return k.prefix + ":users" }
func (k keys) lease() string            { return k.prefix + ":users:lease" }
func (k keys) seq() string              { return k.prefix + ":seq" }
func (k keys) events() string           { return k.prefix + ":events" }

// publisher announces committed changes on the change channel
type publisher struct {
	client  *redis.Client
	channel string
}

func (p *publisher) publish(ctx context.Context, e storage.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Path, err)
	}
	return nil
}

// parseClockValue converts a clock hash to its raw value and version. An
// empty hash means the value was never written.
func parseClockValue(data map[string]string) (string, int64, bool, error) {
	if len(data) == 0 {
		return "", 0, false, nil
	}

	version, err := strconv.ParseInt(data["version"], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse version: %w", err)
	}

	return data["value"], version, true, nil
}

// toInt64 converts a Lua reply element to int64. Scores come back as
// strings, counters as integers.
func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %q: %w", n, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
