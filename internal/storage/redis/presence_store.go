package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/loopsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	putUser     = redis.NewScript(putUserScript)
	heartbeat   = redis.NewScript(heartbeatScript)
	deleteUser  = redis.NewScript(deleteUserScript)
	reapExpired = redis.NewScript(reapExpiredScript)
)

// presenceStore implements storage.PresenceStore using Redis
type presenceStore struct {
	client *redis.Client
	keys   keys
	pub    *publisher
}

// Put writes the whole record and renews its lease
func (s *presenceStore) Put(ctx context.Context, session storage.UserSession, now time.Time) (int64, error) {
	if session.ID == "" {
		return 0, fmt.Errorf("user session has no id")
	}
	if session.ActivationRecords == nil {
		session.ActivationRecords = []storage.Interval{}
	}

	record, err := json.Marshal(session)
	if err != nil {
		return 0, fmt.Errorf("failed to encode user session: %w", err)
	}

	version, err := putUser.Run(ctx, s.client,
		[]string{s.keys.user(session.ID), s.keys.users(), s.keys.lease(), s.keys.seq()},
		session.ID, string(record), now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to put user %s: %w", session.ID, err)
	}

	e := storage.Event{Path: storage.UserPath(session.ID), Version: version, Value: record}
	if err := s.pub.publish(ctx, e); err != nil {
		return version, err
	}

	return version, nil
}

// Heartbeat renews the lease of an existing record
func (s *presenceStore) Heartbeat(ctx context.Context, id string, now time.Time) error {
	ok, err := heartbeat.Run(ctx, s.client,
		[]string{s.keys.user(id), s.keys.lease()},
		id, now.UnixMilli(),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", id, err)
	}
	if ok == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get reads one record
func (s *presenceStore) Get(ctx context.Context, id string) (*storage.UserSession, error) {
	data, err := s.client.Get(ctx, s.keys.user(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}

	return storage.DecodeUserSession(data)
}

// List returns every record, ordered by ID
func (s *presenceStore) List(ctx context.Context) ([]storage.UserSession, error) {
	ids, err := s.client.SMembers(ctx, s.keys.users()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	if len(ids) == 0 {
		return []storage.UserSession{}, nil
	}

	// Use pipeline to fetch all records
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keys.user(id))
	}

	_, err = pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	sessions := make([]storage.UserSession, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue // Removed between SMEMBERS and GET
		}

		session, err := storage.DecodeUserSession(data)
		if err != nil {
			continue // Skip malformed records
		}

		sessions = append(sessions, *session)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	return sessions, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *presenceStore) Delete(ctx context.Context, id string) error {
	version, err := deleteUser.Run(ctx, s.client,
		[]string{s.keys.user(id), s.keys.users(), s.keys.lease(), s.keys.seq()},
		id,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	if version == 0 {
		return nil
	}

	return s.pub.publish(ctx, storage.Event{Path: storage.UserPath(id), Version: version, Deleted: true})
}

// ReapExpired removes every record whose lease was last renewed before cutoff
func (s *presenceStore) ReapExpired(ctx context.Context, cutoff time.Time) ([]storage.DepartedSession, error) {
	reply, err := reapExpired.Run(ctx, s.client,
		[]string{s.keys.users(), s.keys.lease(), s.keys.seq()},
		s.keys.userPrefix(), cutoff.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reap expired users: %w", err)
	}

	if len(reply)%4 != 0 {
		return nil, fmt.Errorf("unexpected reap reply length %d", len(reply))
	}

	// Every record in the reply is already gone, so each one is announced
	// and returned even when another fails.
	var errs []error
	departed := make([]storage.DepartedSession, 0, len(reply)/4)
	for i := 0; i < len(reply); i += 4 {
		id, _ := reply[i].(string)
		record, _ := reply[i+2].(string)

		lastSeen, err := toInt64(reply[i+1])
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid lease for %s: %w", id, err))
		}

		version, err := toInt64(reply[i+3])
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid version for %s: %w", id, err))
		} else if err := s.pub.publish(ctx, storage.Event{Path: storage.UserPath(id), Version: version, Deleted: true}); err != nil {
			errs = append(errs, err)
		}

		session := storage.UserSession{ID: id}
		if decoded, err := storage.DecodeUserSession([]byte(record)); err == nil {
			session = *decoded
		}

		departed = append(departed, storage.DepartedSession{Session: session, LastSeen: lastSeen})
	}

	return departed, errors.Join(errs...)
}
