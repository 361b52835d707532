package redis

const (
	// setClockValueScript atomically writes a clock value with a fresh version
	setClockValueScript = `
local value_key = KEYS[1]   -- {prefix}:clock:{name}
local seq_key = KEYS[2]     -- {prefix}:seq

local value = ARGV[1]

local version = redis.call('INCR', seq_key)
redis.call('HSET', value_key, 'value', value, 'version', version)

return version
`

	// putUserScript atomically writes a presence record, its index entry and
	// its lease
	putUserScript = `
local user_key = KEYS[1]    -- {prefix}:user:{id}
local users_set = KEYS[2]   -- {prefix}:users
local lease_set = KEYS[3]   -- {prefix}:users:lease
local seq_key = KEYS[4]     -- {prefix}:seq

local user_id = ARGV[1]
local record = ARGV[2]
local now_ms = ARGV[3]

redis.call('SET', user_key, record)
redis.call('SADD', users_set, user_id)
redis.call('ZADD', lease_set, now_ms, user_id)

return redis.call('INCR', seq_key)
`

	// heartbeatScript renews a lease only while the record still exists
	heartbeatScript = `
local user_key = KEYS[1]    -- {prefix}:user:{id}
local lease_set = KEYS[2]   -- {prefix}:users:lease

local user_id = ARGV[1]
local now_ms = ARGV[2]

if redis.call('EXISTS', user_key) == 0 then
  redis.call('ZREM', lease_set, user_id)
  return 0
end

redis.call('ZADD', lease_set, now_ms, user_id)
return 1
`

	// deleteUserScript removes a presence record and its indexes, returning
	// the new version or 0 when there was nothing to delete
	deleteUserScript = `
local user_key = KEYS[1]    -- {prefix}:user:{id}
local users_set = KEYS[2]   -- {prefix}:users
local lease_set = KEYS[3]   -- {prefix}:users:lease
local seq_key = KEYS[4]     -- {prefix}:seq

local user_id = ARGV[1]

local existed = redis.call('DEL', user_key)
redis.call('SREM', users_set, user_id)
redis.call('ZREM', lease_set, user_id)

if existed == 0 then
  return 0
end

return redis.call('INCR', seq_key)
`

	// reapExpiredScript removes every presence record whose last heartbeat is
	// older than the cutoff. Returns a flat list of
	// {id, last_seen, record, version} tuples.
	reapExpiredScript = `
local users_set = KEYS[1]   -- {prefix}:users
local lease_set = KEYS[2]   -- {prefix}:users:lease
local seq_key = KEYS[3]     -- {prefix}:seq

local user_prefix = ARGV[1] -- {prefix}:user:
local cutoff_ms = ARGV[2]

local expired = redis.call('ZRANGEBYSCORE', lease_set, '-inf', '(' .. cutoff_ms, 'WITHSCORES')
local out = {}

for i = 1, #expired, 2 do
  local user_id = expired[i]
  local last_seen = expired[i + 1]
  local user_key = user_prefix .. user_id

  local record = redis.call('GET', user_key)
  redis.call('DEL', user_key)
  redis.call('SREM', users_set, user_id)
  redis.call('ZREM', lease_set, user_id)

  table.insert(out, user_id)
  table.insert(out, last_seen)
  table.insert(out, record or '')
  table.insert(out, redis.call('INCR', seq_key))
end

return out
`
)
