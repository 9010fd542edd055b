package roomstore

// Each script is a single atomic server-side Lua program so that capacity
// checks and membership mutations can never interleave with a concurrent
// caller touching the same room (§4.5 atomicity contract).

// KEYS: meta, members, count
// ARGV: ttl_ms
const scriptCreateEmpty = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  redis.call('PEXPIRE', KEYS[2], ARGV[1])
  redis.call('PEXPIRE', KEYS[3], ARGV[1])
  return 1
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
redis.call('SET', KEYS[3], '0', 'PX', ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return 1
`

// KEYS: meta, members, count, jtis
// ARGV: conn, ttl_ms
const scriptCreateWith = `
redis.call('SET', KEYS[1], '1', 'PX', ARGV[2])
redis.call('DEL', KEYS[2])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
redis.call('DEL', KEYS[4])
redis.call('PEXPIRE', KEYS[4], ARGV[2])
return 1
`

// KEYS: meta, members, count
// ARGV: conn, max, ttl_ms
// returns {status, count} where status: 0=no_room 1=full 2=already_member 3=joined
const scriptTryJoin = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0}
end

local isMember = redis.call('SISMEMBER', KEYS[2], ARGV[1])
if isMember == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
  local count = tonumber(redis.call('GET', KEYS[3]))
  return {2, count}
end

local count = tonumber(redis.call('GET', KEYS[3]))
local max = tonumber(ARGV[2])
if count >= max then
  return {1, count}
end

redis.call('SADD', KEYS[2], ARGV[1])
local newCount = redis.call('INCR', KEYS[3])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return {3, newCount}
`

// KEYS: meta, members, count, jtis
// ARGV: conn, ttl_ms, jti_key_glob
// returns remaining count; -1 if conn was not a member
const scriptLeave = `
local wasMember = redis.call('SREM', KEYS[2], ARGV[1])
if wasMember == 0 then
  return -1
end

local remaining = redis.call('DECR', KEYS[3])
if remaining <= 0 then
  local markers = redis.call('KEYS', ARGV[3])
  for i = 1, #markers do
    redis.call('DEL', markers[i])
  end
  redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
  return 0
end

redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
redis.call('PEXPIRE', KEYS[3], ARGV[2])
return remaining
`

// KEYS: meta, members, count, jtis
// ARGV: ttl_ms
const scriptTouch = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('PEXPIRE', KEYS[3], ARGV[1])
redis.call('PEXPIRE', KEYS[4], ARGV[1])
return 1
`

// KEYS: jti_marker, jtis_set
// ARGV: ttl_ms
// returns 1 if fresh (marker was set), 0 if the jti was already present
const scriptMarkJTI = `
local set = redis.call('SET', KEYS[1], '1', 'PX', ARGV[1], 'NX')
if not set then
  return 0
end
redis.call('SADD', KEYS[2], KEYS[1])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
return 1
`
