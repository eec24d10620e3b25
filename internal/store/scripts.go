package store

// Lua scripts implementing the atomic admission and lock-release operations of
// §4.3. Each is registered by content hash at startup (Client.register) and invoked
// by SHA1 (EVALSHA), falling back to EVAL on NOSCRIPT, after which the whole set is
// registered again. A reconnect alone does not trigger registration.
//
// Status tags returned by the two admission scripts (first element of the reply
// array) extend the six-value range sketched in §4.3 to the seven states the
// combined global+route check actually distinguishes; see DESIGN.md.
const (
	tagAllowed                          = 0
	tagAllowedHoldingRouteLock          = 1
	tagAwaitingGlobalLock               = 2
	tagHoldingGlobalLockAwaitingRouteLock = 3
	tagAwaitingRouteLock                = 4
	tagGlobalRatelimited                = 5
	tagRouteRatelimited                 = 6
)

// checkGlobalAndRouteScript implements "Check admission (global+route)".
//
// KEYS[1] = global limit key      e.g. global:{42}
// KEYS[2] = global slice key      e.g. global:{42}-<unix-second>
// KEYS[3] = route key             e.g. global:{42}-route:<bucket>
// ARGV[1] = candidate lock token
// ARGV[2] = lock TTL seconds
// ARGV[3] = slice TTL seconds
const checkGlobalAndRouteScript = `
local function try_lock(key, token, ttl)
  return redis.call('SET', key .. ':lock', token, 'NX', 'EX', ttl) ~= false
end

local global_limit = redis.call('GET', KEYS[1])

if not global_limit then
  if try_lock(KEYS[1], ARGV[1], ARGV[2]) then
    return {3}
  end
  return {2}
else
  local count = redis.call('INCR', KEYS[2])
  redis.call('EXPIRE', KEYS[2], ARGV[3])
  if count > tonumber(global_limit) then
    return {5, global_limit}
  end
end

local remaining = redis.call('HGET', KEYS[3], 'remaining')
if not remaining then
  if try_lock(KEYS[3], ARGV[1], ARGV[2]) then
    return {1}
  end

  if global_limit then
    redis.call('DECR', KEYS[2])
  end
  return {4}
end

if tonumber(remaining) <= 0 then
  if global_limit then
    redis.call('DECR', KEYS[2])
  end
  local limit = redis.call('HGET', KEYS[3], 'limit') or 0
  local reset_at = redis.call('HGET', KEYS[3], 'reset_at') or 0
  local reset_after = redis.call('HGET', KEYS[3], 'reset_after') or 0
  return {6, limit, reset_at, reset_after}
end

redis.call('HINCRBY', KEYS[3], 'remaining', -1)
return {0}
`

// checkRouteOnlyScript implements "Check admission (route only)": the same shape,
// omitting the global step. Used for Webhooks, for requests without a credential,
// and whenever DISABLE_GLOBAL_RATELIMIT is set.
//
// KEYS[1] = route key
// ARGV[1] = candidate lock token
// ARGV[2] = lock TTL seconds
const checkRouteOnlyScript = `
local function try_lock(key, token, ttl)
  return redis.call('SET', key .. ':lock', token, 'NX', 'EX', ttl) ~= false
end

local remaining = redis.call('HGET', KEYS[1], 'remaining')
if not remaining then
  if try_lock(KEYS[1], ARGV[1], ARGV[2]) then
    return {1}
  end
  return {4}
end

if tonumber(remaining) <= 0 then
  local limit = redis.call('HGET', KEYS[1], 'limit') or 0
  local reset_at = redis.call('HGET', KEYS[1], 'reset_at') or 0
  local reset_after = redis.call('HGET', KEYS[1], 'reset_after') or 0
  return {6, limit, reset_at, reset_after}
end

redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return {0}
`

// lockScript acquires a bare lock, used directly in tests and by callers that need
// a standalone lock outside the combined admission scripts.
//
// KEYS[1] = record key (the ":lock" suffix is appended here)
// ARGV[1] = token
// ARGV[2] = TTL seconds
const lockScript = `
return redis.call('SET', KEYS[1] .. ':lock', ARGV[1], 'NX', 'EX', ARGV[2]) and 1 or 0
`

// unlockGlobalScript implements "Release global lock with discovered limit": an
// atomic compare-token-and-set of the limit plus deletion of the lock key and a
// publish on the "unlock" channel.
//
// KEYS[1] = global limit key
// ARGV[1] = lock token
// ARGV[2] = discovered limit
const unlockGlobalScript = `
local lock_key = KEYS[1] .. ':lock'
local stored = redis.call('GET', lock_key)
if stored ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('DEL', lock_key)
redis.call('PUBLISH', 'unlock', KEYS[1])
return 1
`

// unlockRouteScript implements "Release route lock with headers": writes the
// discovered {limit, remaining, reset_at, reset_after}, sets the record TTL,
// deletes the lock, and publishes on "unlock" -- but only if the caller's token
// still matches the stored lock token (Invariant 5).
//
// KEYS[1] = route key
// ARGV[1] = lock token
// ARGV[2] = limit
// ARGV[3] = remaining
// ARGV[4] = reset_at (epoch ms)
// ARGV[5] = reset_after (ms)
// ARGV[6] = record TTL ms
const unlockRouteScript = `
local lock_key = KEYS[1] .. ':lock'
local stored = redis.call('GET', lock_key)
if stored ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'limit', ARGV[2], 'remaining', ARGV[3], 'reset_at', ARGV[4], 'reset_after', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('DEL', lock_key)
redis.call('PUBLISH', 'unlock', KEYS[1])
return 1
`

// setRouteExpiryScript refreshes a route record's fields and TTL without holding a
// lock, for the no-lock post-response update path.
//
// KEYS[1] = route key
// ARGV[1] = limit
// ARGV[2] = remaining
// ARGV[3] = reset_at
// ARGV[4] = reset_after
// ARGV[5] = record TTL ms
const setRouteExpiryScript = `
redis.call('HSET', KEYS[1], 'limit', ARGV[1], 'remaining', ARGV[2], 'reset_at', ARGV[3], 'reset_after', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`

var allScripts = map[string]string{
	"check_global_and_route": checkGlobalAndRouteScript,
	"check_route_only":       checkRouteOnlyScript,
	"lock":                   lockScript,
	"unlock_global":          unlockGlobalScript,
	"unlock_route":           unlockRouteScript,
	"set_route_expiry":       setRouteExpiryScript,
}
