package redis

import goredis "github.com/redis/go-redis/v9"

// Job state transitions. Each script validates and applies one transition
// atomically. Scripts that report a job return HGETALL output, optionally
// preceded by an outcome marker.
//
// Error replies: NOTFOUND for a missing job, STALE for a job that is not
// active under the given lease token.

// waitingScore orders waiting jobs by priority DESC then sequence ASC.
const luaWaitingScore = `
local function waitingScore(priority, seq)
  return -tonumber(priority) * 1e12 + tonumber(seq)
end
`

// checkLease validates state and token of an active job.
const luaCheckLease = `
local function checkLease(key, token)
  local cur = redis.call('HMGET', key, 'state', 'lease_token')
  if not cur[1] then
    return redis.error_reply('NOTFOUND')
  end
  if token == '' or cur[1] ~= 'active' or cur[2] ~= token then
    return redis.error_reply('STALE')
  end
  return nil
end
`

// KEYS: job, dedupe, seq, waiting, delayed, queue-all, jobs, queues
// ARGV: id, dedupe key, state, priority, available ms, queue, field pairs...
var createScript = goredis.NewScript(luaWaitingScore + `
if ARGV[2] ~= '' then
  local existing = redis.call('HGET', KEYS[2], ARGV[2])
  if existing then
    return {0, existing}
  end
end
local seq = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'seq', seq, unpack(ARGV, 7))
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
end
if ARGV[3] == 'delayed' then
  redis.call('ZADD', KEYS[5], ARGV[5], ARGV[1])
else
  redis.call('ZADD', KEYS[4], waitingScore(ARGV[4], seq), ARGV[1])
end
redis.call('ZADD', KEYS[6], seq, ARGV[1])
redis.call('ZADD', KEYS[7], seq, ARGV[1])
redis.call('SADD', KEYS[8], ARGV[6])
return {1, ARGV[1]}
`)

// KEYS: waiting, active
// ARGV: job key prefix, token, instance, expires ms, expires, now
var leaseScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[4], id)
redis.call('HSET', key,
  'state', 'active',
  'lease_token', ARGV[2],
  'leased_by', ARGV[3],
  'lease_expires_at', ARGV[5],
  'updated_at', ARGV[6])
return redis.call('HGETALL', key)
`)

// KEYS: job, active, completed
// ARGV: id, token, now ms, now
var completeScript = goredis.NewScript(luaCheckLease + `
local err = checkLease(KEYS[1], ARGV[2])
if err then
  return err
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1],
  'state', 'completed',
  'finished_at', ARGV[4],
  'updated_at', ARGV[4],
  'lease_token', '',
  'leased_by', '',
  'lease_expires_at', '')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: job, active, waiting, delayed, failed, dead_lettered
// ARGV: id, token, now ms, now, error, permanent, delay ms, available
var failScript = goredis.NewScript(luaWaitingScore + luaCheckLease + `
local err = checkLease(KEYS[1], ARGV[2])
if err then
  return err
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local f = redis.call('HMGET', KEYS[1], 'max_attempts', 'priority', 'seq')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1],
  'last_error', ARGV[5],
  'updated_at', ARGV[4],
  'lease_token', '',
  'leased_by', '',
  'lease_expires_at', '')

local kind
if ARGV[6] == '1' then
  kind = 'failed'
  redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[4])
  redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
elseif attempts >= tonumber(f[1]) then
  kind = 'dead_lettered'
  redis.call('HSET', KEYS[1], 'state', 'dead_lettered', 'finished_at', ARGV[4])
  redis.call('ZADD', KEYS[6], ARGV[3], ARGV[1])
else
  kind = 'rescheduled'
  redis.call('HSET', KEYS[1], 'available_at', ARGV[8])
  if tonumber(ARGV[7]) > 0 then
    redis.call('HSET', KEYS[1], 'state', 'delayed')
    redis.call('ZADD', KEYS[4], tonumber(ARGV[3]) + tonumber(ARGV[7]), ARGV[1])
  else
    redis.call('HSET', KEYS[1], 'state', 'waiting')
    redis.call('ZADD', KEYS[3], waitingScore(f[2], f[3]), ARGV[1])
  end
end

local out = {kind}
for _, v in ipairs(redis.call('HGETALL', KEYS[1])) do
  table.insert(out, v)
end
return out
`)

// KEYS: job, active
// ARGV: id, token, expires ms, expires
var extendScript = goredis.NewScript(luaCheckLease + `
local err = checkLease(KEYS[1], ARGV[2])
if err then
  return err
end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: delayed, waiting
// ARGV: job key prefix, now ms, now
var promoteScript = goredis.NewScript(luaWaitingScore + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local f = redis.call('HMGET', key, 'priority', 'seq')
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], waitingScore(f[1], f[2]), id)
  redis.call('HSET', key, 'state', 'waiting', 'updated_at', ARGV[3])
end
return #ids
`)

// KEYS: active, waiting
// ARGV: job key prefix, now ms, now
var reclaimScript = goredis.NewScript(luaWaitingScore + `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local f = redis.call('HMGET', key, 'priority', 'seq')
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], waitingScore(f[1], f[2]), id)
  redis.call('HSET', key,
    'state', 'waiting',
    'updated_at', ARGV[3],
    'lease_token', '',
    'leased_by', '',
    'lease_expires_at', '')
end
return #ids
`)

// KEYS: job, jobs
// ARGV: id, key prefix
var deleteScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'queue', 'state', 'dedupe_key')
if not f[1] then
  return redis.error_reply('NOTFOUND')
end
local q = ARGV[2] .. 'queue:' .. f[1]
redis.call('ZREM', q .. ':' .. f[2], ARGV[1])
redis.call('ZREM', q .. ':all', ARGV[1])
if f[3] and f[3] ~= '' then
  local dk = ARGV[2] .. 'dedupe:' .. f[1]
  if redis.call('HGET', dk, f[3]) == ARGV[1] then
    redis.call('HDEL', dk, f[3])
  end
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS: terminal state set, dedupe, queue-all, jobs
// ARGV: job key prefix, before ms
var purgeScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local dk = redis.call('HGET', key, 'dedupe_key')
  if dk and dk ~= '' and redis.call('HGET', KEYS[2], dk) == id then
    redis.call('HDEL', KEYS[2], dk)
  end
  redis.call('DEL', key)
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZREM', KEYS[4], id)
end
return #ids
`)

// Leadership.

// KEYS: leader
// ARGV: instance id, ttl ms
var acquireLeaderScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// KEYS: leader
// ARGV: instance id, ttl ms
var renewLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// KEYS: leader
// ARGV: instance id
var releaseLeaderScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
