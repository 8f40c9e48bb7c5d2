package jobqueue

import "github.com/redis/go-redis/v9"

// Every state transition runs as a script so a job id is a member of exactly
// one of the wait, delayed, active, completed and failed sets.

const trimLua = `
local function trim(set, now, age, count, prefix)
  age = tonumber(age)
  count = tonumber(count)
  if age > 0 then
    local cutoff = tonumber(now) - age
    local old = redis.call("ZRANGEBYSCORE", set, "-inf", cutoff)
    for _, id in ipairs(old) do
      redis.call("DEL", prefix .. id)
    end
    if #old > 0 then
      redis.call("ZREMRANGEBYSCORE", set, "-inf", cutoff)
    end
  end
  if count > 0 then
    local excess = redis.call("ZCARD", set) - count
    if excess > 0 then
      local old = redis.call("ZRANGE", set, 0, excess - 1)
      for _, id in ipairs(old) do
        redis.call("DEL", prefix .. id)
      end
      redis.call("ZREMRANGEBYRANK", set, 0, excess - 1)
    end
  end
end
`

// KEYS: wait, delayed, active, paused
// ARGV: now ms, lock ttl ms, lock token, job key prefix
// Returns the activated job hash as a flat field/value list, or nil.
var moveToActiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", now, "LIMIT", 0, 1000)
for _, id in ipairs(due) do
  local jk = ARGV[4] .. id
  redis.call("ZREM", KEYS[2], id)
  local score = redis.call("HGET", jk, "wscore")
  if score then
    redis.call("ZADD", KEYS[1], score, id)
    redis.call("HSET", jk, "state", "waiting")
  end
end
if redis.call("EXISTS", KEYS[4]) == 1 then
  return false
end
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = ARGV[4] .. id
redis.call("ZADD", KEYS[3], now, id)
redis.call("HINCRBY", jk, "attemptsMade", 1)
redis.call("HSET", jk, "state", "active", "processedOn", now)
redis.call("SET", jk .. ":lock", ARGV[3], "PX", ARGV[2])
return redis.call("HGETALL", jk)
`)

// KEYS: active, completed, job, lock
// ARGV: id, now ms, token, return value, keep age ms, keep count, job key prefix
// Returns 0 on success, -1 when the job is not active, -2 when the lock is
// held by another worker.
var moveToCompletedScript = redis.NewScript(trimLua + `
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return -1
end
local lock = redis.call("GET", KEYS[4])
if lock and lock ~= ARGV[3] then
  return -2
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[4])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], "state", "completed", "returnvalue", ARGV[4], "finishedOn", ARGV[2], "progress", 100)
trim(KEYS[2], ARGV[2], ARGV[5], ARGV[6], ARGV[7])
return 0
`)

// KEYS: active, failed, delayed, wait, job, lock
// ARGV: id, now ms, token, reason, error code, retry flag, run at ms,
//       keep age ms, keep count, job key prefix
// Returns 1 when the job was rescheduled, 0 when it failed terminally, or
// the negative codes of moveToCompletedScript.
var moveToFailedScript = redis.NewScript(trimLua + `
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return -1
end
local lock = redis.call("GET", KEYS[6])
if lock and lock ~= ARGV[3] then
  return -2
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[6])
redis.call("HSET", KEYS[5], "failedReason", ARGV[4], "errorCode", ARGV[5])
if ARGV[6] == "1" then
  local runAt = tonumber(ARGV[7])
  if runAt > tonumber(ARGV[2]) then
    redis.call("ZADD", KEYS[3], runAt, ARGV[1])
    redis.call("HSET", KEYS[5], "state", "delayed", "delayUntil", runAt)
  else
    redis.call("ZADD", KEYS[4], redis.call("HGET", KEYS[5], "wscore"), ARGV[1])
    redis.call("HSET", KEYS[5], "state", "waiting")
  end
  return 1
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[5], "state", "failed", "finishedOn", ARGV[2])
trim(KEYS[2], ARGV[2], ARGV[8], ARGV[9], ARGV[10])
return 0
`)

// KEYS: lock
// ARGV: token, ttl ms
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS: active, wait, failed
// ARGV: now ms, job key prefix, stalled error code, reason
// Returns {recovered ids, failed ids}.
var stalledScript = redis.NewScript(`
local recovered, failed = {}, {}
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local jk = ARGV[2] .. id
  if redis.call("EXISTS", jk .. ":lock") == 0 then
    redis.call("ZREM", KEYS[1], id)
    local made = tonumber(redis.call("HGET", jk, "attemptsMade") or "0")
    local max = tonumber(redis.call("HGET", jk, "maxAttempts") or "1")
    if made >= max then
      redis.call("ZADD", KEYS[3], ARGV[1], id)
      redis.call("HSET", jk, "state", "failed", "failedReason", ARGV[4], "errorCode", ARGV[3], "finishedOn", ARGV[1])
      table.insert(failed, id)
    else
      redis.call("ZADD", KEYS[2], redis.call("HGET", jk, "wscore") or "0", id)
      redis.call("HSET", jk, "state", "waiting")
      table.insert(recovered, id)
    end
  end
end
return {recovered, failed}
`)

// KEYS: failed, wait
// ARGV: job key prefix
var retryFailedScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local jk = ARGV[1] .. id
  redis.call("ZADD", KEYS[2], redis.call("HGET", jk, "wscore") or "0", id)
  redis.call("HSET", jk, "state", "waiting", "attemptsMade", 0, "progress", 0)
  redis.call("HDEL", jk, "finishedOn", "failedReason", "errorCode", "delayUntil")
end
redis.call("DEL", KEYS[1])
return #ids
`)

// KEYS: set
// ARGV: cutoff ms, job key prefix
var cleanScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("DEL", ARGV[2] .. id)
end
if #ids > 0 then
  redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return #ids
`)

// KEYS: wait, delayed, active, completed, failed, paused
// ARGV: job key prefix
// Returns the number of jobs removed, or -1 while jobs are active.
var obliterateScript = redis.NewScript(`
if redis.call("ZCARD", KEYS[3]) > 0 then
  return -1
end
local n = 0
for i = 1, 5 do
  local ids = redis.call("ZRANGE", KEYS[i], 0, -1)
  for _, id in ipairs(ids) do
    redis.call("DEL", ARGV[1] .. id, ARGV[1] .. id .. ":lock")
    n = n + 1
  end
  redis.call("DEL", KEYS[i])
end
redis.call("DEL", KEYS[6])
return n
`)
