package redisstore

import goredis "github.com/redis/go-redis/v9"

// createScript creates every node or none.
// KEYS: revision counter, path index, node keys... ARGV: path, value pairs in node order.
// Returns {1, revision} or {0, existing path}.
var createScript = goredis.NewScript(`
for i = 3, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 1 then
    return {0, ARGV[(i - 3) * 2 + 1]}
  end
end
local rev = redis.call('INCR', KEYS[1])
for i = 3, #KEYS do
  local path = ARGV[(i - 3) * 2 + 1]
  redis.call('HSET', KEYS[i], 'v', ARGV[(i - 3) * 2 + 2], 'rev', rev)
  redis.call('ZADD', KEYS[2], 0, path)
end
return {1, rev}
`)

// registerScript creates an ephemeral node owned by a session.
// KEYS: node key, revision counter, path index. ARGV: path, value, owner, ttl millis.
// Returns the revision, or 0 if the node exists.
var registerScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local rev = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'rev', rev, 'owner', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[3], 0, ARGV[1])
return rev
`)

// keepAliveScript extends the ttl of a node still owned by the session.
// KEYS: node key. ARGV: owner, ttl millis. Returns 1 when renewed.
var keepAliveScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
return redis.call('PEXPIRE', KEYS[1], ARGV[2])
`)

// releaseScript deletes a node still owned by the session.
// KEYS: node key, path index. ARGV: owner, path. Returns 1 when deleted.
var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)
