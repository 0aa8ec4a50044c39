package queue

import r "github.com/redis/go-redis/v9"

// KEYS: queue, inflight, msg, receipt, deliveries
// ARGV: visibility deadline (unix ms), receipt
// Ids whose envelope is gone were already acked; they are dropped.
var claimScript = r.NewScript(`
while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[1], id)
		redis.call('HSET', KEYS[4], id, ARGV[2])
		local n = redis.call('HINCRBY', KEYS[5], id, 1)
		return {id, body, n}
	end
end
`)

// KEYS: inflight, msg, receipt, deliveries
// ARGV: id, receipt
var ackScript = r.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// KEYS: inflight, msg, receipt, queue, delay, deliveries
// ARGV: id, receipt, run at (unix ms, 0 = now), envelope ("" keeps the stored one)
// A new envelope starts a fresh delivery count.
var nackScript = r.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if ARGV[4] ~= '' then
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
	redis.call('HDEL', KEYS[6], ARGV[1])
end
if tonumber(ARGV[3]) > 0 then
	redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
else
	redis.call('LPUSH', KEYS[4], ARGV[1])
end
return 1
`)

// KEYS: inflight, receipt
// ARGV: id, receipt, new deadline (unix ms)
var extendScript = r.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: inflight, receipt, queue
// ARGV: now (unix ms), limit
// Expired ids go to the consuming end of the list so they are redelivered first.
var requeueScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('HDEL', KEYS[2], id)
	redis.call('RPUSH', KEYS[3], id)
end
return #ids
`)
