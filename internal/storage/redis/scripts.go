package redis

const (
	// upsertRecordScript atomically writes a journal record and its indexes
	upsertRecordScript = `
local record_key = KEYS[1]      -- {prefix}:record:{deviceID}:{sessionID}
local active_set = KEYS[2]      -- {prefix}:records:active
local ended_zset = KEYS[3]      -- {prefix}:records:ended

local member = ARGV[1]
local active = ARGV[13]
local ended_score = tonumber(ARGV[14])
local ttl = tonumber(ARGV[15])

redis.call('HSET', record_key,
  'device_id', ARGV[2],
  'session_id', ARGV[3],
  'customer_name', ARGV[4],
  'package_name', ARGV[5],
  'started_at', ARGV[6],
  'last_activity', ARGV[7],
  'ended_at', ARGV[8],
  'duration_minutes', ARGV[9],
  'top_up_minutes', ARGV[10],
  'used_seconds', ARGV[11],
  'end_reason', ARGV[12],
  'active', active
)

if active == '1' then
  redis.call('SADD', active_set, member)
  redis.call('ZREM', ended_zset, member)
  redis.call('PERSIST', record_key)
else
  redis.call('SREM', active_set, member)
  redis.call('ZADD', ended_zset, ended_score, member)
  if ttl > 0 then
    redis.call('EXPIRE', record_key, ttl)
  end
end

return 'OK'
`

	// incrementDailyUsageScript atomically increments or creates daily usage
	incrementDailyUsageScript = `
local usage_key = KEYS[1]     -- {prefix}:usage:daily:{date}:{deviceID}
local index_key = KEYS[2]     -- {prefix}:usage:daily:index:{date}
local dates_key = KEYS[3]     -- {prefix}:usage:daily:dates

local date = ARGV[1]
local device_id = ARGV[2]
local seconds = tonumber(ARGV[3])
local date_score = tonumber(ARGV[4])

if redis.call('EXISTS', usage_key) == 0 then
  redis.call('HSET', usage_key,
    'date', date,
    'device_id', device_id,
    'total_seconds', seconds
  )
  redis.call('SADD', index_key, device_id)
  redis.call('ZADD', dates_key, date_score, date)
else
  redis.call('HINCRBY', usage_key, 'total_seconds', seconds)
end

return 'OK'
`
)
