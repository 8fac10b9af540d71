package state

import "github.com/redis/go-redis/v9"

// Lua scripts implementing the compare-and-swap state transitions. The lease
// key carries a Redis TTL, so Redis itself is the authority for lease expiry;
// worker clocks never enter the comparison. Batch and item documents are JSON
// values edited in place with cjson so counters, cursor, and status always
// move in one atomic step.

// acquireScript: KEYS[1]=lease, KEYS[2]=batch; ARGV[1]=owner, ARGV[2]=ttl ms,
// ARGV[3]=item key prefix. Returns 1 on acquisition, 0 when another worker
// holds an unexpired lease or the batch is terminal.
var acquireScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[2])
if not raw then return redis.error_reply('batch not found') end
local batch = cjson.decode(raw)
if batch.status == 'done' or batch.status == 'partially_failed' then
  return 0
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) == false then
  return 0
end
batch.status = 'leased'
batch.lease_owner = ARGV[1]
redis.call('SET', KEYS[2], cjson.encode(batch))
for _, id in ipairs(batch.items) do
  local iraw = redis.call('GET', ARGV[3] .. id)
  if iraw then
    local item = cjson.decode(iraw)
    if item.status ~= 'completed' and item.status ~= 'failed' and item.status ~= 'dead' then
      item.status = 'leased'
      redis.call('SET', ARGV[3] .. id, cjson.encode(item))
    end
  end
end
return 1
`)

// renewScript: KEYS[1]=lease; ARGV[1]=owner, ARGV[2]=ttl ms. Returns 1 if the
// caller still held the lease and it was extended.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseScript: KEYS[1]=lease; ARGV[1]=owner. Returns 1 on release, 0 when
// the caller no longer holds the lease.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// updateItemScript: KEYS[1]=item, KEYS[2]=batch, KEYS[3]=failed set;
// ARGV[1]=status, ARGV[2]=error message, ARGV[3]=item id. Adjusts the batch
// completed/failed counters for the transition in the same step.
var updateItemScript = redis.NewScript(`
local iraw = redis.call('GET', KEYS[1])
if not iraw then return redis.error_reply('item not found') end
local braw = redis.call('GET', KEYS[2])
if not braw then return redis.error_reply('batch not found') end
local item = cjson.decode(iraw)
local batch = cjson.decode(braw)
local old = item.status
item.status = ARGV[1]
if ARGV[2] ~= '' then item.last_error = ARGV[2] else item.last_error = nil end
local function failedish(s) return s == 'failed' or s == 'dead' end
if ARGV[1] == 'completed' and old ~= 'completed' then
  batch.completed = batch.completed + 1
end
if failedish(ARGV[1]) and not failedish(old) then
  batch.failed = batch.failed + 1
end
if not failedish(ARGV[1]) and failedish(old) then
  batch.failed = batch.failed - 1
end
if ARGV[1] == 'failed' then
  redis.call('SADD', KEYS[3], ARGV[3])
else
  redis.call('SREM', KEYS[3], ARGV[3])
end
redis.call('SET', KEYS[1], cjson.encode(item))
redis.call('SET', KEYS[2], cjson.encode(batch))
return 1
`)

// incrAttemptScript: KEYS[1]=item. Returns the new attempt count.
var incrAttemptScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('item not found') end
local item = cjson.decode(raw)
item.attempt_count = item.attempt_count + 1
redis.call('SET', KEYS[1], cjson.encode(item))
return item.attempt_count
`)

// checkpointScript: KEYS[1]=batch; ARGV[1]=cursor. Forward-only; a stale
// cursor write is ignored so recovery can never rewind confirmed progress.
var checkpointScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('batch not found') end
local batch = cjson.decode(raw)
local cursor = tonumber(ARGV[1])
if cursor > batch.cursor then
  batch.cursor = cursor
  redis.call('SET', KEYS[1], cjson.encode(batch))
end
return batch.cursor
`)

// finalizeScript: KEYS[1]=lease, KEYS[2]=batch; ARGV[1]=owner. Marks the
// batch done iff every item completed, else partially_failed. Returns the
// final status, or an empty string on lease conflict.
var finalizeScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return '' end
local raw = redis.call('GET', KEYS[2])
if not raw then return redis.error_reply('batch not found') end
local batch = cjson.decode(raw)
if batch.completed == #batch.items then
  batch.status = 'done'
else
  batch.status = 'partially_failed'
end
batch.lease_owner = nil
redis.call('SET', KEYS[2], cjson.encode(batch))
return batch.status
`)

// requeueScript: KEYS[1]=lease, KEYS[2]=batch, KEYS[3]=queue; ARGV[1]=item
// key prefix, ARGV[2]=batch id. Returns the batch to the pending queue if its
// lease is gone and it is not already waiting in the queue, bumping attempt
// counts on unfinished items. The queue check runs before any mutation so
// repeated sweeps over an idle pending batch change nothing. Returns 1 when
// the batch was requeued, 0 otherwise.
var requeueScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[2])
if not raw then return redis.error_reply('batch not found') end
local batch = cjson.decode(raw)
if batch.status == 'done' or batch.status == 'partially_failed' then
  return 0
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
if redis.call('LPOS', KEYS[3], ARGV[2]) ~= false then
  return 0
end
batch.status = 'pending'
batch.lease_owner = nil
for _, id in ipairs(batch.items) do
  local iraw = redis.call('GET', ARGV[1] .. id)
  if iraw then
    local item = cjson.decode(iraw)
    if item.status ~= 'completed' and item.status ~= 'failed' and item.status ~= 'dead' then
      item.status = 'pending'
      item.attempt_count = item.attempt_count + 1
      redis.call('SET', ARGV[1] .. id, cjson.encode(item))
    end
  end
end
redis.call('SET', KEYS[2], cjson.encode(batch))
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// redriveScript: KEYS[1]=batch, KEYS[2]=queue, KEYS[3]=failed set;
// ARGV[1]=item key prefix, ARGV[2]=batch id. Re-opens a partially_failed
// batch: failed items go back to pending with a bumped attempt count, the
// cursor rewinds so the worker walks the batch again (terminal items are
// skipped on the way), and the batch is queued. Returns the number of items
// redriven.
var redriveScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return redis.error_reply('batch not found') end
local batch = cjson.decode(raw)
if batch.status ~= 'partially_failed' then
  return 0
end
local redriven = 0
for _, id in ipairs(batch.items) do
  local iraw = redis.call('GET', ARGV[1] .. id)
  if iraw then
    local item = cjson.decode(iraw)
    if item.status == 'failed' then
      item.status = 'pending'
      item.attempt_count = item.attempt_count + 1
      item.last_error = nil
      redis.call('SET', ARGV[1] .. id, cjson.encode(item))
      redis.call('SREM', KEYS[3], id)
      batch.failed = batch.failed - 1
      redriven = redriven + 1
    end
  end
end
if redriven == 0 then
  return 0
end
batch.status = 'pending'
batch.cursor = 0
batch.lease_owner = nil
redis.call('SET', KEYS[1], cjson.encode(batch))
if redis.call('LPOS', KEYS[2], ARGV[2]) == false then
  redis.call('RPUSH', KEYS[2], ARGV[2])
end
return redriven
`)
