package repo

import (
	"github.com/redis/go-redis/v9"
)

// KEYS[1] = entries hash, KEYS[2] = entry revisions hash, KEYS[3] = revision counter
// ARGV[1] = entry key, ARGV[2] = encoded entry
var scriptSaveEntry = redis.NewScript(`
local rev = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], rev)
return rev
`)

// Same keys as scriptSaveEntry, ARGV[1] = entry key.
// Returns the new revision, or 0 when the key did not exist.
var scriptDeleteEntry = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if removed == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return redis.call('INCR', KEYS[3])
`)

// Same keys as scriptSaveEntry, ARGV as scriptSaveEntry.
// Returns the new revision, or 0 when the key already existed.
var scriptSeedEntry = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return 0
end
local rev = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], rev)
return rev
`)
