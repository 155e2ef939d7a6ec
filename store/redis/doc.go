// Package redis implements the courier job and instance stores on Redis,
// plus a Pub/Sub [Medium] for the event bus.
//
// Every job is a hash. Per queue, one sorted set per state indexes the
// jobs: waiting is scored so that ZRANGE 0 0 yields the highest priority,
// oldest job; active is scored by lease expiry so expired leases are a
// range query; delayed by available time. Every state transition runs as
// a single Lua script, which is what makes leasing exclusive across
// instances.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	bus := event.NewBus(redisstore.NewMedium(client))
//
// The store needs a single-node client: the scripts derive job keys from
// ids read inside the script, which Redis Cluster rejects. The Pub/Sub
// medium has no such restriction.
//
// The caller owns the client; Close never closes it.
package redis
