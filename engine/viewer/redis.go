package viewer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokenscomedyclub/arena/engine/store"
)

// RedisAggregates implements Aggregates against Redis, using preloaded Lua
// scripts for every operation that must be atomic across a read-then-write
// pair, mirroring the teacher's own versioned-CAS idiom in
// store/redis_versioned.go.
type RedisAggregates struct {
	client *redis.Client

	heartbeatSHA string
	castVoteSHA  string
}

func presenceKey(viewerID string) string { return "viewer:presence:" + viewerID }
func shardKey(shard int) string          { return "viewer:shard:" + strconv.Itoa(shard) }
func voteKey(roundID, viewerID string) string {
	return "viewer:vote:" + roundID + ":" + viewerID
}
func tallyKey(roundID string, side store.Side, shard int) string {
	return fmt.Sprintf("viewer:tally:%s:%s:%d", roundID, side, shard)
}

// heartbeatScript atomically records presence and increments the viewer's
// shard counter iff the viewer was not already live.
const heartbeatScript = `
-- KEYS[1] = presence key, KEYS[2] = shard count key
-- ARGV[1] = expiresAt (unix ms), ARGV[2] = shard, ARGV[3] = now (unix ms)
local wasLive = false
local exp = redis.call("HGET", KEYS[1], "expiresAt")
if exp and tonumber(exp) > tonumber(ARGV[3]) then
	wasLive = true
end
redis.call("HMSET", KEYS[1], "expiresAt", ARGV[1], "shard", ARGV[2], "lastSeenAt", ARGV[3])
if not wasLive then
	redis.call("INCR", KEYS[2])
	return 1
end
return 0
`

// castVoteScript atomically applies §4.8's accepted/unchanged/updated
// transitions for a single viewer's ballot on a round.
const castVoteScript = `
-- KEYS[1] = vote key, KEYS[2] = tallyA key, KEYS[3] = tallyB key
-- ARGV[1] = new side ("A"|"B")
local existing = redis.call("HGET", KEYS[1], "side")
if not existing then
	redis.call("HSET", KEYS[1], "side", ARGV[1])
	if ARGV[1] == "A" then
		redis.call("INCR", KEYS[2])
	else
		redis.call("INCR", KEYS[3])
	end
	return "accepted"
end
if existing == ARGV[1] then
	return "unchanged"
end
if existing == "A" then
	redis.call("DECR", KEYS[2])
	redis.call("INCR", KEYS[3])
else
	redis.call("DECR", KEYS[3])
	redis.call("INCR", KEYS[2])
end
redis.call("HSET", KEYS[1], "side", ARGV[1])
return "updated"
`

// NewRedisAggregates connects to Redis and preloads the Lua scripts this
// package depends on, reloading them transparently on NOSCRIPT.
func NewRedisAggregates(addr, password string, db int) (*RedisAggregates, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	heartbeatSHA, err := client.ScriptLoad(ctx, heartbeatScript).Result()
	if err != nil {
		return nil, err
	}
	castVoteSHA, err := client.ScriptLoad(ctx, castVoteScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisAggregates{client: client, heartbeatSHA: heartbeatSHA, castVoteSHA: castVoteSHA}, nil
}

func (r *RedisAggregates) evalShaRetry(ctx context.Context, sha, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := r.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		newSHA, loadErr := r.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		if script == heartbeatScript {
			r.heartbeatSHA = newSHA
		} else {
			r.castVoteSHA = newSHA
		}
		res, err = r.client.EvalSha(ctx, newSHA, keys, args...).Result()
	}
	return res, err
}

func (r *RedisAggregates) Heartbeat(ctx context.Context, viewerID, page string, now time.Time) (bool, error) {
	if page != "live" {
		return false, nil
	}
	before, err := r.TotalViewers(ctx)
	if err != nil {
		return false, err
	}
	shard := Shard(viewerID)
	expiresAt := now.Add(PresenceTTL).UnixMilli()
	_, err = r.evalShaRetry(ctx, r.heartbeatSHA, heartbeatScript,
		[]string{presenceKey(viewerID), shardKey(shard)},
		expiresAt, shard, now.UnixMilli())
	if err != nil {
		return false, err
	}
	after, err := r.TotalViewers(ctx)
	if err != nil {
		return false, err
	}
	return before == 0 && after > 0, nil
}

func (r *RedisAggregates) TotalViewers(ctx context.Context) (int64, error) {
	var total int64
	for shard := 0; shard < ShardCount; shard++ {
		n, err := r.client.Get(ctx, shardKey(shard)).Int64()
		if err != nil && err != redis.Nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (r *RedisAggregates) ReapExpired(ctx context.Context, now time.Time, limit int) (int, bool, error) {
	if limit > 1000 {
		limit = 1000
	}
	reaped := 0
	iter := r.client.Scan(ctx, 0, "viewer:presence:*", 200).Iterator()
	for iter.Next(ctx) && reaped < limit {
		key := iter.Val()
		vals, err := r.client.HMGet(ctx, key, "expiresAt", "shard").Result()
		if err != nil {
			continue
		}
		if vals[0] == nil {
			continue
		}
		expMS, _ := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
		if time.UnixMilli(expMS).After(now) {
			continue
		}
		shard := 0
		if vals[1] != nil {
			shard, _ = strconv.Atoi(fmt.Sprint(vals[1]))
		}
		pipe := r.client.TxPipeline()
		pipe.Decr(ctx, shardKey(shard))
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		reaped++
	}
	if err := iter.Err(); err != nil {
		return reaped, false, err
	}
	return reaped, reaped < limit, nil
}

func (r *RedisAggregates) CastVote(ctx context.Context, roundID, viewerID string, side store.Side, now, deadline time.Time, votingOpen bool) (VoteStatus, error) {
	if !votingOpen || !now.Before(deadline) {
		return VoteInactive, nil
	}
	shard := Shard(viewerID)
	res, err := r.evalShaRetry(ctx, r.castVoteSHA, castVoteScript,
		[]string{voteKey(roundID, viewerID), tallyKey(roundID, store.SideA, shard), tallyKey(roundID, store.SideB, shard)},
		string(side))
	if err != nil {
		return "", err
	}
	return VoteStatus(fmt.Sprint(res)), nil
}

func (r *RedisAggregates) RoundTally(ctx context.Context, roundID string) (int64, int64, error) {
	var a, b int64
	for shard := 0; shard < ShardCount; shard++ {
		av, err := r.client.Get(ctx, tallyKey(roundID, store.SideA, shard)).Int64()
		if err != nil && err != redis.Nil {
			return 0, 0, err
		}
		bv, err := r.client.Get(ctx, tallyKey(roundID, store.SideB, shard)).Int64()
		if err != nil && err != redis.Nil {
			return 0, 0, err
		}
		a += av
		b += bv
	}
	return a, b, nil
}

func (r *RedisAggregates) PurgeRound(ctx context.Context, roundID string) error {
	var keys []string
	iter := r.client.Scan(ctx, 0, "viewer:vote:"+roundID+":*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	for shard := 0; shard < ShardCount; shard++ {
		keys = append(keys, tallyKey(roundID, store.SideA, shard), tallyKey(roundID, store.SideB, shard))
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisAggregates) ResetPresence(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	for shard := 0; shard < ShardCount; shard++ {
		pipe.Set(ctx, shardKey(shard), 0, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}
