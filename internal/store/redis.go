package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jeriewang/crh-botnet/botnet"
)

// queueTTL bounds how long an unread entry for a departed robot can linger.
const queueTTL = 24 * time.Hour

// RedisStore backs the relay with Redis. The registry is a sorted set
// scored by last-seen time plus token keys with a native TTL; each robot's
// queue is a list. Connect, drain, and disconnect run as Lua scripts, which
// Redis executes atomically, satisfying the per-ID serialization contract.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// queueEntry is the stored form of a queue row. The relay-assigned ID is a
// ULID, monotonic within this store instance; it never leaves the relay.
type queueEntry struct {
	ID          string  `json:"id"`
	Sender      int     `json:"sender"`
	Recipient   int     `json:"recipient"`
	Content     string  `json:"content"`
	TimeCreated float64 `json:"time_created"`
}

const (
	robotsKey = "robots"
)

func tokenKey(token string) string {
	return "token:" + token
}

func robotTokenKey(id int) string {
	return fmt.Sprintf("robot:%d:token", id)
}

func queueKey(id int) string {
	return fmt.Sprintf("queue:%d", id)
}

// connectScript evicts a stale session for the requested ID, then registers
// the new session unless a live one remains. KEYS: robots zset, the robot's
// token pointer. ARGV: id, token, now, stale-cutoff, ttl-millis.
var connectScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score then
	if tonumber(score) >= tonumber(ARGV[4]) then
		return 0
	end
	redis.call('ZREM', KEYS[1], ARGV[1])
	local old = redis.call('GET', KEYS[2])
	if old then
		redis.call('DEL', 'token:' .. old)
	end
	redis.call('DEL', KEYS[2])
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[5])
redis.call('SET', 'token:' .. ARGV[2], ARGV[1], 'PX', ARGV[5])
return 1
`)

// drainScript atomically takes the robot's whole queue, refreshes its
// last-seen score and token TTLs, prunes stale members, and returns the
// batch plus the membership. The refresh happens only while the session's
// token pointer still exists: a poll racing a disconnect must not put the
// deleted session back into the registry. KEYS: robots zset, the robot's
// queue, the robot's token pointer. ARGV: id, now, stale-cutoff,
// ttl-millis.
var drainScript = redis.NewScript(`
local msgs = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
local tok = redis.call('GET', KEYS[3])
if tok then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	redis.call('PEXPIRE', KEYS[3], ARGV[4])
	redis.call('PEXPIRE', 'token:' .. tok, ARGV[4])
end
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
return {msgs, members}
`)

// disconnectScript removes the session and its token pointers. KEYS: robots
// zset, the robot's token pointer. ARGV: id.
var disconnectScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
local tok = redis.call('GET', KEYS[2])
if tok then
	redis.call('DEL', 'token:' .. tok)
end
redis.call('DEL', KEYS[2])
return 1
`)

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string, sessionTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, ttl: sessionTTL}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Connect registers a session for robotID.
func (s *RedisStore) Connect(ctx context.Context, robotID int, token string) error {
	now := unixNow()
	res, err := connectScript.Run(ctx, s.client,
		[]string{robotsKey, robotTokenKey(robotID)},
		robotID, token, now, now-s.ttl.Seconds(), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrIDTaken
	}
	return nil
}

// RobotForToken resolves a bearer token to its robot ID. An expired token
// key means the session went stale and the token no longer authenticates.
func (s *RedisStore) RobotForToken(ctx context.Context, token string) (int, bool, error) {
	val, err := s.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt token mapping %q: %w", val, err)
	}
	return id, true, nil
}

// Disconnect removes the session for robotID.
func (s *RedisStore) Disconnect(ctx context.Context, robotID int) error {
	return disconnectScript.Run(ctx, s.client,
		[]string{robotsKey, robotTokenKey(robotID)},
		robotID,
	).Err()
}

// Members returns the IDs of all live robots, pruning stale ones first.
func (s *RedisStore) Members(ctx context.Context) ([]int, error) {
	now := unixNow()
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, robotsKey, "-inf", fmt.Sprintf("(%f", now-s.ttl.Seconds()))
	membersCmd := pipe.ZRange(ctx, robotsKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return parseIDs(membersCmd.Val())
}

// Enqueue stores one entry for the message's declared recipient.
func (s *RedisStore) Enqueue(ctx context.Context, m *botnet.Message) error {
	data, err := json.Marshal(queueEntry{
		ID:          ulid.Make().String(),
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		Content:     m.Content,
		TimeCreated: m.TimeCreated,
	})
	if err != nil {
		return err
	}

	key := queueKey(m.Recipient)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, queueTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// EnqueueBroadcast snapshots the membership and pushes one entry per member
// other than the sender. The snapshot and the pushes are not one atomic
// unit; a robot joining mid-broadcast may be missed, which the protocol
// tolerates, and no entry can ever be duplicated.
func (s *RedisStore) EnqueueBroadcast(ctx context.Context, sender int, m *botnet.Message) (int, error) {
	members, err := s.Members(ctx)
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	inserted := 0
	for _, id := range members {
		if id == sender {
			continue
		}
		data, err := json.Marshal(queueEntry{
			ID:          ulid.Make().String(),
			Sender:      sender,
			Recipient:   id,
			Content:     m.Content,
			TimeCreated: m.TimeCreated,
		})
		if err != nil {
			return 0, err
		}
		key := queueKey(id)
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, queueTTL)
		inserted++
	}
	if inserted == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

// Drain atomically takes the robot's queue, refreshes its liveness, and
// returns the batch plus the membership.
func (s *RedisStore) Drain(ctx context.Context, robotID int) ([]botnet.Message, []int, error) {
	now := unixNow()
	res, err := drainScript.Run(ctx, s.client,
		[]string{robotsKey, queueKey(robotID), robotTokenKey(robotID)},
		robotID, now, now-s.ttl.Seconds(), s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, nil, err
	}
	if len(res) != 2 {
		return nil, nil, fmt.Errorf("drain script returned %d values, want 2", len(res))
	}

	rawMsgs, ok := res[0].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("drain script: unexpected message batch type %T", res[0])
	}
	msgs := make([]botnet.Message, 0, len(rawMsgs))
	for _, raw := range rawMsgs {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var e queueEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, nil, fmt.Errorf("corrupt queue entry: %w", err)
		}
		msgs = append(msgs, *botnet.Restore(e.Content, e.Sender, e.Recipient, e.TimeCreated))
	}

	rawMembers, ok := res[1].([]interface{})
	if !ok {
		return nil, nil, fmt.Errorf("drain script: unexpected membership type %T", res[1])
	}
	memberStrs := make([]string, 0, len(rawMembers))
	for _, raw := range rawMembers {
		if str, ok := raw.(string); ok {
			memberStrs = append(memberStrs, str)
		}
	}
	members, err := parseIDs(memberStrs)
	if err != nil {
		return nil, nil, err
	}
	return msgs, members, nil
}

// CountSessions returns the number of live robots.
func (s *RedisStore) CountSessions(ctx context.Context) (int64, error) {
	members, err := s.Members(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(members)), nil
}

// CountQueued returns the number of undelivered entries across all queues.
func (s *RedisStore) CountQueued(ctx context.Context) (int64, error) {
	var total int64
	iter := s.client.Scan(ctx, 0, "queue:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return total, nil
}

func parseIDs(vals []string) ([]int, error) {
	var ids []int
	for _, v := range vals {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt registry member %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ Store = (*RedisStore)(nil)
