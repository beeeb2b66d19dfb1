package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeriewang/crh-botnet/botnet"
)

func newRedisTestStore(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRedisConnectConflictAndStaleEviction(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, 50*time.Millisecond)

	require.NoError(t, s.Connect(ctx, 1, "aaaaaaaaaaaaaaaa"))

	// A live session blocks a second connect for the same ID.
	err := s.Connect(ctx, 1, "bbbbbbbbbbbbbbbb")
	assert.ErrorIs(t, err, ErrIDTaken)

	// Once the session is stale it is evicted on the next connect.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Connect(ctx, 1, "cccccccccccccccc"))

	// The evicted session's token no longer authenticates.
	_, found, err := s.RobotForToken(ctx, "aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.False(t, found)

	id, found, err := s.RobotForToken(ctx, "cccccccccccccccc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, id)
}

func TestRedisPollRefreshKeepsSessionLive(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, 80*time.Millisecond)

	require.NoError(t, s.Connect(ctx, 1, "aaaaaaaaaaaaaaaa"))

	// Keep polling past the TTL; the refreshed session must stay live.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		_, _, err := s.Drain(ctx, 1)
		require.NoError(t, err)
	}

	err := s.Connect(ctx, 1, "bbbbbbbbbbbbbbbb")
	assert.ErrorIs(t, err, ErrIDTaken)
}

func TestRedisDrainDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	require.NoError(t, s.Connect(ctx, 2, "aaaaaaaaaaaaaaaa"))
	require.NoError(t, s.Enqueue(ctx, botnet.Restore("first", 1, 2, 10.0)))
	require.NoError(t, s.Enqueue(ctx, botnet.Restore("second", 1, 2, 11.0)))
	require.NoError(t, s.Enqueue(ctx, botnet.Restore("other robot", 1, 3, 12.0)))

	msgs, members, err := s.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "only entries addressed to the caller")
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
	assert.Equal(t, []int{2}, members)

	// No redelivery.
	msgs, _, err = s.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Robot 3's entry is untouched.
	queued, err := s.CountQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)
}

func TestRedisBroadcastFanOut(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	tokens := map[int]string{
		1: "aaaaaaaaaaaaaaaa",
		2: "bbbbbbbbbbbbbbbb",
		3: "cccccccccccccccc",
		4: "dddddddddddddddd",
	}
	for id, tok := range tokens {
		require.NoError(t, s.Connect(ctx, id, tok))
	}

	n, err := s.EnqueueBroadcast(ctx, 1, botnet.Restore("Hi", 1, botnet.Broadcast, 5.0))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one entry per member other than the sender")

	// The sender gets nothing.
	msgs, _, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, id := range []int{2, 3, 4} {
		msgs, _, err := s.Drain(ctx, id)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "robot %d", id)
		assert.Equal(t, "Hi", msgs[0].Content)
		assert.Equal(t, 1, msgs[0].Sender)
		assert.Equal(t, id, msgs[0].Recipient)
	}
}

func TestRedisDisconnectRemovesSession(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	require.NoError(t, s.Connect(ctx, 1, "aaaaaaaaaaaaaaaa"))
	require.NoError(t, s.Disconnect(ctx, 1))

	_, found, err := s.RobotForToken(ctx, "aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.False(t, found)

	// The ID is immediately reusable.
	require.NoError(t, s.Connect(ctx, 1, "bbbbbbbbbbbbbbbb"))

	members, err := s.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, members)
}

func TestRedisDrainAfterDisconnectDoesNotResurrectSession(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	require.NoError(t, s.Connect(ctx, 1, "aaaaaaaaaaaaaaaa"))
	require.NoError(t, s.Disconnect(ctx, 1))

	// A poll whose request was authenticated just before the disconnect
	// landed still drains, but must not put the session back.
	_, members, err := s.Drain(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, members)

	members, err = s.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.Connect(ctx, 1, "bbbbbbbbbbbbbbbb"))
}

func TestRedisSendToDepartedRobotIsAccepted(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	require.NoError(t, s.Enqueue(ctx, botnet.Restore("into the void", 1, 99, 1.0)))

	queued, err := s.CountQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)
}

func TestRedisCounts(t *testing.T) {
	ctx := context.Background()
	s := newRedisTestStore(t, time.Minute)

	require.NoError(t, s.Connect(ctx, 1, "aaaaaaaaaaaaaaaa"))
	require.NoError(t, s.Connect(ctx, 2, "bbbbbbbbbbbbbbbb"))
	require.NoError(t, s.Enqueue(ctx, botnet.Restore("x", 1, 2, 1.0)))

	sessions, err := s.CountSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sessions)

	queued, err := s.CountQueued(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, queued)
}
