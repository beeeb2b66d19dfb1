package botnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRobot(t *testing.T, id int, relayURL string) *Robot {
	t.Helper()
	r, err := NewRobot(Config{ID: &id, ServerAddr: relayURL})
	require.NoError(t, err)
	return r
}

func TestSendStampsEndpointsAndInvokesCallback(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()

	r := newTestRobot(t, 4, relay.URL())
	require.NoError(t, r.Network.Connect())

	done := make(chan *Message, 1)
	r.Network.Send("hello", 7, func(m *Message) { done <- m })

	select {
	case m := <-done:
		assert.Equal(t, 4, m.Sender)
		assert.Equal(t, 7, m.Recipient)
		assert.Equal(t, "hello", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("send callback never ran")
	}

	sent := relay.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, 7, sent[0].Recipient)
}

func TestSendRetriesWithBackoff(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()
	relay.sendFail = 2

	r := newTestRobot(t, 4, relay.URL())
	require.NoError(t, r.Network.Connect())

	done := make(chan *Message, 1)
	r.Network.Send("persistent", 7, func(m *Message) { done <- m })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("send never succeeded")
	}
	assert.Equal(t, 3, relay.sendAttempts(), "two failures then one success")
}

func TestBroadcastUsesSentinelRecipient(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()

	r := newTestRobot(t, 4, relay.URL())
	require.NoError(t, r.Network.Connect())

	r.Network.Broadcast("to everyone")

	require.Eventually(t, func() bool {
		return len(relay.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := relay.sentMessages()
	assert.Equal(t, Broadcast, sent[0].Recipient)
	assert.Equal(t, 4, sent[0].Sender)
}

func TestSendWhileDisconnectedIsRejectedLocally(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()

	r := newTestRobot(t, 4, relay.URL())
	r.Network.Send("nope", 7, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, relay.sendAttempts())
}

func TestRosterRefreshedByPoll(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()

	other := newTestRobot(t, 9, relay.URL())
	require.NoError(t, other.Network.Connect())

	r := newTestRobot(t, 4, relay.URL())
	require.NoError(t, r.Network.Connect())
	assert.Empty(t, r.Network.ConnectedRobots(), "roster is empty before the first poll")

	_, err := r.Network.poll(r.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{4, 9}, r.Network.ConnectedRobots())
}

func TestSendRejectsUnsupportedType(t *testing.T) {
	relay := newFakeRelay()
	defer relay.Close()

	r := newTestRobot(t, 4, relay.URL())
	require.NoError(t, r.Network.Connect())

	r.Network.Send(42, 7, nil)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, relay.sendAttempts())
}
